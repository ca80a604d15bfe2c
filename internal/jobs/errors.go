package jobs

import "errors"

// Ошибки встроенных job'ов.
var (
	// ErrMissingParameter — в data map нет обязательного параметра.
	ErrMissingParameter = errors.New("missing job parameter")

	// ErrInvalidParameter — параметр не удалось разобрать.
	ErrInvalidParameter = errors.New("invalid job parameter")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrHTTPStatus — сервер ответил кодом >= 400.
	ErrHTTPStatus = errors.New("http error status")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")

	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")
)
