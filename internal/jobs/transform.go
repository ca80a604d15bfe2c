package jobs

import (
	"context"
	"fmt"

	"github.com/shaiso/jobrun/internal/worker"
)

// TemplatePrefix — префикс ключей-шаблонов transform job.
const TemplatePrefix = "Template:"

// TransformJob — job типа "transform".
//
// Для каждой записи "Template:<Name>" из job/trigger data рендерит шаблон
// и записывает результат в job data под ключом <Name>:
//
//	Template:Greeting = "Hello, {{ .Data.Name | upper }}"
//
// Ошибка одного шаблона записывается как aggregate exception,
// остальные шаблоны обрабатываются; run падает в конце, если ошибки были.
type TransformJob struct{}

// Execute рендерит шаблоны.
func (j *TransformJob) Execute(ctx context.Context, jc *worker.JobContext) error {
	names, templates := params{jc.MergedData()}.Prefixed(TemplatePrefix)
	if len(names) == 0 {
		jc.Logger().InfoContext(ctx, "no templates to render")
		return nil
	}

	tc := NewTemplateContext(jc)
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := Render(templates[name], tc)
		if err != nil {
			jc.AddAggregateException(ctx, fmt.Errorf("%s%s: %w", TemplatePrefix, name, err))
			continue
		}
		if err := jc.PutJobData(ctx, name, &out); err != nil {
			jc.AddAggregateException(ctx, fmt.Errorf("%s%s: %w", TemplatePrefix, name, err))
			continue
		}

		jc.IncreaseEffectedRows(ctx, 1)
		jc.UpdateProgressRatio(ctx, int64(i+1), int64(len(names)))
	}

	return jc.CheckAggregateException()
}
