package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Константы протокола.
const (
	// SpecVersion — версия формата CloudEvents.
	SpecVersion = "1.0"

	// ContentTypeJSON — тип содержимого Data.
	ContentTypeJSON = "application/json"

	// Source — URI, идентифицирующий протокол worker runtime.
	Source = "jobrun://worker-runtime"
)

// Channel — имя канала (команда протокола).
type Channel string

// Каналы протокола.
const (
	ChannelAddAggregateException Channel = "add-aggregate-exception"
	ChannelReportException       Channel = "report-exception"
	ChannelAppendLog             Channel = "append-log"
	ChannelPutJobData            Channel = "put-job-data"
	ChannelRemoveJobData         Channel = "remove-job-data"
	ChannelClearJobData          Channel = "clear-job-data"
	ChannelPutTriggerData        Channel = "put-trigger-data"
	ChannelRemoveTriggerData     Channel = "remove-trigger-data"
	ChannelClearTriggerData      Channel = "clear-trigger-data"
	ChannelUpdateProgress        Channel = "update-progress"
	ChannelSetEffectedRows       Channel = "set-effected-rows"
	ChannelIncreaseEffectedRows  Channel = "increase-effected-rows"
	ChannelHealthCheck           Channel = "health-check"
	ChannelJobRunTime            Channel = "job-run-time"
	ChannelRunStatus             Channel = "run-status"
)

// Envelope — единая обёртка сообщений для всех транспортов.
// Неизменяема после создания.
type Envelope struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Type            Channel         `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject,omitempty"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope создаёт envelope для канала.
// subject — FireInstanceID run'а; payload сериализуется в JSON (nil — без Data).
func NewEnvelope(channel Channel, subject string, payload any, now time.Time) (Envelope, error) {
	env := Envelope{
		SpecVersion:     SpecVersion,
		ID:              uuid.New().String(),
		Type:            channel,
		Source:          Source,
		Subject:         subject,
		Time:            now.UTC(),
		DataContentType: ContentTypeJSON,
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", channel, err)
		}
		env.Data = data
	}

	return env, nil
}

// Decode разбирает Data в указанный тип.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return out, nil
}
