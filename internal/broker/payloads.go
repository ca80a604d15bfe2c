package broker

import "time"

// DataPayload — put/remove для job или trigger data. Value nil — null.
type DataPayload struct {
	Key   string  `json:"key"`
	Value *string `json:"value,omitempty"`
}

// ProgressPayload — update-progress.
type ProgressPayload struct {
	Progress byte `json:"progress"`
}

// EffectedRowsPayload — set-effected-rows / increase-effected-rows.
// Для set nil означает "не задано".
type EffectedRowsPayload struct {
	Value *int `json:"value"`
}

// HealthCheckPayload — health-check.
type HealthCheckPayload struct {
	Sequence int `json:"sequence"`
}

// RunTimePayload — job-run-time.
type RunTimePayload struct {
	Milliseconds int64 `json:"milliseconds"`
}

// NewRunTimePayload создаёт RunTimePayload из длительности.
func NewRunTimePayload(d time.Duration) RunTimePayload {
	return RunTimePayload{Milliseconds: d.Milliseconds()}
}

// RunStatusPayload — итог run (run-status).
type RunStatusPayload struct {
	Success        bool   `json:"success"`
	State          string `json:"state"`
	Error          string `json:"error,omitempty"`
	ExceptionCount int    `json:"exception_count"`
	EffectedRows   *int   `json:"effected_rows,omitempty"`
	Progress       byte   `json:"progress"`
	RunTimeMs      int64  `json:"run_time_ms"`
}
