package eventbus

// Event types published by wadispatch components.
const (
	SessionLoaded  = "session.loaded"
	SessionRemoved = "session.removed"

	DispatchStarted  = "dispatch.started"
	DispatchSent     = "dispatch.sent"
	DispatchFailed   = "dispatch.failed"
	DispatchStopping = "dispatch.stopping"
	DispatchFinished = "dispatch.finished"
)

// SessionEvent is the Data of session.* events.
type SessionEvent struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

// DeliveryEvent is the Data of dispatch.sent / dispatch.failed.
type DeliveryEvent struct {
	JobID string `json:"job_id"`
	Index int    `json:"index"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

// JobEvent is the Data of dispatch.started / stopping / finished.
type JobEvent struct {
	JobID     string `json:"job_id"`
	Session   string `json:"session"`
	Total     int    `json:"total"`
	Attempted int    `json:"attempted"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Cancelled bool   `json:"cancelled"`
	TookMS    int64  `json:"took_ms"`
}
