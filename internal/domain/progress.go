package domain

import "time"

// ProgressEvent is a structured progress notification from any stage of a job
type ProgressEvent struct {
	JobID     string     `json:"job_id,omitempty"`
	Stage     JobState   `json:"stage"`
	StreamID  string     `json:"stream_id,omitempty"`
	Kind      StreamKind `json:"kind,omitempty"`
	Completed int        `json:"completed,omitempty"`
	Total     int        `json:"total,omitempty"`
	Failed    int        `json:"failed,omitempty"`
	Bytes     int64      `json:"bytes,omitempty"`
	Percent   float64    `json:"percent"`
	Message   string     `json:"message,omitempty"`
	Time      time.Time  `json:"time"`
}

// ProgressFunc receives progress events. Implementations must be safe for
// concurrent use.
type ProgressFunc func(event ProgressEvent)

// Emit calls fn when it is set, stamping the event time
func (fn ProgressFunc) Emit(event ProgressEvent) {
	if fn == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	if event.Percent == 0 && event.Total > 0 {
		event.Percent = float64(event.Completed) / float64(event.Total) * 100
	}
	fn(event)
}
