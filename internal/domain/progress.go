package domain

import "time"

// Snapshot is one point-in-time progress record handed to observers.
type Snapshot struct {
	Frame       int64   `json:"frame"`
	TotalFrames int64   `json:"total_frames"`
	FPS         float64 `json:"fps"`
	Percent     float64 `json:"percent"`
	ETASeconds  int64   `json:"eta_seconds"`
	Stage       string  `json:"stage"`
	Status      string  `json:"status"`
	CurrentLog  string  `json:"current_log"`
}

type EventType string

const (
	EventQueueUpdate EventType = "queue_update"
	EventJobStatus   EventType = "job_status"
	EventJobProgress EventType = "job_progress"
)

// Event is the payload fanned out to observers. Fields not relevant to the
// event type are left nil and omitted from the JSON encoding.
type Event struct {
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EventType `json:"type"`
	QueueSize   *int      `json:"queue_size,omitempty"`
	ActiveJobID *int64    `json:"active_job_id,omitempty"`
	JobID       int64     `json:"job_id,omitempty"`
	Status      JobStatus `json:"status,omitempty"`
	Error       *string   `json:"error,omitempty"`
	Data        *Snapshot `json:"data,omitempty"`
}

func QueueUpdateEvent(size int, active *int64) Event {
	return Event{Type: EventQueueUpdate, QueueSize: &size, ActiveJobID: active}
}

func JobStatusEvent(jobID int64, status JobStatus, errMsg *string) Event {
	return Event{Type: EventJobStatus, JobID: jobID, Status: status, Error: errMsg}
}

func JobProgressEvent(jobID int64, snap Snapshot) Event {
	return Event{Type: EventJobProgress, JobID: jobID, Data: &snap}
}
