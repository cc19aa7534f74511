package models

import "time"

// Event bus topics.
const (
	TopicQueue       = "queue"       // job lifecycle
	TopicGenerations = "generations" // image record creation
	TopicModels      = "models"      // process state changes
	TopicDownloads   = "downloads"   // download progress
)

// Event is a typed message published on the event bus and relayed to
// websocket subscribers.
type Event struct {
	Topic     string      `json:"topic"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Event type constants.
const (
	EventJobQueued     = "job_queued"
	EventJobStarted    = "job_started"
	EventJobProgress   = "job_progress"
	EventJobCompleted  = "job_completed"
	EventJobFailed     = "job_failed"
	EventJobCancelled  = "job_cancelled"
	EventImageCreated  = "image_created"
	EventModelState    = "model_state"
	EventDownloadState = "download_state"
)

// JobEventPayload carries job state on the queue topic.
type JobEventPayload struct {
	JobID    string  `json:"job_id"`
	Type     string  `json:"job_type"`
	ModelID  string  `json:"model_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// ModelEventPayload carries process state on the models topic.
type ModelEventPayload struct {
	ModelID string `json:"model_id"`
	Status  string `json:"status"`
	Port    int    `json:"port,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// DownloadEventPayload carries aggregate and per-file download progress.
type DownloadEventPayload struct {
	DownloadID      string         `json:"download_id"`
	Repo            string         `json:"repo"`
	Status          string         `json:"status"`
	Progress        float64        `json:"progress"`
	BytesDownloaded int64          `json:"bytes_downloaded"`
	TotalBytes      int64          `json:"total_bytes"`
	SpeedBPS        float64        `json:"speed_bps"`
	ETASeconds      float64        `json:"eta_seconds"`
	Error           string         `json:"error,omitempty"`
	Files           []DownloadFile `json:"files,omitempty"`
}
