package models

import "time"

// Job type constants.
const (
	JobTypeGenerate  = "generate"
	JobTypeEdit      = "edit"
	JobTypeVariation = "variation"
	JobTypeUpscale   = "upscale"
)

// Job status constants.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// DefaultVariationStrength is applied when a variation job omits strength.
const DefaultVariationStrength = 0.75

// Job is a generation request and, once completed, its history record.
// Queue state and results share one record so that listing and real-time
// subscription speak a single language.
type Job struct {
	ID             string  `json:"id" badgerhold:"key"`
	Type           string  `json:"type"`
	ModelID        string  `json:"model_id"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Size           string  `json:"size,omitempty"` // "WxH"
	Seed           *int64  `json:"seed,omitempty"`
	N              int     `json:"n,omitempty"`
	Quality        string  `json:"quality,omitempty"`
	Style          string  `json:"style,omitempty"`
	SourceImageID  string  `json:"source_image_id,omitempty"`
	MaskImageID    string  `json:"mask_image_id,omitempty"`
	Strength       *float64 `json:"strength,omitempty"`

	// Advanced generation parameters; nil means "use the model default".
	CFGScale       *float64 `json:"cfg_scale,omitempty"`
	SampleSteps    *int     `json:"sample_steps,omitempty"`
	SamplingMethod string   `json:"sampling_method,omitempty"`
	ClipSkip       *int     `json:"clip_skip,omitempty"`

	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	ModelLoadingTimeMS int64 `json:"model_loading_time_ms,omitempty"`
	GenerationTimeMS   int64 `json:"generation_time_ms,omitempty"`

	Images []GeneratedImage `json:"images,omitempty"`
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// GeneratedImage is the metadata record for one produced image. The binary
// payload is stored separately in the image store keyed by ID.
type GeneratedImage struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	MIME          string    `json:"mime"`
	Index         int       `json:"index"`
	RevisedPrompt string    `json:"revised_prompt,omitempty"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	URL           string    `json:"url"`
	CreatedAt     time.Time `json:"created_at"`
}

// ImageBlob is the persisted binary payload of a generated image.
type ImageBlob struct {
	ID   string `json:"id" badgerhold:"key"`
	MIME string `json:"mime"`
	Data []byte `json:"-"`
}

// JobFilter narrows job listing.
type JobFilter struct {
	Status string
}

// Pagination describes a listing window.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}
