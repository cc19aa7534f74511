package models

import "time"

// Download status constants.
const (
	DownloadStatusPending     = "pending"
	DownloadStatusDownloading = "downloading"
	DownloadStatusPaused      = "paused"
	DownloadStatusCompleted   = "completed"
	DownloadStatusFailed      = "failed"
	DownloadStatusCancelled   = "cancelled"
)

// DownloadFile tracks one remote file within a download.
type DownloadFile struct {
	Path       string  `json:"path"`        // remote relative path within the repo
	Dest       string  `json:"dest"`        // destination absolute path
	TotalBytes int64   `json:"total_bytes"` // 0 until known
	Downloaded int64   `json:"downloaded"`
	Progress   float64 `json:"progress"`
	Complete   bool    `json:"complete"`
}

// Download is a persisted multi-file model download.
type Download struct {
	ID              string         `json:"id" badgerhold:"key"`
	Repo            string         `json:"repo"`
	Files           []DownloadFile `json:"files"`
	Status          string         `json:"status"`
	BytesDownloaded int64          `json:"bytes_downloaded"`
	TotalBytes      int64          `json:"total_bytes"`
	Progress        float64        `json:"progress"`
	SpeedBPS        float64        `json:"speed_bps"`
	ETASeconds      float64        `json:"eta_seconds"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       time.Time      `json:"started_at,omitempty"`
	CompletedAt     time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the record. The download goroutine keeps
// mutating the live record and its file list, so anything handed to an
// encoder gets a detached copy.
func (d *Download) Clone() *Download {
	cp := *d
	cp.Files = append([]DownloadFile(nil), d.Files...)
	return &cp
}

// Terminal reports whether the download can no longer change state.
func (d *Download) Terminal() bool {
	switch d.Status {
	case DownloadStatusCompleted, DownloadStatusFailed, DownloadStatusCancelled:
		return true
	}
	return false
}

// Recompute refreshes the aggregate byte counters and progress from the
// per-file counters.
func (d *Download) Recompute() {
	var done, total int64
	for i := range d.Files {
		f := &d.Files[i]
		if f.TotalBytes > 0 {
			f.Progress = float64(f.Downloaded) / float64(f.TotalBytes)
		}
		done += f.Downloaded
		total += f.TotalBytes
	}
	d.BytesDownloaded = done
	d.TotalBytes = total
	if total > 0 {
		d.Progress = float64(done) / float64(total)
	} else {
		d.Progress = 0
	}
}
