package models

import "time"

// Process status constants.
const (
	ProcessStatusStarting = "starting"
	ProcessStatusRunning  = "running"
	ProcessStatusStopping = "stopping"
	ProcessStatusStopped  = "stopped"
	ProcessStatusError    = "error"
)

// ProcessStatus is the externally visible view of a running engine process.
// The registry's internal record additionally owns the subprocess handle and
// cancellation signal; those never cross the API boundary.
type ProcessStatus struct {
	ModelID         string    `json:"model_id"`
	PID             int       `json:"pid,omitempty"`
	Port            int       `json:"port,omitempty"`
	ExecMode        string    `json:"exec_mode"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`
	UptimeMS        int64     `json:"uptime_ms,omitempty"`
}

// ProcessAlive reports whether a status counts as a live process.
func ProcessAlive(status string) bool {
	return status != ProcessStatusStopped && status != ProcessStatusError
}
