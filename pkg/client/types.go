package client

import "time"

// Status mirrors the supervisor snapshot served at {base}/status.
type Status struct {
	State         string    `json:"state"`
	Name          string    `json:"name"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	RestartCount  int       `json:"restart_count"`
	MaxRestarts   int       `json:"max_restarts"`
	LastRestart   time.Time `json:"last_restart,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float32   `json:"memory_percent"`
	FreeBytes     uint64    `json:"free_bytes"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Classification is the marker match of an error line.
type Classification struct {
	Kind   int    `json:"kind"`
	Marker string `json:"marker,omitempty"`
}

// ErrorRecord is one classified line of the managed process log.
type ErrorRecord struct {
	Time    time.Time      `json:"time"`
	HasTime bool           `json:"has_time"`
	Line    string         `json:"line"`
	Class   Classification `json:"class"`
}

// Health is the body of {base}/healthz.
type Health struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
