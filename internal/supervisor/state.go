package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// State is a supervisor lifecycle phase.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateUnhealthy  State = "unhealthy"
	StateRestarting State = "restarting"
	StateFatalStop  State = "fatal_stop"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxRestarts     = 5
	DefaultMinInterval     = 60 * time.Second
	DefaultStabilityWindow = time.Hour
	DefaultSocketCooldown  = 5 * time.Second
	DefaultTick            = time.Second
	DefaultStorageEvery    = 300
	DefaultLogEvery        = 10
	DefaultWarnDedupe      = 5 * time.Minute
)

var ErrRestartCeiling = errors.New("restart ceiling reached")

// CeilingError ends the supervisor once MaxRestarts attempts are used up.
type CeilingError struct {
	Count     int
	LastError string
}

func (e *CeilingError) Error() string {
	if e.LastError == "" {
		return fmt.Sprintf("%v after %d restarts", ErrRestartCeiling, e.Count)
	}
	return fmt.Sprintf("%v after %d restarts: last error: %s", ErrRestartCeiling, e.Count, e.LastError)
}

func (e *CeilingError) Unwrap() error { return ErrRestartCeiling }

// RestartState is the restart accounting. It lives only in memory.
type RestartState struct {
	Count       int           `json:"count"`
	LastRestart time.Time     `json:"last_restart"`
	MaxRestarts int           `json:"max_restarts"`
	MinInterval time.Duration `json:"min_interval"`
}

// Debounced reports whether the last attempt is too recent to try again.
func (r RestartState) Debounced(now time.Time) bool {
	if r.LastRestart.IsZero() {
		return false
	}
	return now.Sub(r.LastRestart) <= r.MinInterval
}

// Exhausted reports whether no attempts are left.
func (r RestartState) Exhausted() bool { return r.Count >= r.MaxRestarts }

// Attempt records a restart attempt at now.
func (r *RestartState) Attempt(now time.Time) {
	r.Count++
	r.LastRestart = now
}

// Status is a point-in-time copy of the supervisor for readers outside the
// control loop.
type Status struct {
	State         State     `json:"state"`
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
