// Package api holds the JSON request and response types of the sessiond
// HTTP control surface.
package api

import "time"

// Worker start/stop outcomes.
const (
	StatusStarted = "started"
	StatusStopped = "stopped"
)

// Stable error codes carried in ErrorResponse.ErrorCode.
const (
	ErrorAlreadyRunning  = "already_running"
	ErrorSessionConflict = "session_conflict"
	ErrorUnknownWorker   = "unknown_worker"
	ErrorInvalidRequest  = "invalid_request"
	ErrorStartFailed     = "start_failed"
	ErrorInternal        = "internal_error"
)

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable sessiond error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// WorkerActionResponse is returned by POST /v1/workers/{id}/start and
// POST /v1/workers/{id}/stop.
type WorkerActionResponse struct {
	// WorkerID is the configured worker id.
	WorkerID string `json:"worker_id"`
	// Identity is the account the worker drives.
	Identity string `json:"identity"`
	// Status is StatusStarted or StatusStopped.
	Status string `json:"status"`
}

// WorkerStatus describes one worker as seen by the supervisor.
type WorkerStatus struct {
	// WorkerID is the configured worker id.
	WorkerID string `json:"worker_id"`
	// Identity is the account the worker drives.
	Identity string `json:"identity"`
	// State is one of not_started, running, stopped or error.
	State string `json:"state"`
	// Phase is the finer-grained lifecycle phase (starting, stopping, ...).
	Phase string `json:"phase,omitempty"`
	// LockHeld reports whether this process holds the identity lock.
	LockHeld bool `json:"lock_held"`
	// Error is the failure reason for workers in the error state.
	Error string `json:"error,omitempty"`
	// StartedAt is when the worker last entered running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// StoppedAt is when the worker last exited.
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	// Cycles counts completed interaction cycles.
	Cycles int `json:"cycles"`
}

// WorkerListResponse is returned by GET /v1/workers.
type WorkerListResponse struct {
	// Workers lists every configured worker, ordered by id.
	Workers []WorkerStatus `json:"workers"`
}

// KindStats are per-kind action counts.
type KindStats struct {
	// Total counts every recorded action.
	Total int `json:"total"`
	// Success counts successful actions.
	Success int `json:"success"`
	// Error counts failed actions.
	Error int `json:"error"`
}

// WorkerStatsResponse is returned by GET /v1/workers/{id}/stats.
type WorkerStatsResponse struct {
	// WorkerID is the configured worker id.
	WorkerID string `json:"worker_id"`
	// Totals are all-time counts keyed by action kind.
	Totals map[string]KindStats `json:"totals"`
	// Hourly are successful actions in the last hour keyed by action kind.
	Hourly map[string]int `json:"hourly"`
	// Limits are the hourly budgets keyed by action kind.
	Limits map[string]int `json:"limits"`
	// Remaining is the budget left in the current hour keyed by action kind.
	Remaining map[string]int `json:"remaining"`
}

// LockInfo describes a durable identity lock.
type LockInfo struct {
	// Identity is the locked account.
	Identity string `json:"identity"`
	// PID is the owner process id.
	PID int `json:"pid"`
	// TaskID identifies the owning task.
	TaskID string `json:"task_id"`
	// AcquiredAt is when the lock was taken.
	AcquiredAt time.Time `json:"acquired_at"`
	// Host is the owner's host tag.
	Host string `json:"host"`
	// Platform is the owner's operating system.
	Platform string `json:"platform"`
	// Owned reports whether this server process owns the lock.
	Owned bool `json:"owned"`
}

// SessionsResponse is returned by GET /v1/sessions.
type SessionsResponse struct {
	// Identities lists identities with a live lock, sorted.
	Identities []string `json:"identities"`
	// Locks carries the lock records behind Identities.
	Locks []LockInfo `json:"locks,omitempty"`
}

// SweepResponse is returned by POST /v1/sessions/sweep.
type SweepResponse struct {
	// Removed lists identities whose stale or corrupt lock was deleted.
	Removed []string `json:"removed"`
}

// ProxyTestRequest drives POST /v1/proxy/test. When WorkerID is set the
// worker's configured proxy is tested and the inline fields are ignored.
type ProxyTestRequest struct {
	// WorkerID selects a configured worker's proxy.
	WorkerID string `json:"worker_id,omitempty"`
	// Type is http, https or socks5.
	Type string `json:"type,omitempty"`
	// Host is the proxy host.
	Host string `json:"host,omitempty"`
	// Port is the proxy port.
	Port int `json:"port,omitempty"`
	// Username authenticates against the proxy.
	Username string `json:"username,omitempty"`
	// Password authenticates against the proxy.
	Password string `json:"password,omitempty"`
}

// ProxyTestResponse reports a proxy test.
type ProxyTestResponse struct {
	// OK reports whether the echo endpoint answered through the proxy.
	OK bool `json:"ok"`
	// Proxy is the tested proxy URL with the password redacted.
	Proxy string `json:"proxy"`
	// Origin is the address the echo endpoint saw.
	Origin string `json:"origin,omitempty"`
	// LatencyMillis is the request round trip in milliseconds.
	LatencyMillis int64 `json:"latency_ms"`
	// Error describes the failure when OK is false.
	Error string `json:"error,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	// Status is always "ok" while the server is serving.
	Status string `json:"status"`
	// Version is the server build version.
	Version string `json:"version,omitempty"`
}
