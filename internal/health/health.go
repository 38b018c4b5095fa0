package health

import (
	"context"
	"time"
)

// Status represents the health status of a check.
type Status string

const (
	// StatusOK indicates the check passed.
	StatusOK Status = "ok"
	// StatusStarting indicates the service is still starting.
	StatusStarting Status = "starting"
	// StatusNotReady indicates the service cannot take lock requests.
	StatusNotReady Status = "not-ready"
	// StatusError indicates the check failed.
	StatusError Status = "error"
)

// CheckResult is the outcome of a single health check.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Checker is implemented by everything the probe endpoints report on.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// StartupResponse is the body of /healthz/startup.
type StartupResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Status `json:"checks"`
}

// LivenessResponse is the body of /healthz/live.
type LivenessResponse struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the body of /healthz/ready. Checks lists the
// dependencies readiness was gated on, such as the lock store.
type ReadinessResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Ready     bool              `json:"ready"`
	Checks    map[string]Status `json:"checks,omitempty"`
}
