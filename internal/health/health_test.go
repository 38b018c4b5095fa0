package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestConfigChecker(t *testing.T) {
	tests := []struct {
		name     string
		validate func() error
		want     Status
	}{
		{"no validation", nil, StatusOK},
		{"valid", func() error { return nil }, StatusOK},
		{"invalid", func() error { return errors.New("invalid backend type: s3") }, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewConfigChecker(zap.NewNop(), tt.validate)

			if checker.Name() != "config" {
				t.Errorf("Name() = %s, want config", checker.Name())
			}

			result := checker.Check(context.Background())
			if result.Status != tt.want {
				t.Errorf("Check() status = %s, want %s (%s)", result.Status, tt.want, result.Message)
			}
		})
	}
}

func TestLoggerChecker(t *testing.T) {
	checker := NewLoggerChecker(zap.NewNop())

	if checker.Name() != "logger" {
		t.Errorf("Name() = %s, want logger", checker.Name())
	}

	if result := checker.Check(context.Background()); result.Status != StatusOK {
		t.Errorf("Check() status = %s, want %s", result.Status, StatusOK)
	}

	if result := NewLoggerChecker(nil).Check(context.Background()); result.Status != StatusError {
		t.Errorf("Check() status with nil logger = %s, want %s", result.Status, StatusError)
	}
}

func TestServerChecker(t *testing.T) {
	checker := NewServerChecker()

	if checker.Name() != "servers" {
		t.Errorf("Name() = %s, want servers", checker.Name())
	}

	if result := checker.Check(context.Background()); result.Status != StatusStarting {
		t.Errorf("Check() status = %s, want %s", result.Status, StatusStarting)
	}

	checker.SetRunning(true)
	if result := checker.Check(context.Background()); result.Status != StatusOK {
		t.Errorf("Check() status = %s, want %s", result.Status, StatusOK)
	}
}

func TestReadinessChecker(t *testing.T) {
	tests := []struct {
		name         string
		running      bool
		shuttingDown bool
		want         Status
	}{
		{"starting", false, false, StatusNotReady},
		{"running", true, false, StatusOK},
		{"shutting down", true, true, StatusNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewReadinessChecker()
			checker.SetRunning(tt.running)
			checker.SetShuttingDown(tt.shuttingDown)

			if result := checker.Check(context.Background()); result.Status != tt.want {
				t.Errorf("Check() status = %s, want %s", result.Status, tt.want)
			}
		})
	}
}

func TestManager(t *testing.T) {
	manager := NewManager(zap.NewNop(), 10*time.Second, 5*time.Second)

	manager.RegisterChecker(NewConfigChecker(zap.NewNop(), nil))
	manager.RegisterChecker(NewLoggerChecker(zap.NewNop()))
	manager.RegisterChecker(NewServerChecker())

	results := manager.CheckAll(context.Background())
	if len(results) != 3 {
		t.Fatalf("CheckAll() returned %d results, want 3", len(results))
	}

	names := make(map[string]bool)
	for _, result := range results {
		names[result.Name] = true
	}
	for _, name := range []string{"config", "logger", "servers"} {
		if !names[name] {
			t.Errorf("CheckAll() did not return check %s", name)
		}
	}
}

func TestManagerCaching(t *testing.T) {
	manager := NewManager(zap.NewNop(), 100*time.Millisecond, 5*time.Second)

	checker := &countingChecker{name: "store-github", status: StatusOK}
	manager.RegisterChecker(checker)

	manager.CheckAll(context.Background())
	manager.CheckAll(context.Background())
	if got := checker.calls.Load(); got != 1 {
		t.Errorf("checker ran %d times within cache window, want 1", got)
	}

	time.Sleep(150 * time.Millisecond)

	manager.CheckAll(context.Background())
	if got := checker.calls.Load(); got != 2 {
		t.Errorf("checker ran %d times after expiry, want 2", got)
	}
}

func TestManagerSetServersRunning(t *testing.T) {
	manager := NewManager(zap.NewNop(), 10*time.Second, 5*time.Second)

	serverChecker := NewServerChecker()
	readinessChecker := NewReadinessChecker()
	manager.RegisterChecker(serverChecker)
	manager.RegisterChecker(readinessChecker)

	// Prime the cache with the not-running state.
	manager.GetReadinessStatus(context.Background())

	manager.SetServersRunning(true)

	if result := serverChecker.Check(context.Background()); result.Status != StatusOK {
		t.Errorf("Server checker status = %s, want %s", result.Status, StatusOK)
	}
	if response := manager.GetReadinessStatus(context.Background()); !response.Ready {
		t.Errorf("Readiness after SetServersRunning = %s, want ready", response.Status)
	}
}

func TestManagerSetShuttingDown(t *testing.T) {
	manager := NewManager(zap.NewNop(), 10*time.Second, 5*time.Second)
	manager.RegisterChecker(NewReadinessChecker())

	manager.SetServersRunning(true)
	if response := manager.GetReadinessStatus(context.Background()); response.Status != StatusOK {
		t.Errorf("Initial status = %s, want %s", response.Status, StatusOK)
	}

	manager.SetShuttingDown(true)
	if response := manager.GetReadinessStatus(context.Background()); response.Status != StatusNotReady {
		t.Errorf("Status after shutdown = %s, want %s", response.Status, StatusNotReady)
	}
}

func TestManagerGetStartupStatus(t *testing.T) {
	tests := []struct {
		name     string
		running  bool
		extra    Checker
		want     Status
		numCheck int
	}{
		{
			name:     "servers starting",
			want:     StatusStarting,
			numCheck: 3,
		},
		{
			name:     "all ok",
			running:  true,
			want:     StatusOK,
			numCheck: 3,
		},
		{
			name:     "error wins over starting",
			extra:    &countingChecker{name: "store-git", status: StatusError},
			want:     StatusError,
			numCheck: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(zap.NewNop(), 10*time.Second, 5*time.Second)
			manager.RegisterChecker(NewConfigChecker(zap.NewNop(), nil))
			manager.RegisterChecker(NewLoggerChecker(zap.NewNop()))
			manager.RegisterChecker(NewServerChecker())
			if tt.extra != nil {
				manager.RegisterChecker(tt.extra)
			}
			manager.SetServersRunning(tt.running)

			response := manager.GetStartupStatus(context.Background())
			if response.Status != tt.want {
				t.Errorf("Startup status = %s, want %s", response.Status, tt.want)
			}
			if len(response.Checks) != tt.numCheck {
				t.Errorf("Checks count = %d, want %d", len(response.Checks), tt.numCheck)
			}
		})
	}
}

func TestManagerGetLivenessStatus(t *testing.T) {
	manager := NewManager(zap.NewNop(), 10*time.Second, 5*time.Second)

	if response := manager.GetLivenessStatus(); response.Status != StatusOK {
		t.Errorf("Liveness status = %s, want %s", response.Status, StatusOK)
	}
}

func TestManagerGetReadinessStatus(t *testing.T) {
	tests := []struct {
		name      string
		running   bool
		storeUp   bool
		wantReady bool
		want      Status
	}{
		{"not running", false, true, false, StatusNotReady},
		{"store down", true, false, false, StatusNotReady},
		{"ready", true, true, true, StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(zap.NewNop(), 10*time.Second, 5*time.Second)
			manager.RegisterChecker(NewReadinessChecker())

			status := StatusError
			if tt.storeUp {
				status = StatusOK
			}
			manager.RegisterDependency(&countingChecker{name: "store-olric", status: status})
			manager.SetServersRunning(tt.running)

			response := manager.GetReadinessStatus(context.Background())
			if response.Status != tt.want {
				t.Errorf("Readiness status = %s, want %s", response.Status, tt.want)
			}
			if response.Ready != tt.wantReady {
				t.Errorf("Ready = %v, want %v", response.Ready, tt.wantReady)
			}
			if response.Checks["store-olric"] != status {
				t.Errorf("store-olric check = %s, want %s", response.Checks["store-olric"], status)
			}
		})
	}
}

func TestManagerGetReadinessStatusWithoutChecker(t *testing.T) {
	manager := NewManager(zap.NewNop(), 10*time.Second, 5*time.Second)

	response := manager.GetReadinessStatus(context.Background())
	if !response.Ready {
		t.Errorf("Readiness with no checkers = %s, want ready", response.Status)
	}
}

func TestManagerCheckTimeout(t *testing.T) {
	manager := NewManager(zap.NewNop(), 10*time.Second, 5*time.Millisecond)
	manager.RegisterChecker(&slowChecker{})

	start := time.Now()
	results := manager.CheckAll(context.Background())
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if results[0].Status != StatusError {
		t.Errorf("slow check status = %s, want %s", results[0].Status, StatusError)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("CheckAll took %s, the check deadline was not applied", elapsed)
	}
}

// countingChecker returns a fixed status and counts how often it ran.
type countingChecker struct {
	name   string
	status Status
	calls  atomic.Int32
}

func (c *countingChecker) Name() string {
	return c.name
}

func (c *countingChecker) Check(context.Context) CheckResult {
	c.calls.Add(1)
	return CheckResult{
		Name:      c.name,
		Status:    c.status,
		Timestamp: time.Now(),
	}
}

// slowChecker waits for its context like a store ping against a dead host.
type slowChecker struct{}

func (s *slowChecker) Name() string {
	return "slow"
}

func (s *slowChecker) Check(ctx context.Context) CheckResult {
	select {
	case <-ctx.Done():
		return CheckResult{
			Name:      s.Name(),
			Status:    StatusError,
			Message:   ctx.Err().Error(),
			Timestamp: time.Now(),
		}
	case <-time.After(10 * time.Second):
		return CheckResult{
			Name:      s.Name(),
			Status:    StatusOK,
			Timestamp: time.Now(),
		}
	}
}
