package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checks concurrently, caches their results and
// aggregates them for the probe endpoints.
type Manager struct {
	logger        *zap.Logger
	cacheDuration time.Duration
	checkTimeout  time.Duration

	mu               sync.RWMutex
	checkers         map[string]Checker
	dependencies     []string
	serverChecker    *ServerChecker
	readinessChecker *ReadinessChecker

	cacheMutex sync.RWMutex
	cache      map[string]cachedResult
}

type cachedResult struct {
	result    CheckResult
	expiresAt time.Time
}

// NewManager creates a new health check manager.
func NewManager(logger *zap.Logger, cacheDuration, checkTimeout time.Duration) *Manager {
	return &Manager{
		logger:        logger,
		checkers:      make(map[string]Checker),
		cache:         make(map[string]cachedResult),
		cacheDuration: cacheDuration,
		checkTimeout:  checkTimeout,
	}
}

// RegisterChecker adds a check to the startup report.
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkers[checker.Name()] = checker

	switch c := checker.(type) {
	case *ServerChecker:
		m.serverChecker = c
	case *ReadinessChecker:
		m.readinessChecker = c
	}
}

// RegisterDependency adds a check that readiness is also gated on. The lock
// store is registered this way: without it no lock request can be decided.
func (m *Manager) RegisterDependency(checker Checker) {
	m.RegisterChecker(checker)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dependencies = append(m.dependencies, checker.Name())
}

// SetServersRunning marks the servers as running.
func (m *Manager) SetServersRunning(running bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.serverChecker != nil {
		m.serverChecker.SetRunning(running)
	}
	if m.readinessChecker != nil {
		m.readinessChecker.SetRunning(running)
	}
	m.invalidate(m.serverCheckerName(), "readiness")
}

// SetShuttingDown marks the service as shutting down.
func (m *Manager) SetShuttingDown(shuttingDown bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.readinessChecker != nil {
		m.readinessChecker.SetShuttingDown(shuttingDown)
	}
	m.invalidate("readiness")
}

func (m *Manager) serverCheckerName() string {
	if m.serverChecker == nil {
		return ""
	}
	return m.serverChecker.Name()
}

// invalidate drops cached results so state changes show up on the next probe.
func (m *Manager) invalidate(names ...string) {
	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	for _, name := range names {
		delete(m.cache, name)
	}
}

// CheckAll runs all registered health checks concurrently.
func (m *Manager) CheckAll(ctx context.Context) []CheckResult {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	return m.runAll(ctx, checkers)
}

func (m *Manager) runAll(ctx context.Context, checkers []Checker) []CheckResult {
	results := make([]CheckResult, len(checkers))

	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.runCheck(ctx, c)
		}(i, checker)
	}
	wg.Wait()

	return results
}

// runCheck runs a single health check with timeout and caching.
func (m *Manager) runCheck(ctx context.Context, checker Checker) CheckResult {
	name := checker.Name()

	if cached, ok := m.cachedResult(name); ok {
		return cached
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	result := checker.Check(checkCtx)
	if result.Status != StatusOK {
		m.logger.Debug("Health check not ok",
			zap.String("check", name),
			zap.String("status", string(result.Status)),
			zap.String("message", result.Message),
		)
	}

	m.cacheResult(name, result)
	return result
}

func (m *Manager) cachedResult(name string) (CheckResult, bool) {
	m.cacheMutex.RLock()
	defer m.cacheMutex.RUnlock()

	cached, ok := m.cache[name]
	if !ok || !time.Now().Before(cached.expiresAt) {
		return CheckResult{}, false
	}
	return cached.result, true
}

func (m *Manager) cacheResult(name string, result CheckResult) {
	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	m.cache[name] = cachedResult{
		result:    result,
		expiresAt: time.Now().Add(m.cacheDuration),
	}
}

// GetStartupStatus aggregates every registered check. Any error wins over
// starting, which wins over ok.
func (m *Manager) GetStartupStatus(ctx context.Context) StartupResponse {
	results := m.CheckAll(ctx)

	response := StartupResponse{
		Status:    StatusOK,
		Timestamp: time.Now(),
		Checks:    make(map[string]Status, len(results)),
	}

	for _, result := range results {
		response.Checks[result.Name] = result.Status
		switch result.Status {
		case StatusOK:
		case StatusStarting:
			if response.Status == StatusOK {
				response.Status = StatusStarting
			}
		default:
			response.Status = StatusError
		}
	}

	return response
}

// GetLivenessStatus only confirms the process is serving requests.
func (m *Manager) GetLivenessStatus() LivenessResponse {
	return LivenessResponse{
		Status:    StatusOK,
		Timestamp: time.Now(),
	}
}

// GetReadinessStatus combines the readiness checker with the registered
// dependencies.
func (m *Manager) GetReadinessStatus(ctx context.Context) ReadinessResponse {
	m.mu.RLock()
	readiness := m.readinessChecker
	deps := make([]Checker, 0, len(m.dependencies))
	for _, name := range m.dependencies {
		deps = append(deps, m.checkers[name])
	}
	m.mu.RUnlock()

	response := ReadinessResponse{
		Status:    StatusOK,
		Timestamp: time.Now(),
	}

	if readiness != nil {
		result := m.runCheck(ctx, readiness)
		response.Status = result.Status
		response.Timestamp = result.Timestamp
	}

	if len(deps) > 0 {
		response.Checks = make(map[string]Status, len(deps))
		for _, result := range m.runAll(ctx, deps) {
			response.Checks[result.Name] = result.Status
			if result.Status != StatusOK && response.Status == StatusOK {
				response.Status = StatusNotReady
			}
		}
	}

	response.Ready = response.Status == StatusOK
	return response
}
