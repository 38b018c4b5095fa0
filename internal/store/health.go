package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/health"
)

// ConnectionHealthChecker reports whether the lock backend answers a ping.
type ConnectionHealthChecker struct {
	logger  *zap.Logger
	store   Store
	backend string
}

// NewConnectionHealthChecker creates a checker named after the backend, such
// as "store-github".
func NewConnectionHealthChecker(logger *zap.Logger, store Store, backend string) *ConnectionHealthChecker {
	return &ConnectionHealthChecker{
		logger:  logger,
		store:   store,
		backend: backend,
	}
}

// Name returns the name of the health check.
func (c *ConnectionHealthChecker) Name() string {
	return "store-" + c.backend
}

// Check pings the backend with a short deadline.
func (c *ConnectionHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.store.Ping(checkCtx)

	result := health.CheckResult{
		Name:      c.Name(),
		Status:    health.StatusOK,
		Message:   fmt.Sprintf("%s backend reachable", c.backend),
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = health.StatusError
		result.Message = fmt.Sprintf("%s backend unreachable: %v", c.backend, err)
		c.logger.Warn("Lock store ping failed",
			zap.String("backend", c.backend),
			zap.Error(err),
		)
	}
	return result
}

// ClusterStatter is implemented by stores that run as part of a cluster.
type ClusterStatter interface {
	Stats(ctx context.Context) (*ClusterStats, error)
}

// ClusterHealthChecker reports not-ready while the cluster is below quorum.
type ClusterHealthChecker struct {
	logger     *zap.Logger
	cluster    ClusterStatter
	quorum     int
	singleNode bool
}

// NewClusterHealthChecker creates a cluster checker. A single node always
// passes.
func NewClusterHealthChecker(logger *zap.Logger, cluster ClusterStatter, quorum int, singleNode bool) *ClusterHealthChecker {
	return &ClusterHealthChecker{
		logger:     logger,
		cluster:    cluster,
		quorum:     quorum,
		singleNode: singleNode,
	}
}

// Name returns the name of the health check.
func (c *ClusterHealthChecker) Name() string {
	return "olric-cluster"
}

// Check compares the current member count with the quorum.
func (c *ClusterHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	result := health.CheckResult{
		Name:      c.Name(),
		Status:    health.StatusOK,
		Timestamp: start,
	}

	if c.singleNode {
		result.Message = "Running in single-node mode"
		result.Duration = time.Since(start)
		return result
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stats, err := c.cluster.Stats(checkCtx)
	result.Duration = time.Since(start)
	switch {
	case err != nil:
		result.Status = health.StatusError
		result.Message = fmt.Sprintf("Failed to get cluster stats: %v", err)
		c.logger.Warn("Cluster health check failed", zap.Error(err))
	case stats.Members < c.quorum:
		result.Status = health.StatusNotReady
		result.Message = fmt.Sprintf("Cluster has %d members, quorum requires %d", stats.Members, c.quorum)
		c.logger.Warn("Cluster member count below quorum",
			zap.Int("current", stats.Members),
			zap.Int("quorum", c.quorum),
		)
	default:
		result.Message = fmt.Sprintf("Cluster healthy with %d members (quorum: %d)", stats.Members, c.quorum)
	}
	return result
}
