package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics holds Prometheus metrics for lock store operations.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	ClusterMembers     prometheus.Gauge
	ClusterPartitions  prometheus.Gauge
	ClusterCoordinator prometheus.Gauge
}

// NewMetrics creates and registers store metrics.
func NewMetrics(namespace string, registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Total number of lock store operations",
			},
			[]string{"backend", "operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Lock store operation duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"backend", "operation"},
		),
		ClusterMembers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "olric_cluster_members",
				Help:      "Number of cluster members",
			},
		),
		ClusterPartitions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "olric_cluster_partitions",
				Help:      "Number of partitions in the cluster",
			},
		),
		ClusterCoordinator: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "olric_cluster_coordinator",
				Help:      "1 if this node is coordinator, 0 otherwise",
			},
		),
	}

	registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.ClusterMembers,
		m.ClusterPartitions,
		m.ClusterCoordinator,
	)
	return m
}

// RecordOperation records one store call.
func (m *Metrics) RecordOperation(backend, operation string, err error, duration time.Duration) {
	status := "ok"
	switch {
	case IsNotFound(err):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(backend, operation, status).Inc()
	m.OperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// Instrumented wraps a Store and records metrics for every call.
type Instrumented struct {
	next    Store
	backend string
	metrics *Metrics
}

// NewInstrumented returns a Store recording metrics under the backend label.
func NewInstrumented(next Store, backend string, metrics *Metrics) *Instrumented {
	return &Instrumented{next: next, backend: backend, metrics: metrics}
}

func (s *Instrumented) observe(operation string, start time.Time, err error) {
	s.metrics.RecordOperation(s.backend, operation, err, time.Since(start))
}

func (s *Instrumented) BranchExists(ctx context.Context, branch string) (bool, error) {
	start := time.Now()
	exists, err := s.next.BranchExists(ctx, branch)
	s.observe("branch_exists", start, err)
	return exists, err
}

func (s *Instrumented) EnsureBranch(ctx context.Context, branch, baseRef string) (bool, error) {
	start := time.Now()
	created, err := s.next.EnsureBranch(ctx, branch, baseRef)
	s.observe("ensure_branch", start, err)
	return created, err
}

func (s *Instrumented) ReadFile(ctx context.Context, branch, path string) ([]byte, error) {
	start := time.Now()
	data, err := s.next.ReadFile(ctx, branch, path)
	s.observe("read_file", start, err)
	return data, err
}

func (s *Instrumented) WriteFile(ctx context.Context, branch, path string, content []byte, message string) error {
	start := time.Now()
	err := s.next.WriteFile(ctx, branch, path, content, message)
	s.observe("write_file", start, err)
	return err
}

func (s *Instrumented) DefaultRef(ctx context.Context) (string, error) {
	start := time.Now()
	ref, err := s.next.DefaultRef(ctx)
	s.observe("default_ref", start, err)
	return ref, err
}

func (s *Instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.next.Ping(ctx)
	s.observe("ping", start, err)
	return err
}

func (s *Instrumented) Close(ctx context.Context) error {
	return s.next.Close(ctx)
}

// Unwrap returns the wrapped store.
func (s *Instrumented) Unwrap() Store {
	return s.next
}

// ClusterCollector periodically copies cluster stats into gauges.
type ClusterCollector struct {
	logger   *zap.Logger
	cluster  ClusterStatter
	metrics  *Metrics
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewClusterCollector creates a collector. Call Start to begin polling.
func NewClusterCollector(logger *zap.Logger, cluster ClusterStatter, metrics *Metrics, interval time.Duration) *ClusterCollector {
	return &ClusterCollector{
		logger:   logger,
		cluster:  cluster,
		metrics:  metrics,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins collecting metrics in the background.
func (c *ClusterCollector) Start() {
	go c.run()
}

// Stop stops the collector and waits for it to exit.
func (c *ClusterCollector) Stop() {
	close(c.stopChan)
	<-c.doneChan
}

func (c *ClusterCollector) run() {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			c.logger.Info("Stopping cluster metrics collector")
			return
		}
	}
}

func (c *ClusterCollector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.cluster.Stats(ctx)
	if err != nil {
		c.logger.Error("Failed to collect cluster stats", zap.Error(err))
		return
	}

	c.metrics.ClusterMembers.Set(float64(stats.Members))
	c.metrics.ClusterPartitions.Set(float64(stats.PartitionCount))
	if stats.Coordinator {
		c.metrics.ClusterCoordinator.Set(1)
	} else {
		c.metrics.ClusterCoordinator.Set(0)
	}

	c.logger.Debug("Collected cluster metrics", zap.Int("cluster_members", stats.Members))
}
