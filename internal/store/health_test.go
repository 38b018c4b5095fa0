package store

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/health"
)

// pingStore is a Store whose only meaningful method is Ping.
type pingStore struct {
	Store
	err error
}

func (p *pingStore) Ping(context.Context) error { return p.err }

type fakeCluster struct {
	stats *ClusterStats
	err   error
}

func (f *fakeCluster) Stats(context.Context) (*ClusterStats, error) { return f.stats, f.err }

func TestConnectionHealthChecker(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status health.Status
	}{
		{name: "reachable", status: health.StatusOK},
		{name: "unreachable", err: errors.New("connection refused"), status: health.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewConnectionHealthChecker(zap.NewNop(), &pingStore{err: tt.err}, "github")
			if checker.Name() != "store-github" {
				t.Errorf("Name() = %s, want store-github", checker.Name())
			}

			result := checker.Check(context.Background())
			if result.Status != tt.status {
				t.Errorf("Check() status = %s, want %s, message: %s", result.Status, tt.status, result.Message)
			}
		})
	}
}

func TestClusterHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		cluster    *fakeCluster
		singleNode bool
		status     health.Status
	}{
		{
			name:       "single node always passes",
			cluster:    &fakeCluster{err: errors.New("unused")},
			singleNode: true,
			status:     health.StatusOK,
		},
		{
			name:    "quorum reached",
			cluster: &fakeCluster{stats: &ClusterStats{Members: 3}},
			status:  health.StatusOK,
		},
		{
			name:    "below quorum",
			cluster: &fakeCluster{stats: &ClusterStats{Members: 1}},
			status:  health.StatusNotReady,
		},
		{
			name:    "stats failure",
			cluster: &fakeCluster{err: errors.New("members unavailable")},
			status:  health.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewClusterHealthChecker(zap.NewNop(), tt.cluster, 2, tt.singleNode)
			if checker.Name() != "olric-cluster" {
				t.Errorf("Name() = %s, want olric-cluster", checker.Name())
			}

			result := checker.Check(context.Background())
			if result.Status != tt.status {
				t.Errorf("Check() status = %s, want %s, message: %s", result.Status, tt.status, result.Message)
			}
		})
	}
}
