package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestOlricStore starts a single embedded node on the given ports.
func newTestOlricStore(t *testing.T, port, memberlistPort int) *OlricStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := NewDefaultOlricConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.BindPort = port
	cfg.MemberlistBindPort = memberlistPort
	cfg.LogLevel = "ERROR"
	cfg.PartitionCount = 23

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := NewOlricStore(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return s
}

func TestOlricStore_SingleNode(t *testing.T) {
	s := newTestOlricStore(t, 13320, 13420)
	ctx := context.Background()

	exists, err := s.BranchExists(ctx, "production-branch-deploy-lock")
	require.NoError(t, err)
	assert.False(t, exists)

	created, err := s.EnsureBranch(ctx, "production-branch-deploy-lock", "main")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnsureBranch(ctx, "production-branch-deploy-lock", "main")
	require.NoError(t, err)
	assert.False(t, created, "second EnsureBranch must not recreate the branch")

	exists, err = s.BranchExists(ctx, "production-branch-deploy-lock")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.ReadFile(ctx, "production-branch-deploy-lock", "lock.json")
	assert.True(t, IsNotFound(err), "expected not found, got %v", err)

	content := []byte(`{"created_by":"octocat"}`)
	require.NoError(t, s.WriteFile(ctx, "production-branch-deploy-lock", "lock.json", content, "lock [skip ci]"))

	got, err := s.ReadFile(ctx, "production-branch-deploy-lock", "lock.json")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	ref, err := s.DefaultRef(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseRef, ref)

	assert.NoError(t, s.Ping(ctx))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Members)
	assert.True(t, stats.Coordinator)
}

func TestOlricStore_WriteFileRequiresBranch(t *testing.T) {
	s := newTestOlricStore(t, 13321, 13421)

	err := s.WriteFile(context.Background(), "staging-branch-deploy-lock", "lock.json", []byte("{}"), "lock [skip ci]")
	assert.True(t, IsNotFound(err), "expected not found, got %v", err)
}
