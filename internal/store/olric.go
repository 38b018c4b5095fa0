package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/logutils"
	"github.com/olric-data/olric"
	"github.com/olric-data/olric/config"
	"go.uber.org/zap"
)

const (
	olricBranchPrefix = "branch/"
	olricFilePrefix   = "file/"
)

// OlricStore keeps lock branches and files in a distributed map of an
// embedded Olric node. A branch is a key holding the ref it was created
// from; a file is a key under its branch.
type OlricStore struct {
	config *OlricConfig
	logger *zap.Logger
	db     *olric.Olric
	client *olric.EmbeddedClient
	dmap   olric.DMap
}

// ClusterStats describes the Olric cluster the store belongs to.
type ClusterStats struct {
	Members           int
	Coordinator       bool
	PartitionCount    int
	BackupCount       int
	ReplicationFactor int
}

// NewOlricStore starts an embedded Olric node, joins its peers if any, and
// waits until the member quorum is reached.
func NewOlricStore(ctx context.Context, cfg *OlricConfig, logger *zap.Logger) (*OlricStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid olric configuration: %w", err)
	}

	s := &OlricStore{
		config: cfg,
		logger: logger,
	}

	logger.Info("Starting Olric embedded server",
		zap.String("bind_addr", net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.BindPort))),
		zap.Bool("single_node", cfg.IsSingleNode()),
		zap.Strings("join_addrs", cfg.JoinAddrs),
		zap.Int("replication_factor", cfg.ReplicationFactor),
	)

	started := make(chan struct{})
	olricCfg := s.olricConfig()
	olricCfg.Started = func() { close(started) }

	db, err := olric.New(olricCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create olric instance: %w", err)
	}
	s.db = db

	startErr := make(chan error, 1)
	go func() {
		// Start blocks until the node is shut down.
		if err := db.Start(); err != nil {
			startErr <- err
		}
	}()

	select {
	case <-started:
	case err := <-startErr:
		return nil, fmt.Errorf("failed to start olric: %w", err)
	case <-ctx.Done():
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("olric did not start: %w", ctx.Err())
	}

	s.client = db.NewEmbeddedClient()

	if err := s.waitForCluster(ctx); err != nil {
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("cluster not ready: %w", err)
	}

	dmap, err := s.client.NewDMap(cfg.DMapName)
	if err != nil {
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create dmap: %w", err)
	}
	s.dmap = dmap

	logger.Info("Olric store initialized", zap.String("dmap", cfg.DMapName))
	return s, nil
}

// olricConfig translates OlricConfig into Olric's own configuration, routing
// Olric's standard logger through a level filter.
func (s *OlricStore) olricConfig() *config.Config {
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(s.config.LogLevel),
		Writer:   io.Discard,
	}
	if s.config.LogLevel == "DEBUG" || s.config.LogLevel == "INFO" {
		filter.Writer = os.Stdout
	}

	c := config.New("lan")
	c.BindAddr = s.config.BindAddr
	c.BindPort = s.config.BindPort
	c.KeepAlivePeriod = s.config.KeepAlivePeriod
	c.PartitionCount = s.config.PartitionCount
	c.ReplicaCount = s.config.ReplicationFactor
	c.ReadQuorum = 1
	c.WriteQuorum = 1
	c.MemberCountQuorum = int32(s.config.MemberCountQuorum)
	c.LogLevel = s.config.LogLevel
	c.Logger = log.New(filter, "", log.LstdFlags)
	c.JoinRetryInterval = s.config.JoinRetryInterval
	c.MaxJoinAttempts = s.config.MaxJoinAttempts

	if s.config.MemberlistBindPort != 0 {
		c.MemberlistConfig.BindPort = s.config.MemberlistBindPort
	}
	if s.config.AdvertiseAddr != "" {
		c.MemberlistConfig.AdvertiseAddr = s.config.AdvertiseAddr
	}
	if s.config.AdvertisePort != 0 {
		c.MemberlistConfig.AdvertisePort = s.config.AdvertisePort
	}

	if s.config.ReplicationMode == "sync" {
		c.ReplicationMode = config.SyncReplicationMode
	} else {
		c.ReplicationMode = config.AsyncReplicationMode
	}

	if len(s.config.JoinAddrs) > 0 {
		c.Peers = s.config.JoinAddrs
	}

	return c
}

// waitForCluster polls the member list until the configured quorum is met.
func (s *OlricStore) waitForCluster(ctx context.Context) error {
	if s.config.IsSingleNode() {
		s.logger.Info("Running in single-node mode, cluster ready")
		return nil
	}

	ticker := time.NewTicker(s.config.JoinRetryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		members, err := s.client.Members(ctx)
		if err != nil {
			s.logger.Warn("Failed to get members", zap.Error(err))
		}

		s.logger.Debug("Waiting for cluster members",
			zap.Int("current_members", len(members)),
			zap.Int("required_members", s.config.MemberCountQuorum),
			zap.Int("attempt", attempt),
		)

		if len(members) >= s.config.MemberCountQuorum {
			s.logger.Info("Cluster member quorum reached", zap.Int("member_count", len(members)))
			return nil
		}

		if attempt >= s.config.MaxJoinAttempts {
			return fmt.Errorf("max join attempts (%d) reached, only %d/%d members present",
				s.config.MaxJoinAttempts, len(members), s.config.MemberCountQuorum)
		}
	}
}

func isOlricKeyNotFound(err error) bool {
	return errors.Is(err, olric.ErrKeyNotFound) || (err != nil && err.Error() == olric.ErrKeyNotFound.Error())
}

func isOlricKeyFound(err error) bool {
	return errors.Is(err, olric.ErrKeyFound) || (err != nil && err.Error() == olric.ErrKeyFound.Error())
}

func (s *OlricStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.RequestTimeout)
}

// BranchExists reports whether a lock branch key is present.
func (s *OlricStore) BranchExists(ctx context.Context, branch string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.dmap.Get(ctx, olricBranchPrefix+branch); err != nil {
		if isOlricKeyNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureBranch creates the branch key only if it is absent, so concurrent
// creators cannot overwrite each other.
func (s *OlricStore) EnsureBranch(ctx context.Context, branch, baseRef string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.dmap.Put(ctx, olricBranchPrefix+branch, baseRef, olric.NX())
	if err != nil {
		if isOlricKeyFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	return true, nil
}

// ReadFile returns the file stored under branch.
func (s *OlricStore) ReadFile(ctx context.Context, branch, path string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.dmap.Get(ctx, olricFileKey(branch, path))
	if err != nil {
		if isOlricKeyNotFound(err) {
			return nil, notFound(fmt.Sprintf("file %s on branch %s", path, branch), err)
		}
		return nil, err
	}

	data, err := resp.Byte()
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s on branch %s: %w", path, branch, err)
	}
	return data, nil
}

// WriteFile stores content under branch. The branch must exist.
func (s *OlricStore) WriteFile(ctx context.Context, branch, path string, content []byte, message string) error {
	exists, err := s.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if !exists {
		return notFound("branch "+branch, nil)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.dmap.Put(ctx, olricFileKey(branch, path), content); err != nil {
		return fmt.Errorf("failed to write file %s on branch %s: %w", path, branch, err)
	}

	s.logger.Debug("Wrote file to olric",
		zap.String("branch", branch),
		zap.String("path", path),
		zap.String("message", message),
	)
	return nil
}

// DefaultRef returns the configured base ref.
func (s *OlricStore) DefaultRef(context.Context) (string, error) {
	return s.config.BaseRef, nil
}

// Ping dials the Olric listener.
func (s *OlricStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("olric db is nil")
	}

	addr := net.JoinHostPort(s.config.BindAddr, strconv.Itoa(s.config.BindPort))
	dialer := net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to olric: %w", err)
	}
	return conn.Close()
}

// Stats returns cluster membership information.
func (s *OlricStore) Stats(ctx context.Context) (*ClusterStats, error) {
	members, err := s.client.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}

	stats := &ClusterStats{
		Members:           len(members),
		PartitionCount:    int(s.config.PartitionCount),
		BackupCount:       s.config.BackupCount,
		ReplicationFactor: s.config.ReplicationFactor,
	}
	for _, m := range members {
		if m.Coordinator {
			stats.Coordinator = true
			break
		}
	}
	return stats, nil
}

// Close leaves the cluster and stops the embedded node.
func (s *OlricStore) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	s.logger.Info("Shutting down Olric store")
	if err := s.db.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down Olric", zap.Error(err))
		return err
	}
	return nil
}

func olricFileKey(branch, path string) string {
	return olricFilePrefix + branch + "/" + path
}
