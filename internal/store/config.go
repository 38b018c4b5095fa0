package store

import (
	"fmt"
	"net"
	"time"
)

// Olric defaults, also used as the CLI flag defaults.
const (
	DefaultBindAddr          = "0.0.0.0"
	DefaultBindPort          = 3320
	DefaultReplicationMode   = "async"
	DefaultReplicationFactor = 1
	DefaultPartitionCount    = 271
	DefaultBackupCount       = 1
	DefaultMemberCountQuorum = 1
	DefaultJoinRetryInterval = 1 * time.Second
	DefaultMaxJoinAttempts   = 30
	DefaultLogLevel          = "WARN"
	DefaultKeepAlivePeriod   = 30 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultDMapName          = "branch-deploy-locks"
	DefaultBaseRef           = "main"
)

// OlricConfig configures the embedded Olric node backing the olric store.
type OlricConfig struct {
	// BindAddr and BindPort are where the Olric server listens.
	BindAddr string
	BindPort int

	// AdvertiseAddr and AdvertisePort are announced to other members when
	// the node sits behind NAT. Empty/zero fall back to the bind values.
	AdvertiseAddr string
	AdvertisePort int

	// MemberlistBindPort is the gossip port; zero keeps Olric's default.
	MemberlistBindPort int

	// JoinAddrs lists peers to join. An empty list runs a single node.
	JoinAddrs []string

	// ReplicationMode is "sync" or "async".
	ReplicationMode string

	// ReplicationFactor is the number of copies of each partition.
	ReplicationFactor int

	// PartitionCount should be a prime number.
	PartitionCount uint64

	// BackupCount is reported in cluster metrics.
	BackupCount int

	// MemberCountQuorum is how many members must be present before the
	// store is considered ready.
	MemberCountQuorum int

	JoinRetryInterval time.Duration
	MaxJoinAttempts   int

	// LogLevel is one of DEBUG, INFO, WARN or ERROR.
	LogLevel string

	KeepAlivePeriod time.Duration
	RequestTimeout  time.Duration

	// DMapName is the distributed map holding lock branches and files.
	DMapName string

	// BaseRef is reported as the default ref; Olric has no repository to
	// ask.
	BaseRef string
}

// NewDefaultOlricConfig returns a single-node configuration.
func NewDefaultOlricConfig() *OlricConfig {
	return &OlricConfig{
		BindAddr:          DefaultBindAddr,
		BindPort:          DefaultBindPort,
		JoinAddrs:         []string{},
		ReplicationMode:   DefaultReplicationMode,
		ReplicationFactor: DefaultReplicationFactor,
		PartitionCount:    DefaultPartitionCount,
		BackupCount:       DefaultBackupCount,
		MemberCountQuorum: DefaultMemberCountQuorum,
		JoinRetryInterval: DefaultJoinRetryInterval,
		MaxJoinAttempts:   DefaultMaxJoinAttempts,
		LogLevel:          DefaultLogLevel,
		KeepAlivePeriod:   DefaultKeepAlivePeriod,
		RequestTimeout:    DefaultRequestTimeout,
		DMapName:          DefaultDMapName,
		BaseRef:           DefaultBaseRef,
	}
}

// Validate checks the configuration before a node is started.
func (c *OlricConfig) Validate() error {
	if !validListenAddr(c.BindAddr) {
		return fmt.Errorf("bind address must be a valid IPv4 or IPv6 address, got: %q", c.BindAddr)
	}
	if !validPort(c.BindPort) {
		return fmt.Errorf("bind port must be between 1 and 65535, got: %d", c.BindPort)
	}
	if c.AdvertiseAddr != "" && !validListenAddr(c.AdvertiseAddr) {
		return fmt.Errorf("advertise address must be a valid IPv4 or IPv6 address, got: %s", c.AdvertiseAddr)
	}
	if c.AdvertisePort != 0 && !validPort(c.AdvertisePort) {
		return fmt.Errorf("advertise port must be between 1 and 65535, got: %d", c.AdvertisePort)
	}
	if c.MemberlistBindPort != 0 && !validPort(c.MemberlistBindPort) {
		return fmt.Errorf("memberlist bind port must be between 1 and 65535, got: %d", c.MemberlistBindPort)
	}

	switch {
	case c.ReplicationMode != "sync" && c.ReplicationMode != "async":
		return fmt.Errorf("replication mode must be sync or async, got: %s", c.ReplicationMode)
	case c.ReplicationFactor < 1:
		return fmt.Errorf("replication factor must be at least 1, got: %d", c.ReplicationFactor)
	case c.PartitionCount < 1:
		return fmt.Errorf("partition count must be at least 1, got: %d", c.PartitionCount)
	case c.BackupCount < 0:
		return fmt.Errorf("backup count must be zero or greater, got: %d", c.BackupCount)
	case c.MemberCountQuorum < 1:
		return fmt.Errorf("member count quorum must be at least 1, got: %d", c.MemberCountQuorum)
	case c.JoinRetryInterval <= 0:
		return fmt.Errorf("join retry interval must be positive, got: %v", c.JoinRetryInterval)
	case c.MaxJoinAttempts < 1:
		return fmt.Errorf("max join attempts must be at least 1, got: %d", c.MaxJoinAttempts)
	case c.KeepAlivePeriod <= 0:
		return fmt.Errorf("keep alive period must be positive")
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request timeout must be positive")
	case c.DMapName == "":
		return fmt.Errorf("dmap name cannot be empty")
	case c.BaseRef == "":
		return fmt.Errorf("base ref cannot be empty")
	}

	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log level: %s (must be DEBUG, INFO, WARN, or ERROR)", c.LogLevel)
	}

	if len(c.JoinAddrs) == 0 && c.MemberCountQuorum > 1 {
		return fmt.Errorf("member count quorum is %d but no join addresses provided", c.MemberCountQuorum)
	}

	if len(c.JoinAddrs) > 0 {
		if c.MemberCountQuorum > len(c.JoinAddrs)+1 {
			return fmt.Errorf("member count quorum (%d) cannot be greater than number of join addresses + 1 (%d)",
				c.MemberCountQuorum, len(c.JoinAddrs)+1)
		}
		if c.ReplicationFactor < 2 {
			return fmt.Errorf("replication factor should be at least 2 in multi-node mode (current: %d)", c.ReplicationFactor)
		}
	}

	return nil
}

// IsSingleNode reports whether the node runs without peers.
func (c *OlricConfig) IsSingleNode() bool {
	return len(c.JoinAddrs) == 0
}

func validListenAddr(addr string) bool {
	return addr == "0.0.0.0" || addr == "::" || net.ParseIP(addr) != nil
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}
