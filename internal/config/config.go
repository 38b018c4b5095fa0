package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marcusmccarty/branch-deploy/internal/command"
	"github.com/marcusmccarty/branch-deploy/internal/lockkey"
	"github.com/marcusmccarty/branch-deploy/internal/logger"
	"github.com/marcusmccarty/branch-deploy/internal/model"
	"github.com/marcusmccarty/branch-deploy/internal/store"
)

// Supported lock store backends.
const (
	BackendGitHub = "github"
	BackendGit    = "git"
	BackendOlric  = "olric"
)

// Config holds all configuration for the service.
type Config struct {
	// API server settings
	APIPort int
	APIHost string

	// Probe server settings
	ProbePort int
	ProbeHost string

	// Metrics server settings
	MetricsPort int
	MetricsHost string

	// TLS settings
	TLSEnabled bool
	TLSCert    string
	TLSKey     string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Health check settings
	HealthCheckTimeout       time.Duration
	HealthCheckCacheDuration time.Duration

	// Metrics settings
	MetricsNamespace string

	// Lock command settings
	Lock LockConfig

	// Backend selects the lock store: github, git or olric.
	Backend string
	GitHub  store.GitHubConfig
	Git     store.GitConfig
	Olric   *store.OlricConfig
}

// LockConfig controls how lock commands are parsed and how links are built.
type LockConfig struct {
	DefaultEnvironment string
	Trigger            string
	InfoAlias          string
	GlobalFlag         string
	ServerURL          string
}

// Parser returns a command parser for the configured trigger and flags.
func (l LockConfig) Parser() *command.Parser {
	return &command.Parser{
		Trigger:            l.Trigger,
		InfoAlias:          l.InfoAlias,
		GlobalFlag:         l.GlobalFlag,
		DefaultEnvironment: l.DefaultEnvironment,
	}
}

func setDefaults() {
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("probe.port", 8081)
	viper.SetDefault("probe.host", "0.0.0.0")
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.host", "0.0.0.0")
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cert", "")
	viper.SetDefault("tls.key", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("shutdown.timeout", "30s")
	viper.SetDefault("health.check_timeout", "5s")
	viper.SetDefault("health.cache_duration", "10s")

	viper.SetDefault("lock.default_environment", command.DefaultEnvironment)
	viper.SetDefault("lock.trigger", command.DefaultTrigger)
	viper.SetDefault("lock.info_alias", command.DefaultInfoAlias)
	viper.SetDefault("lock.global_flag", command.DefaultGlobalFlag)
	viper.SetDefault("lock.server_url", model.DefaultServerURL)

	viper.SetDefault("backend.type", BackendGitHub)

	viper.SetDefault("github.api_url", "")
	viper.SetDefault("github.max_retries", 3)
	viper.SetDefault("github.retry_interval", "1s")

	viper.SetDefault("git.path", "")
	viper.SetDefault("git.remote", "")
	viper.SetDefault("git.default_branch", store.DefaultBaseRef)
	viper.SetDefault("git.author_name", "branch-deploy")
	viper.SetDefault("git.author_email", "branch-deploy@users.noreply.github.com")

	olric := store.NewDefaultOlricConfig()
	viper.SetDefault("olric.bind_addr", olric.BindAddr)
	viper.SetDefault("olric.bind_port", olric.BindPort)
	viper.SetDefault("olric.advertise_addr", olric.AdvertiseAddr)
	viper.SetDefault("olric.advertise_port", olric.AdvertisePort)
	viper.SetDefault("olric.memberlist_bind_port", olric.MemberlistBindPort)
	viper.SetDefault("olric.join_addrs", []string{})
	viper.SetDefault("olric.replication_mode", olric.ReplicationMode)
	viper.SetDefault("olric.replication_factor", olric.ReplicationFactor)
	viper.SetDefault("olric.partition_count", olric.PartitionCount)
	viper.SetDefault("olric.backup_count", olric.BackupCount)
	viper.SetDefault("olric.member_count_quorum", olric.MemberCountQuorum)
	viper.SetDefault("olric.join_retry_interval", olric.JoinRetryInterval.String())
	viper.SetDefault("olric.max_join_attempts", olric.MaxJoinAttempts)
	viper.SetDefault("olric.log_level", "")
	viper.SetDefault("olric.keep_alive_period", olric.KeepAlivePeriod.String())
	viper.SetDefault("olric.request_timeout", olric.RequestTimeout.String())
	viper.SetDefault("olric.dmap_name", olric.DMapName)
	viper.SetDefault("olric.base_ref", olric.BaseRef)
}

// Load reads configuration from environment variables, config file, and flags.
func Load() (*Config, error) {
	setDefaults()

	// Replace . with _ in environment variable names (e.g., api.port -> LOCK_API_PORT)
	viper.SetEnvPrefix("LOCK")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The Actions runner exports these without the prefix.
	_ = viper.BindEnv("github.token", "LOCK_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = viper.BindEnv("github.repository", "LOCK_GITHUB_REPOSITORY", "GITHUB_REPOSITORY")
	_ = viper.BindEnv("lock.server_url", "LOCK_LOCK_SERVER_URL", "GITHUB_SERVER_URL")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/branch-deploy/")

	// Reading config file is optional
	_ = viper.ReadInConfig()

	cfg := &Config{
		APIPort:          viper.GetInt("api.port"),
		APIHost:          viper.GetString("api.host"),
		ProbePort:        viper.GetInt("probe.port"),
		ProbeHost:        viper.GetString("probe.host"),
		MetricsPort:      viper.GetInt("metrics.port"),
		MetricsHost:      viper.GetString("metrics.host"),
		TLSEnabled:       viper.GetBool("tls.enabled"),
		TLSCert:          viper.GetString("tls.cert"),
		TLSKey:           viper.GetString("tls.key"),
		LogLevel:         viper.GetString("log.level"),
		LogFormat:        viper.GetString("log.format"),
		MetricsNamespace: "branch_deploy", // Fixed value, not configurable
		Lock: LockConfig{
			DefaultEnvironment: viper.GetString("lock.default_environment"),
			Trigger:            viper.GetString("lock.trigger"),
			InfoAlias:          viper.GetString("lock.info_alias"),
			GlobalFlag:         viper.GetString("lock.global_flag"),
			ServerURL:          viper.GetString("lock.server_url"),
		},
		Backend: strings.ToLower(viper.GetString("backend.type")),
		GitHub: store.GitHubConfig{
			Token:      viper.GetString("github.token"),
			Owner:      viper.GetString("github.owner"),
			Repo:       viper.GetString("github.repo"),
			APIURL:     viper.GetString("github.api_url"),
			MaxRetries: viper.GetUint("github.max_retries"),
		},
		Git: store.GitConfig{
			Path:        viper.GetString("git.path"),
			RemoteURL:   viper.GetString("git.remote"),
			Username:    viper.GetString("git.username"),
			Password:    viper.GetString("git.password"),
			AuthorName:  viper.GetString("git.author_name"),
			AuthorEmail: viper.GetString("git.author_email"),
			BaseRef:     viper.GetString("git.default_branch"),
		},
		Olric: &store.OlricConfig{
			BindAddr:           viper.GetString("olric.bind_addr"),
			BindPort:           viper.GetInt("olric.bind_port"),
			AdvertiseAddr:      viper.GetString("olric.advertise_addr"),
			AdvertisePort:      viper.GetInt("olric.advertise_port"),
			MemberlistBindPort: viper.GetInt("olric.memberlist_bind_port"),
			JoinAddrs:          viper.GetStringSlice("olric.join_addrs"),
			ReplicationMode:    viper.GetString("olric.replication_mode"),
			ReplicationFactor:  viper.GetInt("olric.replication_factor"),
			PartitionCount:     viper.GetUint64("olric.partition_count"),
			BackupCount:        viper.GetInt("olric.backup_count"),
			MemberCountQuorum:  viper.GetInt("olric.member_count_quorum"),
			MaxJoinAttempts:    viper.GetInt("olric.max_join_attempts"),
			LogLevel:           strings.ToUpper(viper.GetString("olric.log_level")),
			DMapName:           viper.GetString("olric.dmap_name"),
			BaseRef:            viper.GetString("olric.base_ref"),
		},
	}

	// Olric follows the service log level unless told otherwise.
	if cfg.Olric.LogLevel == "" {
		cfg.Olric.LogLevel = logger.OlricLevel(cfg.LogLevel)
	}

	if cfg.GitHub.Owner == "" && cfg.GitHub.Repo == "" {
		if owner, repo, ok := strings.Cut(viper.GetString("github.repository"), "/"); ok {
			cfg.GitHub.Owner, cfg.GitHub.Repo = owner, repo
		}
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"shutdown.timeout", &cfg.ShutdownTimeout},
		{"health.check_timeout", &cfg.HealthCheckTimeout},
		{"health.cache_duration", &cfg.HealthCheckCacheDuration},
		{"github.retry_interval", &cfg.GitHub.RetryInterval},
		{"olric.join_retry_interval", &cfg.Olric.JoinRetryInterval},
		{"olric.keep_alive_period", &cfg.Olric.KeepAlivePeriod},
		{"olric.request_timeout", &cfg.Olric.RequestTimeout},
	}
	for _, d := range durations {
		value, err := time.ParseDuration(viper.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", strings.ReplaceAll(d.key, "_", " "), err)
		}
		*d.target = value
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid. Backend specific settings
// other than Olric's are checked when the store is created.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	if c.ProbePort < 1 || c.ProbePort > 65535 {
		return fmt.Errorf("invalid probe port: %d", c.ProbePort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.TLSEnabled {
		if c.TLSCert == "" {
			return errors.New("TLS enabled but no certificate path provided")
		}
		if c.TLSKey == "" {
			return errors.New("TLS enabled but no key path provided")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s (must be positive)", c.ShutdownTimeout)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("invalid health check timeout: %s (must be positive)", c.HealthCheckTimeout)
	}
	if c.HealthCheckCacheDuration < 0 {
		return fmt.Errorf("invalid health check cache duration: %s (must be non-negative, zero disables caching)", c.HealthCheckCacheDuration)
	}
	if c.MetricsNamespace == "" {
		return errors.New("metrics namespace cannot be empty")
	}

	if err := c.Lock.Validate(); err != nil {
		return err
	}

	switch c.Backend {
	case BackendGitHub, BackendGit:
	case BackendOlric:
		if c.Olric == nil {
			return errors.New("olric backend selected without olric configuration")
		}
		if err := c.Olric.Validate(); err != nil {
			return fmt.Errorf("invalid olric configuration: %w", err)
		}
	default:
		return fmt.Errorf("invalid backend: %s (must be github, git, or olric)", c.Backend)
	}

	return nil
}

// Validate checks the lock command settings.
func (l LockConfig) Validate() error {
	if err := lockkey.ValidateEnvironment(l.DefaultEnvironment); err != nil {
		return fmt.Errorf("invalid default environment: %w", err)
	}
	if l.Trigger == "" || l.InfoAlias == "" {
		return errors.New("lock trigger and info alias cannot be empty")
	}
	if l.Trigger == l.InfoAlias {
		return fmt.Errorf("lock trigger and info alias must differ: %s", l.Trigger)
	}
	if !strings.HasPrefix(l.GlobalFlag, "--") {
		return fmt.Errorf("invalid global flag: %s (must start with --)", l.GlobalFlag)
	}
	if l.ServerURL == "" {
		return errors.New("lock server url cannot be empty")
	}
	return nil
}
