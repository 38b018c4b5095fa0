package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/command"
	"github.com/marcusmccarty/branch-deploy/internal/config"
	"github.com/marcusmccarty/branch-deploy/internal/logger"
	"github.com/marcusmccarty/branch-deploy/internal/model"
	"github.com/marcusmccarty/branch-deploy/internal/server"
	"github.com/marcusmccarty/branch-deploy/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "service",
	Short: "Deployment lock service",
	Long: `Coordinates deployment locks for branch deployments. Locks live on
dedicated branches of the repository, in a local Git repository, or in an
embedded Olric cluster.`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit:  %s\n", commit)
		fmt.Printf("Built:   %s\n", date)
	},
}

// flagBinding maps a command line flag onto its configuration key.
type flagBinding struct {
	key  string
	flag string
}

// bindFlags binds every flag to viper. Flags left unset fall back to the
// configuration defaults.
func bindFlags(flags *pflag.FlagSet, bindings []flagBinding) {
	for _, b := range bindings {
		_ = viper.BindPFlag(b.key, flags.Lookup(b.flag))
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(lockCmd)

	// Server flags
	flags := rootCmd.Flags()
	flags.Int("api-port", 8080, "API server port")
	flags.String("api-host", "0.0.0.0", "API server host")
	flags.Int("probe-port", 8081, "Probe server port")
	flags.String("probe-host", "0.0.0.0", "Probe server host")
	flags.Int("metrics-port", 9090, "Metrics server port")
	flags.String("metrics-host", "0.0.0.0", "Metrics server host")
	flags.Bool("tls-enabled", false, "Enable TLS for API server")
	flags.String("tls-cert", "", "Path to TLS certificate")
	flags.String("tls-key", "", "Path to TLS key")
	flags.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout (e.g., 30s)")
	flags.Duration("health-check-timeout", 5*time.Second, "Health check timeout (e.g., 5s)")
	flags.Duration("health-cache-duration", 10*time.Second, "Health check cache duration (e.g., 10s)")

	bindFlags(flags, []flagBinding{
		{"api.port", "api-port"},
		{"api.host", "api-host"},
		{"probe.port", "probe-port"},
		{"probe.host", "probe-host"},
		{"metrics.port", "metrics-port"},
		{"metrics.host", "metrics-host"},
		{"tls.enabled", "tls-enabled"},
		{"tls.cert", "tls-cert"},
		{"tls.key", "tls-key"},
		{"shutdown.timeout", "shutdown-timeout"},
		{"health.check_timeout", "health-check-timeout"},
		{"health.cache_duration", "health-cache-duration"},
	})

	// Shared by the server and the lock command
	shared := rootCmd.PersistentFlags()
	shared.String("log-level", "info", "Log level (debug, info, warn, error)")
	shared.String("log-format", "json", "Log format (json, console)")

	shared.String("default-environment", command.DefaultEnvironment, "Environment locked when a command names none")
	shared.String("trigger", command.DefaultTrigger, "Comment trigger for lock commands")
	shared.String("info-alias", command.DefaultInfoAlias, "Comment trigger for lock details")
	shared.String("global-flag", command.DefaultGlobalFlag, "Flag selecting the global lock")
	shared.String("server-url", model.DefaultServerURL, "Base URL used for lock links")

	shared.String("backend", config.BackendGitHub, "Lock store backend (github, git, olric)")

	shared.String("github-owner", "", "Repository owner holding lock branches")
	shared.String("github-repo", "", "Repository holding lock branches")
	shared.String("github-api-url", "", "GitHub API URL for GitHub Enterprise Server")
	shared.Uint("github-max-retries", 3, "Retries for failed GitHub API calls")
	shared.Duration("github-retry-interval", time.Second, "Initial GitHub retry interval")

	shared.String("git-path", "", "Bare repository path; empty keeps it in memory")
	shared.String("git-remote", "", "Remote to fetch lock branches from and push them to")
	shared.String("git-default-branch", store.DefaultBaseRef, "Branch new lock branches start from")
	shared.String("git-author-name", "branch-deploy", "Author name of lock commits")
	shared.String("git-author-email", "branch-deploy@users.noreply.github.com", "Author email of lock commits")

	shared.String("olric-bind-addr", store.DefaultBindAddr, "Olric bind address")
	shared.Int("olric-bind-port", store.DefaultBindPort, "Olric bind port")
	shared.String("olric-advertise-addr", "", "Olric address announced to peers")
	shared.Int("olric-advertise-port", 0, "Olric port announced to peers")
	shared.Int("olric-memberlist-bind-port", 0, "Olric gossip port")
	shared.StringSlice("olric-join-addrs", []string{}, "Olric cluster join addresses")
	shared.String("olric-replication-mode", store.DefaultReplicationMode, "Olric replication mode (sync/async)")
	shared.Int("olric-replication-factor", store.DefaultReplicationFactor, "Olric replication factor")
	shared.Uint64("olric-partition-count", store.DefaultPartitionCount, "Olric partition count")
	shared.Int("olric-backup-count", store.DefaultBackupCount, "Olric backup count")
	shared.Int("olric-member-count-quorum", store.DefaultMemberCountQuorum, "Olric member count quorum")
	shared.Duration("olric-join-retry-interval", store.DefaultJoinRetryInterval, "Olric join retry interval")
	shared.Int("olric-max-join-attempts", store.DefaultMaxJoinAttempts, "Olric max join attempts")
	shared.String("olric-log-level", "", "Olric log level (DEBUG/INFO/WARN/ERROR, defaults to main log level)")
	shared.Duration("olric-keep-alive-period", store.DefaultKeepAlivePeriod, "Olric keep alive period")
	shared.Duration("olric-request-timeout", store.DefaultRequestTimeout, "Olric request timeout")
	shared.String("olric-dmap-name", store.DefaultDMapName, "Olric DMap name")

	bindFlags(shared, []flagBinding{
		{"log.level", "log-level"},
		{"log.format", "log-format"},
		{"lock.default_environment", "default-environment"},
		{"lock.trigger", "trigger"},
		{"lock.info_alias", "info-alias"},
		{"lock.global_flag", "global-flag"},
		{"lock.server_url", "server-url"},
		{"backend.type", "backend"},
		{"github.owner", "github-owner"},
		{"github.repo", "github-repo"},
		{"github.api_url", "github-api-url"},
		{"github.max_retries", "github-max-retries"},
		{"github.retry_interval", "github-retry-interval"},
		{"git.path", "git-path"},
		{"git.remote", "git-remote"},
		{"git.default_branch", "git-default-branch"},
		{"git.author_name", "git-author-name"},
		{"git.author_email", "git-author-email"},
		{"olric.bind_addr", "olric-bind-addr"},
		{"olric.bind_port", "olric-bind-port"},
		{"olric.advertise_addr", "olric-advertise-addr"},
		{"olric.advertise_port", "olric-advertise-port"},
		{"olric.memberlist_bind_port", "olric-memberlist-bind-port"},
		{"olric.join_addrs", "olric-join-addrs"},
		{"olric.replication_mode", "olric-replication-mode"},
		{"olric.replication_factor", "olric-replication-factor"},
		{"olric.partition_count", "olric-partition-count"},
		{"olric.backup_count", "olric-backup-count"},
		{"olric.member_count_quorum", "olric-member-count-quorum"},
		{"olric.join_retry_interval", "olric-join-retry-interval"},
		{"olric.max_join_attempts", "olric-max-join-attempts"},
		{"olric.log_level", "olric-log-level"},
		{"olric.keep_alive_period", "olric-keep-alive-period"},
		{"olric.request_timeout", "olric-request-timeout"},
		{"olric.dmap_name", "olric-dmap-name"},
	})
}

func buildInfo() map[string]string {
	return map[string]string{
		"version": version,
		"commit":  commit,
		"date":    date,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting deployment lock service",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
		zap.String("backend", cfg.Backend),
	)

	ctx := cmd.Context()

	srv, err := server.New(ctx, cfg, log, buildInfo())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		// The lock store is already open.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info("Service started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case runErr = <-srv.Errors():
		log.Error("Server stopped unexpectedly", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}

	if runErr != nil {
		return runErr
	}

	log.Info("Service stopped gracefully")
	return nil
}
