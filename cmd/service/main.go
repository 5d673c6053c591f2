package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quickpay/review-apps/internal/builder"
	"github.com/quickpay/review-apps/internal/buildservice"
	"github.com/quickpay/review-apps/internal/buildspec"
	"github.com/quickpay/review-apps/internal/config"
	"github.com/quickpay/review-apps/internal/dispatch"
	"github.com/quickpay/review-apps/internal/handlers"
	"github.com/quickpay/review-apps/internal/health"
	"github.com/quickpay/review-apps/internal/logger"
	"github.com/quickpay/review-apps/internal/metrics"
	"github.com/quickpay/review-apps/internal/registry"
	"github.com/quickpay/review-apps/internal/server"
	"github.com/quickpay/review-apps/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "service",
	Short: "Review app orchestration service",
	Long:  `A webhook-driven service that launches per-branch review app build jobs.`,
	RunE:  runServer,
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

func init() {
	rootCmd.AddCommand(versionCmd)

	// Configuration flags
	rootCmd.Flags().Int("api-port", 8080, "API server port")
	rootCmd.Flags().String("api-host", "0.0.0.0", "API server host")
	rootCmd.Flags().Int("probe-port", 8081, "Probe server port")
	rootCmd.Flags().String("probe-host", "0.0.0.0", "Probe server host")
	rootCmd.Flags().Int("metrics-port", 9090, "Metrics server port")
	rootCmd.Flags().String("metrics-host", "0.0.0.0", "Metrics server host")
	rootCmd.Flags().Bool("tls-enabled", false, "Enable TLS for API server")
	rootCmd.Flags().String("tls-cert", "", "Path to TLS certificate")
	rootCmd.Flags().String("tls-key", "", "Path to TLS key")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-format", "json", "Log format (json, console)")
	rootCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout (e.g., 30s)")
	rootCmd.Flags().Duration("health-check-timeout", 5*time.Second, "Health check timeout (e.g., 5s)")
	rootCmd.Flags().Duration("health-cache-duration", 10*time.Second, "Health check cache duration (e.g., 10s)")

	// Webhook and build flags
	rootCmd.Flags().String("webhook-secret", "", "Shared secret for webhook signature verification")
	rootCmd.Flags().String("build-account-id", "", "Target cloud account for review app stacks")
	rootCmd.Flags().String("build-region", "eu-west-1", "Target region for review app stacks")
	rootCmd.Flags().String("build-role-arn", "", "Service role ARN for build jobs")
	rootCmd.Flags().String("build-artifact-bucket", "", "Artifact bucket for build jobs")
	rootCmd.Flags().String("build-repo-clone-url", "", "Default repository clone URL")
	rootCmd.Flags().String("build-stack-prefix", "review", "Prefix for generated stack names")
	rootCmd.Flags().String("buildservice-endpoint", "", "Build service API endpoint")
	rootCmd.Flags().Duration("buildservice-timeout", 30*time.Second, "Build service request timeout")
	rootCmd.Flags().Int("dispatch-queue-size", 64, "Event dispatch queue size")
	rootCmd.Flags().Int("dispatch-workers", 4, "Event dispatch worker count")
	rootCmd.Flags().Duration("dispatch-launch-timeout", 2*time.Minute, "Per-event launch timeout")
	rootCmd.Flags().Bool("teardown-on-close", false, "Tear down review app stacks when pull requests close")

	// Olric configuration flags
	rootCmd.Flags().String("olric-host", store.DefaultBindAddr, "Olric bind host")
	rootCmd.Flags().Int("olric-port", store.DefaultBindPort, "Olric bind port")
	rootCmd.Flags().StringSlice("olric-join-addrs", []string{}, "Olric cluster join addresses")
	rootCmd.Flags().String("olric-replication-mode", store.DefaultReplicationMode, "Olric replication mode (sync/async)")
	rootCmd.Flags().Int("olric-replication-factor", store.DefaultReplicationFactor, "Olric replication factor")
	rootCmd.Flags().Int("olric-partition-count", int(store.DefaultPartitionCount), "Olric partition count")
	rootCmd.Flags().Int("olric-backup-count", store.DefaultBackupCount, "Olric backup count")
	rootCmd.Flags().String("olric-backup-mode", store.DefaultBackupMode, "Olric backup mode (sync/async)")
	rootCmd.Flags().Int("olric-member-count-quorum", store.DefaultMemberCountQuorum, "Olric member count quorum")
	rootCmd.Flags().Duration("olric-join-retry-interval", store.DefaultJoinRetryInterval, "Olric join retry interval")
	rootCmd.Flags().Int("olric-max-join-attempts", store.DefaultMaxJoinAttempts, "Olric max join attempts")
	rootCmd.Flags().String("olric-log-level", "", "Olric log level (DEBUG/INFO/WARN/ERROR, defaults to main log level)")
	rootCmd.Flags().Duration("olric-keep-alive-period", store.DefaultKeepAlivePeriod, "Olric keep alive period")
	rootCmd.Flags().Duration("olric-request-timeout", store.DefaultRequestTimeout, "Olric request timeout")
	rootCmd.Flags().String("olric-dmap-name", store.DefaultDMapName, "Olric DMap name")

	// Bind flags to viper
	_ = viper.BindPFlag("api.port", rootCmd.Flags().Lookup("api-port"))
	_ = viper.BindPFlag("api.host", rootCmd.Flags().Lookup("api-host"))
	_ = viper.BindPFlag("probe.port", rootCmd.Flags().Lookup("probe-port"))
	_ = viper.BindPFlag("probe.host", rootCmd.Flags().Lookup("probe-host"))
	_ = viper.BindPFlag("metrics.port", rootCmd.Flags().Lookup("metrics-port"))
	_ = viper.BindPFlag("metrics.host", rootCmd.Flags().Lookup("metrics-host"))
	_ = viper.BindPFlag("tls.enabled", rootCmd.Flags().Lookup("tls-enabled"))
	_ = viper.BindPFlag("tls.cert", rootCmd.Flags().Lookup("tls-cert"))
	_ = viper.BindPFlag("tls.key", rootCmd.Flags().Lookup("tls-key"))
	_ = viper.BindPFlag("log.level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.Flags().Lookup("log-format"))
	_ = viper.BindPFlag("shutdown.timeout", rootCmd.Flags().Lookup("shutdown-timeout"))
	_ = viper.BindPFlag("health.check_timeout", rootCmd.Flags().Lookup("health-check-timeout"))
	_ = viper.BindPFlag("health.cache_duration", rootCmd.Flags().Lookup("health-cache-duration"))
	_ = viper.BindPFlag("webhook.secret", rootCmd.Flags().Lookup("webhook-secret"))
	_ = viper.BindPFlag("build.account_id", rootCmd.Flags().Lookup("build-account-id"))
	_ = viper.BindPFlag("build.region", rootCmd.Flags().Lookup("build-region"))
	_ = viper.BindPFlag("build.role_arn", rootCmd.Flags().Lookup("build-role-arn"))
	_ = viper.BindPFlag("build.artifact_bucket", rootCmd.Flags().Lookup("build-artifact-bucket"))
	_ = viper.BindPFlag("build.repo_clone_url", rootCmd.Flags().Lookup("build-repo-clone-url"))
	_ = viper.BindPFlag("build.stack_prefix", rootCmd.Flags().Lookup("build-stack-prefix"))
	_ = viper.BindPFlag("buildservice.endpoint", rootCmd.Flags().Lookup("buildservice-endpoint"))
	_ = viper.BindPFlag("buildservice.timeout", rootCmd.Flags().Lookup("buildservice-timeout"))
	_ = viper.BindPFlag("dispatch.queue_size", rootCmd.Flags().Lookup("dispatch-queue-size"))
	_ = viper.BindPFlag("dispatch.workers", rootCmd.Flags().Lookup("dispatch-workers"))
	_ = viper.BindPFlag("dispatch.launch_timeout", rootCmd.Flags().Lookup("dispatch-launch-timeout"))
	_ = viper.BindPFlag("teardown.on_close", rootCmd.Flags().Lookup("teardown-on-close"))
	_ = viper.BindPFlag("olric.host", rootCmd.Flags().Lookup("olric-host"))
	_ = viper.BindPFlag("olric.port", rootCmd.Flags().Lookup("olric-port"))
	_ = viper.BindPFlag("olric.join_addrs", rootCmd.Flags().Lookup("olric-join-addrs"))
	_ = viper.BindPFlag("olric.replication_mode", rootCmd.Flags().Lookup("olric-replication-mode"))
	_ = viper.BindPFlag("olric.replication_factor", rootCmd.Flags().Lookup("olric-replication-factor"))
	_ = viper.BindPFlag("olric.partition_count", rootCmd.Flags().Lookup("olric-partition-count"))
	_ = viper.BindPFlag("olric.backup_count", rootCmd.Flags().Lookup("olric-backup-count"))
	_ = viper.BindPFlag("olric.backup_mode", rootCmd.Flags().Lookup("olric-backup-mode"))
	_ = viper.BindPFlag("olric.member_count_quorum", rootCmd.Flags().Lookup("olric-member-count-quorum"))
	_ = viper.BindPFlag("olric.join_retry_interval", rootCmd.Flags().Lookup("olric-join-retry-interval"))
	_ = viper.BindPFlag("olric.max_join_attempts", rootCmd.Flags().Lookup("olric-max-join-attempts"))
	_ = viper.BindPFlag("olric.log_level", rootCmd.Flags().Lookup("olric-log-level"))
	_ = viper.BindPFlag("olric.keep_alive_period", rootCmd.Flags().Lookup("olric-keep-alive-period"))
	_ = viper.BindPFlag("olric.request_timeout", rootCmd.Flags().Lookup("olric-request-timeout"))
	_ = viper.BindPFlag("olric.dmap_name", rootCmd.Flags().Lookup("olric-dmap-name"))
}

// loadOlricConfig builds the store configuration from viper settings.
func loadOlricConfig() (*store.OlricConfig, error) {
	cfg := store.NewDefaultOlricConfig()

	if viper.IsSet("olric.host") {
		cfg.BindAddr = viper.GetString("olric.host")
	}
	if viper.IsSet("olric.port") {
		cfg.BindPort = viper.GetInt("olric.port")
	}
	if viper.IsSet("olric.join_addrs") {
		cfg.JoinAddrs = viper.GetStringSlice("olric.join_addrs")
	}
	if viper.IsSet("olric.replication_mode") {
		cfg.ReplicationMode = viper.GetString("olric.replication_mode")
	}
	if viper.IsSet("olric.replication_factor") {
		cfg.ReplicationFactor = viper.GetInt("olric.replication_factor")
	}
	if viper.IsSet("olric.partition_count") {
		cfg.PartitionCount = viper.GetUint64("olric.partition_count")
	}
	if viper.IsSet("olric.backup_count") {
		cfg.BackupCount = viper.GetInt("olric.backup_count")
	}
	if viper.IsSet("olric.backup_mode") {
		cfg.BackupMode = viper.GetString("olric.backup_mode")
	}
	if viper.IsSet("olric.member_count_quorum") {
		cfg.MemberCountQuorum = viper.GetInt("olric.member_count_quorum")
	}
	if viper.IsSet("olric.join_retry_interval") {
		cfg.JoinRetryInterval = viper.GetDuration("olric.join_retry_interval")
	}
	if viper.IsSet("olric.max_join_attempts") {
		cfg.MaxJoinAttempts = viper.GetInt("olric.max_join_attempts")
	}
	if level := viper.GetString("olric.log_level"); level != "" {
		cfg.LogLevel = level
	}
	if viper.IsSet("olric.keep_alive_period") {
		cfg.KeepAlivePeriod = viper.GetDuration("olric.keep_alive_period")
	}
	if viper.IsSet("olric.request_timeout") {
		cfg.RequestTimeout = viper.GetDuration("olric.request_timeout")
	}
	if viper.IsSet("olric.dmap_name") {
		cfg.DMapName = viper.GetString("olric.dmap_name")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	olricCfg, err := loadOlricConfig()
	if err != nil {
		return fmt.Errorf("failed to load store configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting review app service",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	// Create metrics with build info
	buildInfo := map[string]string{
		"version": version,
		"commit":  commit,
		"date":    date,
	}
	m := metrics.NewMetrics(cfg.MetricsNamespace, buildInfo)

	// Start the distributed store
	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer startCancel()

	olricMetrics := store.NewOlricMetrics(cfg.MetricsNamespace, m.Registry())
	st, err := store.NewOlricStore(startCtx, olricCfg, log, olricMetrics)
	if err != nil {
		return fmt.Errorf("failed to start store: %w", err)
	}

	storeCollector := store.NewOlricMetricsCollector(log, st, olricMetrics, 15*time.Second)
	storeCollector.Start()

	// Wire the launch pipeline
	jobRegistry := registry.NewOlricJobRegistry(st, log)

	generator := buildspec.NewGenerator(buildspec.BuildContext{
		AccountID:      cfg.AccountID,
		Region:         cfg.Region,
		ServiceRoleARN: cfg.BuildRoleARN,
		ArtifactBucket: cfg.ArtifactBucket,
		StackPrefix:    cfg.StackPrefix,
		DefaultRepoURL: cfg.RepoCloneURL,
	}, log)

	buildClient, err := buildservice.NewHTTPClient(cfg.BuildServiceEndpoint, cfg.BuildServiceTimeout, log, m)
	if err != nil {
		return fmt.Errorf("failed to create build service client: %w", err)
	}

	launcher := builder.NewLauncher(jobRegistry, generator, buildClient, log, m, cfg.TeardownOnClose)

	dispatcher := dispatch.NewDispatcher(launcher, cfg.DispatchQueueSize, cfg.DispatchWorkers, cfg.LaunchTimeout, log, m)

	// Health checks
	healthManager := health.NewManager(log, cfg.HealthCheckCacheDuration, cfg.HealthCheckTimeout)
	healthManager.RegisterChecker(health.NewConfigChecker(log))
	healthManager.RegisterChecker(health.NewServerChecker(log))
	healthManager.RegisterChecker(health.NewReadinessChecker(log))
	healthManager.RegisterChecker(store.NewConnectionHealthChecker(log, st))
	healthManager.RegisterChecker(store.NewClusterHealthChecker(log, st, olricCfg.MemberCountQuorum, olricCfg.IsSingleNode()))
	healthManager.RegisterChecker(store.NewStorageHealthChecker(log, st))

	// HTTP servers
	webhookHandlers := handlers.NewWebhookHandlers(cfg.WebhookSecret, dispatcher, jobRegistry, log, m)

	srv, err := server.New(cfg, log, m, healthManager, webhookHandlers)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if err := srv.WaitForServers(10 * time.Second); err != nil {
		return fmt.Errorf("servers failed to become ready: %w", err)
	}

	healthManager.SetServersRunning(true)
	log.Info("Service started successfully")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutdown signal received")
	healthManager.SetShuttingDown(true)

	// Graceful shutdown: stop intake first, then drain the queue, then
	// close the store
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Error during server shutdown", zap.Error(err))
	}

	if err := dispatcher.Close(ctx); err != nil {
		log.Error("Error draining dispatch queue", zap.Error(err))
	}

	storeCollector.Stop()

	if err := st.Close(ctx); err != nil {
		log.Error("Error closing store", zap.Error(err))
		return err
	}

	log.Info("Service stopped gracefully")
	return nil
}
