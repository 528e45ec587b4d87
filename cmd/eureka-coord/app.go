package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	eureka "github.com/levigo/neverpile-eureka-sub002"
	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("EUREKA_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", eureka.ServiceName)
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries state shared by every subcommand: the viper instance the
// persistent flags are bound to and the base logger.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), logger: baseLogger}
	cmd := &cobra.Command{
		Use:           "eureka-coord",
		Short:         "eureka-coord runs transaction housekeeping and inspects coordination state on a shared store",
		SilenceErrors: true,
		Example: `
  # Housekeeping daemon over a shared disk store
  eureka-coord --store disk:///var/lib/eureka

  # MinIO backend with Prometheus metrics
  EUREKA_STORE=s3://localhost:9000/eureka?insecure=1 EUREKA_S3_ACCESS_KEY_ID=minioadmin EUREKA_S3_SECRET_ACCESS_KEY=minioadmin eureka-coord --metrics-listen :9464

  # One housekeeping pass against Consul
  eureka-coord prune --store consul://127.0.0.1:8500/eureka

  # Inspect a queue
  eureka-coord queue next documents --store bolt:///var/lib/eureka/coord.db
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return c.serve(cmd.Context())
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.eureka/"+eureka.DefaultConfigFileName+")")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistent.String("store", eureka.DefaultStore, "substrate URL (local, mem://, disk:///path, bolt:///file, s3://host/bucket, aws://bucket, azure://account/container, consul://host:port/prefix, postgres://...)")
	persistent.Duration("auto-rollback-timeout", eureka.DefaultAutoRollbackTimeout, "age after which an open transaction is rolled back")
	persistent.Duration("housekeeping-interval", eureka.DefaultHousekeepingInterval, "interval between housekeeping passes")
	persistent.Int("max-recovery-attempts", eureka.DefaultMaxRecoveryAttempts, "rollback attempts before the exhausted policy applies")
	persistent.String("exhausted-policy", eureka.DefaultExhaustedPolicy, "what to do with transactions that exhausted recovery (complete, retain)")
	persistent.Float64("rollback-rate", 0, "maximum rollbacks per second (0 disables pacing)")
	persistent.Int("rollback-burst", 0, "rollback burst when pacing is enabled")
	persistent.Bool("disable-housekeeping", false, "do not run the housekeeping loop")
	persistent.String("lock-mode", "", "lock implementation (local, store, consul; derived from the store when empty)")
	persistent.Duration("lock-ttl", eureka.DefaultLockTTL, "lease TTL for store-backed locks")
	persistent.Duration("consul-session-ttl", eureka.DefaultConsulSessionTTL, "session TTL for consul locks")
	persistent.Int("notification-workers", eureka.DefaultNotificationWorkers, "listener notification workers per queue")
	persistent.Duration("queue-poll-interval", eureka.DefaultQueuePollInterval, "poll interval for queues on stores without a change feed")
	persistent.Duration("queue-claim-timeout", 0, "reclaim INPROCESS elements older than this (0 disables)")
	persistent.String("event-queue", "", "queue receiving housekeeping events (empty disables)")
	persistent.Int("storage-retry-attempts", eureka.DefaultStorageRetryMaxAttempts, "attempts for transient storage errors")
	persistent.Duration("storage-retry-base-delay", eureka.DefaultStorageRetryBaseDelay, "initial storage retry backoff")
	persistent.Duration("storage-retry-max-delay", eureka.DefaultStorageRetryMaxDelay, "maximum storage retry backoff")
	persistent.Float64("storage-retry-multiplier", eureka.DefaultStorageRetryMultiplier, "storage retry backoff multiplier")
	persistent.Bool("disable-storage-tracing", false, "disable debug tracing of storage calls")
	persistent.Bool("disk-queue-watch", true, "enable inotify-based change feed for the disk backend (Linux only)")
	persistent.Int("disk-lock-file-cache-size", eureka.DefaultDiskLockFileCacheSize, "max cached lockfile descriptors for the disk backend")
	persistent.String("s3-sse", "", "server-side encryption mode for s3/aws stores")
	persistent.String("s3-kms-key-id", "", "KMS key id for s3/aws stores")
	persistent.String("s3-access-key-id", "", "S3 access key id")
	persistent.String("s3-secret-access-key", "", "S3 secret access key")
	persistent.String("s3-session-token", "", "S3 session token")
	persistent.String("s3-encrypt-buffer-budget", humanizeBytes(eureka.DefaultS3SmallEncryptBufferBudget), "memory budget for buffering small encrypted S3 uploads")
	persistent.String("aws-region", "", "AWS region for aws:// stores")
	persistent.String("azure-account", "", "Azure storage account (overrides the store URL host)")
	persistent.String("azure-key", "", "Azure storage account key")
	persistent.String("azure-endpoint", "", "Azure blob endpoint override")
	persistent.String("azure-sas-token", "", "Azure SAS token")
	persistent.String("consul-address", "", "Consul agent address for consul locks on a non-consul store")
	persistent.String("consul-token", "", "Consul ACL token")
	persistent.String("consul-datacenter", "", "Consul datacenter")
	persistent.Bool("storage-encryption", false, "encrypt objects at rest with kryptograf")
	persistent.Bool("storage-encryption-snappy", false, "snappy-compress objects before encryption")
	persistent.String("key-bundle", "", "kryptograf key bundle path (defaults to $HOME/.eureka/"+eureka.DefaultKeyBundleName+")")
	persistent.String("metrics-listen", eureka.DefaultMetricsListen, "Prometheus scrape listen address (empty disables)")
	persistent.String("pprof-listen", eureka.DefaultPprofListen, "pprof listen address (empty disables)")
	persistent.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	persistent.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	c.v.SetEnvPrefix("EUREKA")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	persistent.VisitAll(func(flag *pflag.Flag) {
		if err := c.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(c.newPruneCommand())
	cmd.AddCommand(c.newWALCommand())
	cmd.AddCommand(c.newQueueCommand())
	cmd.AddCommand(c.newRefCommand())
	cmd.AddCommand(c.newLockCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// loadConfig reads the optional config file, binds flags, env and file values
// into an eureka.Config and returns the logger at the configured level.
func (c *cli) loadConfig() (eureka.Config, pslog.Logger, error) {
	var cfg eureka.Config
	logger := c.logger
	configFile, err := c.loadConfigFile()
	if err != nil {
		return cfg, logger, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		loggingutil.WithSubsystem(logger, "cli.config").Info("config.file.loaded", "path", configFile)
	}
	if err := c.bindConfig(&cfg); err != nil {
		return cfg, logger, err
	}
	return cfg, logger, nil
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := eureka.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, eureka.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func (c *cli) bindConfig(cfg *eureka.Config) error {
	v := c.v
	cfg.Store = v.GetString("store")
	cfg.AutoRollbackTimeout = v.GetDuration("auto-rollback-timeout")
	cfg.HousekeepingInterval = v.GetDuration("housekeeping-interval")
	cfg.MaxRecoveryAttempts = v.GetInt("max-recovery-attempts")
	cfg.ExhaustedPolicy = v.GetString("exhausted-policy")
	cfg.RollbackRate = v.GetFloat64("rollback-rate")
	cfg.RollbackBurst = v.GetInt("rollback-burst")
	cfg.DisableHousekeeping = v.GetBool("disable-housekeeping")
	cfg.LockMode = v.GetString("lock-mode")
	cfg.LockTTL = v.GetDuration("lock-ttl")
	cfg.ConsulSessionTTL = v.GetDuration("consul-session-ttl")
	cfg.NotificationWorkers = v.GetInt("notification-workers")
	cfg.QueuePollInterval = v.GetDuration("queue-poll-interval")
	cfg.QueueClaimTimeout = v.GetDuration("queue-claim-timeout")
	cfg.EventQueue = v.GetString("event-queue")
	cfg.StorageRetryMaxAttempts = v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("storage-retry-multiplier")
	cfg.DisableStorageTracing = v.GetBool("disable-storage-tracing")
	cfg.DiskQueueWatch = v.GetBool("disk-queue-watch")
	cfg.DiskLockFileCacheSize = v.GetInt("disk-lock-file-cache-size")
	cfg.S3SSE = v.GetString("s3-sse")
	cfg.S3KMSKeyID = v.GetString("s3-kms-key-id")
	cfg.S3AccessKeyID = v.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = v.GetString("s3-secret-access-key")
	cfg.S3SessionToken = v.GetString("s3-session-token")
	if budget := v.GetString("s3-encrypt-buffer-budget"); budget != "" {
		size, err := humanize.ParseBytes(budget)
		if err != nil {
			return fmt.Errorf("parse s3-encrypt-buffer-budget: %w", err)
		}
		cfg.S3SmallEncryptBufferBudget = int64(size)
	}
	cfg.AWSRegion = v.GetString("aws-region")
	cfg.AzureAccount = v.GetString("azure-account")
	cfg.AzureAccountKey = v.GetString("azure-key")
	cfg.AzureEndpoint = v.GetString("azure-endpoint")
	cfg.AzureSASToken = v.GetString("azure-sas-token")
	cfg.ConsulAddress = v.GetString("consul-address")
	cfg.ConsulToken = v.GetString("consul-token")
	cfg.ConsulDatacenter = v.GetString("consul-datacenter")
	cfg.StorageEncryption = v.GetBool("storage-encryption")
	cfg.StorageEncryptionSnappy = v.GetBool("storage-encryption-snappy")
	cfg.KeyBundlePath = v.GetString("key-bundle")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	return nil
}

// openToolkit loads configuration and opens a toolkit for one command.
func (c *cli) openToolkit(ctx context.Context) (*eureka.Toolkit, pslog.Logger, error) {
	cfg, logger, err := c.loadConfig()
	if err != nil {
		return nil, logger, err
	}
	tk, err := eureka.New(ctx, cfg, eureka.WithLogger(logger))
	if err != nil {
		return nil, logger, err
	}
	return tk, logger, nil
}

func (c *cli) serve(ctx context.Context) error {
	cfg, logger, err := c.loadConfig()
	if err != nil {
		return err
	}
	cliLogger := loggingutil.WithSubsystem(logger, "cli.serve")
	cliLogger.Info("welcome to eureka-coord",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"gid", os.Getgid(),
	)
	if err := cfg.Validate(); err != nil {
		return err
	}
	tel, err := eureka.StartTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			cliLogger.Warn("telemetry.shutdown.failed", "error", err)
		}
	}()
	tk, err := eureka.New(ctx, cfg, eureka.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := tk.Close(); err != nil {
			cliLogger.Warn("toolkit.close.failed", "error", err)
		}
	}()
	tk.Start(ctx)
	cliLogger.Info("serve.ready",
		"store", cfg.Store,
		"lock_mode", cfg.LockMode,
		"housekeeping_interval", cfg.HousekeepingInterval,
		"metrics_url", tel.MetricsURL(),
		"pprof_url", tel.PprofURL(),
	)
	<-ctx.Done()
	cliLogger.Info("serve.shutdown")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
