package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	eureka "github.com/levigo/neverpile-eureka-sub002"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage eureka-coord configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.eureka/" + eureka.DefaultConfigFileName
	if dir, err := eureka.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, eureka.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := eureka.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, eureka.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return err
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags; keys match flag names so the
// file can be read back through viper.
type configDefaults struct {
	Store                   string  `yaml:"store"`
	LogLevel                string  `yaml:"log-level"`
	AutoRollbackTimeout     string  `yaml:"auto-rollback-timeout"`
	HousekeepingInterval    string  `yaml:"housekeeping-interval"`
	MaxRecoveryAttempts     int     `yaml:"max-recovery-attempts"`
	ExhaustedPolicy         string  `yaml:"exhausted-policy"`
	RollbackRate            float64 `yaml:"rollback-rate"`
	RollbackBurst           int     `yaml:"rollback-burst"`
	DisableHousekeeping     bool    `yaml:"disable-housekeeping"`
	LockMode                string  `yaml:"lock-mode"`
	LockTTL                 string  `yaml:"lock-ttl"`
	ConsulSessionTTL        string  `yaml:"consul-session-ttl"`
	NotificationWorkers     int     `yaml:"notification-workers"`
	QueuePollInterval       string  `yaml:"queue-poll-interval"`
	QueueClaimTimeout       string  `yaml:"queue-claim-timeout"`
	EventQueue              string  `yaml:"event-queue"`
	StorageRetryAttempts    int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	DisableStorageTracing   bool    `yaml:"disable-storage-tracing"`
	DiskQueueWatch          bool    `yaml:"disk-queue-watch"`
	DiskLockFileCacheSize   int     `yaml:"disk-lock-file-cache-size"`
	S3SSE                   string  `yaml:"s3-sse"`
	S3KMSKeyID              string  `yaml:"s3-kms-key-id"`
	S3EncryptBufferBudget   string  `yaml:"s3-encrypt-buffer-budget"`
	AWSRegion               string  `yaml:"aws-region"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	ConsulAddress           string  `yaml:"consul-address"`
	ConsulDatacenter        string  `yaml:"consul-datacenter"`
	StorageEncryption       bool    `yaml:"storage-encryption"`
	StorageEncryptionSnappy bool    `yaml:"storage-encryption-snappy"`
	KeyBundle               string  `yaml:"key-bundle"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
}

func defaultConfigYAML() ([]byte, error) {
	bundle := ""
	if path, err := eureka.DefaultKeyBundlePath(); err == nil {
		bundle = path
	}
	defaults := configDefaults{
		Store:                  eureka.DefaultStore,
		LogLevel:               "info",
		AutoRollbackTimeout:    eureka.DefaultAutoRollbackTimeout.String(),
		HousekeepingInterval:   eureka.DefaultHousekeepingInterval.String(),
		MaxRecoveryAttempts:    eureka.DefaultMaxRecoveryAttempts,
		ExhaustedPolicy:        eureka.DefaultExhaustedPolicy,
		LockTTL:                eureka.DefaultLockTTL.String(),
		ConsulSessionTTL:       eureka.DefaultConsulSessionTTL.String(),
		NotificationWorkers:    eureka.DefaultNotificationWorkers,
		QueuePollInterval:      eureka.DefaultQueuePollInterval.String(),
		QueueClaimTimeout:      "0s",
		StorageRetryAttempts:   eureka.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  eureka.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   eureka.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: eureka.DefaultStorageRetryMultiplier,
		DiskQueueWatch:         true,
		DiskLockFileCacheSize:  eureka.DefaultDiskLockFileCacheSize,
		S3EncryptBufferBudget:  humanizeBytes(eureka.DefaultS3SmallEncryptBufferBudget),
		KeyBundle:              bundle,
		MetricsListen:          eureka.DefaultMetricsListen,
		PprofListen:            eureka.DefaultPprofListen,
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
