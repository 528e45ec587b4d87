package eureka

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/levigo/neverpile-eureka-sub002/taskqueue"
	"github.com/levigo/neverpile-eureka-sub002/wal"
)

const (
	// LockModeLocal keeps locks inside the process.
	LockModeLocal = "local"
	// LockModeStore emulates read/write locks with lease objects on the store.
	LockModeStore = "store"
	// LockModeConsul uses Consul sessions. Requires a consul:// store or ConsulAddress.
	LockModeConsul = "consul"
)

const (
	// DefaultStore runs every primitive in-process.
	DefaultStore = "local"
	// DefaultAutoRollbackTimeout is the age after which an incomplete
	// transaction is considered abandoned.
	DefaultAutoRollbackTimeout = wal.DefaultAutoRollbackTimeout
	// DefaultHousekeepingInterval is the pause between housekeeping cycles.
	DefaultHousekeepingInterval = wal.DefaultHousekeepingInterval
	// DefaultMaxRecoveryAttempts bounds failed rollbacks per transaction.
	DefaultMaxRecoveryAttempts = wal.DefaultMaxRecoveryAttempts
	// DefaultExhaustedPolicy force-completes transactions that exhausted their recovery attempts.
	DefaultExhaustedPolicy = string(wal.PolicyComplete)
	// DefaultNotificationWorkers sizes the queue listener pool.
	DefaultNotificationWorkers = taskqueue.DefaultNotificationWorkers
	// DefaultLockTTL is the lease lifetime of store-emulated locks.
	DefaultLockTTL = 30 * time.Second
	// DefaultConsulSessionTTL is the session TTL of Consul locks.
	DefaultConsulSessionTTL = 15 * time.Second
	// DefaultQueuePollInterval is the scan interval of store queues.
	DefaultQueuePollInterval = 5 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultDiskLockFileCacheSize caps cached lockfile descriptors (disk/NFS).
	DefaultDiskLockFileCacheSize = 2048
	// DefaultS3SmallEncryptBufferBudget caps bytes buffered to size non-seekable S3 bodies.
	DefaultS3SmallEncryptBufferBudget = 64 * 1024 * 1024
	// DefaultMetricsListen is empty, which disables the Prometheus endpoint.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty, which disables pprof.
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultKeyBundleName is the kryptograf key bundle used for encryption at rest.
	DefaultKeyBundleName = "storage.pem"
)

// Config captures the tunables for a Toolkit.
type Config struct {
	// Store selects the substrate: local, mem://, disk:///path, bolt:///file,
	// s3://host/bucket/prefix, aws://bucket/prefix, azure://account/container,
	// consul://host:port/prefix or postgres://...
	Store string

	// AutoRollbackTimeout is the age at which housekeeping rolls back an
	// incomplete transaction.
	AutoRollbackTimeout time.Duration
	// HousekeepingInterval is the pause between housekeeping cycles.
	HousekeepingInterval time.Duration
	// MaxRecoveryAttempts bounds failed rollbacks before ExhaustedPolicy applies.
	MaxRecoveryAttempts int
	// ExhaustedPolicy is "complete" (force completion) or "retain" (keep the record for an operator).
	ExhaustedPolicy string
	// RollbackRate caps rollbacks per second during housekeeping; zero is unlimited.
	RollbackRate float64
	// RollbackBurst is the limiter burst when RollbackRate is set.
	RollbackBurst int
	// DisableHousekeeping prevents the toolkit from starting the housekeeping loop.
	DisableHousekeeping bool

	// LockMode is local, store or consul. Empty derives it from Store.
	LockMode string
	// LockTTL is the lease lifetime of store-emulated locks.
	LockTTL time.Duration
	// ConsulSessionTTL is the session TTL of Consul locks.
	ConsulSessionTTL time.Duration

	// NotificationWorkers bounds concurrent queue listener callbacks.
	NotificationWorkers int
	// QueuePollInterval is the scan interval of store queues.
	QueuePollInterval time.Duration
	// QueueClaimTimeout makes stale INPROCESS elements claimable again; zero disables.
	QueueClaimTimeout time.Duration
	// EventQueue receives housekeeping events when non-empty.
	EventQueue string

	// StorageRetryMaxAttempts caps transient backend retry attempts.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is exponential retry base delay for backend operations.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps backend retry backoff.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier is exponential growth factor for backend retries.
	StorageRetryMultiplier float64
	// DisableStorageTracing disables OpenTelemetry spans in storage backends.
	DisableStorageTracing bool

	// DiskQueueWatch enables the fsnotify change feed on disk stores.
	DiskQueueWatch bool
	// DiskLockFileCacheSize caps cached lock-file descriptors for disk/NFS locking.
	DiskLockFileCacheSize int

	// S3SSE controls server-side encryption mode for S3 writes (AES256 or aws:kms).
	S3SSE string
	// S3KMSKeyID is the KMS key identifier for SSE-KMS.
	S3KMSKeyID string
	// S3AccessKeyID sets a static S3 access key.
	S3AccessKeyID string
	// S3SecretAccessKey sets a static S3 secret.
	S3SecretAccessKey string
	// S3SessionToken sets an optional session token for temporary S3 credentials.
	S3SessionToken string
	// S3SmallEncryptBufferBudget caps bytes buffered to size non-seekable bodies.
	S3SmallEncryptBufferBudget int64
	// AWSRegion sets the region for aws:// stores.
	AWSRegion string

	// AzureAccount is the Azure storage account name.
	AzureAccount string
	// AzureAccountKey is the shared-key credential for Azure Blob.
	AzureAccountKey string
	// AzureEndpoint overrides the Azure Blob endpoint URL.
	AzureEndpoint string
	// AzureSASToken configures SAS-token auth for Azure Blob.
	AzureSASToken string

	// ConsulAddress points consul locks at an agent when the store is not consul://.
	ConsulAddress string
	// ConsulToken is the ACL token for Consul requests.
	ConsulToken string
	// ConsulDatacenter selects a datacenter other than the agent's.
	ConsulDatacenter string

	// StorageEncryption enables kryptograf envelope encryption at rest.
	StorageEncryption bool
	// StorageEncryptionSnappy compresses payloads before encryption.
	StorageEncryptionSnappy bool
	// KeyBundlePath is the PEM bundle holding the kryptograf root key.
	KeyBundlePath string

	// MetricsListen is the Prometheus endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	scheme, err := storeScheme(c.Store)
	if err != nil {
		return err
	}
	if c.AutoRollbackTimeout == 0 {
		c.AutoRollbackTimeout = DefaultAutoRollbackTimeout
	} else if c.AutoRollbackTimeout < 0 {
		return fmt.Errorf("config: auto rollback timeout must be > 0")
	}
	if c.HousekeepingInterval == 0 {
		c.HousekeepingInterval = DefaultHousekeepingInterval
	} else if c.HousekeepingInterval < 0 {
		return fmt.Errorf("config: housekeeping interval must be > 0")
	}
	if c.MaxRecoveryAttempts == 0 {
		c.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	} else if c.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("config: max recovery attempts must be > 0")
	}
	c.ExhaustedPolicy = strings.ToLower(strings.TrimSpace(c.ExhaustedPolicy))
	if c.ExhaustedPolicy == "" {
		c.ExhaustedPolicy = DefaultExhaustedPolicy
	}
	switch wal.ExhaustedPolicy(c.ExhaustedPolicy) {
	case wal.PolicyComplete, wal.PolicyRetain:
	default:
		return fmt.Errorf("config: exhausted policy must be %q or %q", wal.PolicyComplete, wal.PolicyRetain)
	}
	if c.RollbackRate < 0 {
		return fmt.Errorf("config: rollback rate must be >= 0")
	}
	if c.RollbackRate > 0 && c.RollbackBurst <= 0 {
		c.RollbackBurst = 1
	}

	c.LockMode = strings.ToLower(strings.TrimSpace(c.LockMode))
	if c.LockMode == "" {
		c.LockMode = defaultLockMode(scheme)
	}
	switch c.LockMode {
	case LockModeLocal:
	case LockModeStore:
		if scheme == "local" {
			return fmt.Errorf("config: lock mode %q needs a shared store, got %q", LockModeStore, c.Store)
		}
	case LockModeConsul:
		if scheme == "local" {
			return fmt.Errorf("config: lock mode %q needs a shared store for reader counts, got %q", LockModeConsul, c.Store)
		}
		if scheme != "consul" && strings.TrimSpace(c.ConsulAddress) == "" {
			return fmt.Errorf("config: lock mode %q needs a consul:// store or consul address", LockModeConsul)
		}
	default:
		return fmt.Errorf("config: lock mode must be one of %q, %q or %q", LockModeLocal, LockModeStore, LockModeConsul)
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	} else if c.LockTTL < 0 {
		return fmt.Errorf("config: lock ttl must be > 0")
	}
	if c.ConsulSessionTTL == 0 {
		c.ConsulSessionTTL = DefaultConsulSessionTTL
	} else if c.ConsulSessionTTL < 10*time.Second {
		return fmt.Errorf("config: consul session ttl must be >= 10s")
	}

	if c.NotificationWorkers == 0 {
		c.NotificationWorkers = DefaultNotificationWorkers
	} else if c.NotificationWorkers < 0 {
		return fmt.Errorf("config: notification workers must be > 0")
	}
	if c.QueuePollInterval == 0 {
		c.QueuePollInterval = DefaultQueuePollInterval
	} else if c.QueuePollInterval < 0 {
		return fmt.Errorf("config: queue poll interval must be > 0")
	}
	if c.QueueClaimTimeout < 0 {
		return fmt.Errorf("config: queue claim timeout must be >= 0")
	}
	c.EventQueue = strings.TrimSpace(c.EventQueue)
	if strings.Contains(c.EventQueue, "/") {
		return fmt.Errorf("config: event queue name %q must not contain '/'", c.EventQueue)
	}

	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.DiskLockFileCacheSize == 0 {
		c.DiskLockFileCacheSize = DefaultDiskLockFileCacheSize
	}
	if c.S3SmallEncryptBufferBudget == 0 {
		c.S3SmallEncryptBufferBudget = DefaultS3SmallEncryptBufferBudget
	}

	if c.StorageEncryption {
		if scheme == "local" {
			return fmt.Errorf("config: storage encryption needs an object store, got %q", c.Store)
		}
		if c.KeyBundlePath == "" {
			path, err := DefaultKeyBundlePath()
			if err != nil {
				return fmt.Errorf("config: resolve key bundle: %w", err)
			}
			c.KeyBundlePath = path
		}
		path, err := expandPath(c.KeyBundlePath)
		if err != nil {
			return fmt.Errorf("config: expand key bundle path: %w", err)
		}
		c.KeyBundlePath = path
	} else {
		c.StorageEncryptionSnappy = false
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// storeScheme returns the normalised scheme of a store URL. The bare word
// "local" is accepted as a scheme of its own.
func storeScheme(store string) (string, error) {
	if store == "local" || store == "local://" {
		return "local", nil
	}
	u, err := url.Parse(store)
	if err != nil {
		return "", fmt.Errorf("config: parse store URL: %w", err)
	}
	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "mem", "memory":
		return "mem", nil
	case "postgresql":
		return "postgres", nil
	case "disk", "bolt", "s3", "aws", "azure", "consul", "postgres":
		return scheme, nil
	case "":
		return "", fmt.Errorf("config: store %q has no scheme", store)
	default:
		return "", fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
}

func defaultLockMode(scheme string) string {
	switch scheme {
	case "local", "mem":
		return LockModeLocal
	case "consul":
		return LockModeConsul
	default:
		return LockModeStore
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.eureka).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("EUREKA_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".eureka"), nil
}

// DefaultKeyBundlePath returns the default kryptograf key bundle location.
func DefaultKeyBundlePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultKeyBundleName), nil
}

// expandPath expands environment variables and a leading "~/".
func expandPath(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p, nil
}
