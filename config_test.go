package eureka

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Store != DefaultStore || cfg.LockMode != LockModeLocal {
		t.Fatalf("unexpected store defaults: %q %q", cfg.Store, cfg.LockMode)
	}
	if cfg.AutoRollbackTimeout != 5*time.Minute || cfg.HousekeepingInterval != time.Minute {
		t.Fatalf("unexpected housekeeping defaults: %v %v", cfg.AutoRollbackTimeout, cfg.HousekeepingInterval)
	}
	if cfg.MaxRecoveryAttempts != DefaultMaxRecoveryAttempts || cfg.ExhaustedPolicy != "complete" {
		t.Fatalf("unexpected recovery defaults: %d %q", cfg.MaxRecoveryAttempts, cfg.ExhaustedPolicy)
	}
	if cfg.NotificationWorkers != DefaultNotificationWorkers || cfg.QueuePollInterval != DefaultQueuePollInterval {
		t.Fatalf("unexpected queue defaults: %d %v", cfg.NotificationWorkers, cfg.QueuePollInterval)
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 0 {
		t.Fatal("expected storage retry defaults")
	}
	if cfg.LockTTL != DefaultLockTTL {
		t.Fatalf("unexpected lock ttl %v", cfg.LockTTL)
	}
}

func TestConfigDerivesLockMode(t *testing.T) {
	cases := []struct {
		store string
		want  string
	}{
		{"local", LockModeLocal},
		{"mem://", LockModeLocal},
		{"disk:///var/lib/eureka", LockModeStore},
		{"s3://minio:9000/bucket", LockModeStore},
		{"postgresql://localhost/db", LockModeStore},
		{"consul://127.0.0.1:8500/eureka", LockModeConsul},
	}
	for _, tc := range cases {
		cfg := Config{Store: tc.store}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%s: validate: %v", tc.store, err)
		}
		if cfg.LockMode != tc.want {
			t.Fatalf("%s: lock mode %q, want %q", tc.store, cfg.LockMode, tc.want)
		}
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"unknown scheme", Config{Store: "ftp://x"}, "not supported"},
		{"bare path", Config{Store: "/var/lib/x"}, "no scheme"},
		{"negative timeout", Config{AutoRollbackTimeout: -time.Second}, "auto rollback timeout"},
		{"bad policy", Config{ExhaustedPolicy: "ignore"}, "exhausted policy"},
		{"store locks on local", Config{LockMode: LockModeStore}, "shared store"},
		{"consul locks without agent", Config{Store: "mem://", LockMode: LockModeConsul}, "consul"},
		{"unknown lock mode", Config{LockMode: "zookeeper"}, "lock mode"},
		{"short session ttl", Config{ConsulSessionTTL: time.Second}, "session ttl"},
		{"negative claim timeout", Config{QueueClaimTimeout: -time.Second}, "claim timeout"},
		{"event queue with slash", Config{EventQueue: "a/b"}, "event queue"},
		{"encryption on local", Config{StorageEncryption: true}, "encryption"},
		{"profiling without metrics", Config{EnableProfilingMetrics: true}, "metrics-listen"},
		{"retry delays inverted", Config{StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond}, "retry"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigEncryptionExpandsBundlePath(t *testing.T) {
	t.Setenv("EUREKA_TEST_KEYS", "/srv/keys")
	cfg := Config{Store: "mem://", StorageEncryption: true, StorageEncryptionSnappy: true, KeyBundlePath: "$EUREKA_TEST_KEYS/storage.pem"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.KeyBundlePath != "/srv/keys/storage.pem" {
		t.Fatalf("unexpected bundle path %q", cfg.KeyBundlePath)
	}
	plain := Config{StorageEncryptionSnappy: true}
	if err := plain.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if plain.StorageEncryptionSnappy {
		t.Fatal("snappy must be cleared when encryption is off")
	}
}
