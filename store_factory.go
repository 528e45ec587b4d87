package eureka

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	consulapi "github.com/hashicorp/consul/api"
	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	awsstore "github.com/levigo/neverpile-eureka-sub002/internal/storage/aws"
	azurestore "github.com/levigo/neverpile-eureka-sub002/internal/storage/azure"
	boltstore "github.com/levigo/neverpile-eureka-sub002/internal/storage/bolt"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/consulkv"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/disk"
	loggingbackend "github.com/levigo/neverpile-eureka-sub002/internal/storage/logging"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/memory"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/postgres"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/retry"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// S3ConfigResult bundles a parsed s3:// store with its credential summary.
type S3ConfigResult struct {
	Config      s3.Config
	Credentials CredentialSummary
}

// AWSConfigResult bundles a parsed aws:// store with its credential summary.
type AWSConfigResult struct {
	Config      awsstore.Config
	Credentials CredentialSummary
}

// openedStore is the substrate behind a Toolkit. backend is nil for the
// local scheme.
type openedStore struct {
	scheme  string
	backend storage.Backend
	raw     storage.Backend
	consul  *consulapi.Client
}

// openStore opens the backend selected by cfg.Store and decorates it with
// encryption, tracing and transient-error retries. cfg must be validated.
func openStore(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (*openedStore, error) {
	scheme, err := storeScheme(cfg.Store)
	if err != nil {
		return nil, err
	}
	if scheme == "local" {
		return &openedStore{scheme: scheme}, nil
	}
	raw, consul, err := openBackend(ctx, cfg, scheme, logger)
	if err != nil {
		return nil, err
	}
	backend := raw
	if cfg.StorageEncryption {
		crypto, err := openCrypto(cfg)
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
		backend = storage.NewEncryptedBackend(backend, crypto)
		logger.Info("storage.encryption.enabled", "snappy", cfg.StorageEncryptionSnappy, "bundle", cfg.KeyBundlePath)
	}
	storageLogger := logger.With("svc", "storage")
	if !cfg.DisableStorageTracing {
		backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), "storage."+scheme)
	}
	backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	if consul == nil && cfg.LockMode == LockModeConsul {
		consul, err = newConsulClient(cfg, cfg.ConsulAddress)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
	}
	return &openedStore{scheme: scheme, backend: backend, raw: raw, consul: consul}, nil
}

func openCrypto(cfg Config) (*storage.Crypto, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.KeyBundlePath), 0o700); err != nil {
		return nil, fmt.Errorf("storage crypto: prepare bundle dir: %w", err)
	}
	root, err := storage.LoadRootKey(cfg.KeyBundlePath)
	if err != nil {
		return nil, err
	}
	return storage.NewCrypto(storage.CryptoConfig{
		Enabled: true,
		RootKey: root,
		Snappy:  cfg.StorageEncryptionSnappy,
	})
}

func openBackend(ctx context.Context, cfg Config, scheme string, logger pslog.Logger) (storage.Backend, *consulapi.Client, error) {
	switch scheme {
	case "mem":
		return memory.New(), nil, nil
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		diskCfg.Logger = logger
		backend, err := disk.New(diskCfg)
		if err != nil {
			return nil, nil, err
		}
		enabled, reason := backend.ChangeFeedStatus()
		logger.Info("storage.disk.change_feed", "enabled", enabled, "reason", reason)
		return backend, nil, nil
	case "bolt":
		boltCfg, err := BuildBoltConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		backend, err := boltstore.Open(boltCfg)
		return backend, nil, err
	case "s3":
		res, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, nil, err
		}
		backend, err := s3.New(res.Config)
		if err != nil {
			return nil, nil, err
		}
		if err := ensureBucket(ctx, backend.Config().Bucket, backend.BucketExists); err != nil {
			return nil, nil, err
		}
		return backend, nil, nil
	case "aws":
		res, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		backend, err := awsstore.New(res.Config)
		if err != nil {
			return nil, nil, err
		}
		if err := ensureBucket(ctx, res.Config.Bucket, backend.BucketExists); err != nil {
			return nil, nil, err
		}
		return backend, nil, nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		backend, err := azurestore.New(azureCfg)
		return backend, nil, err
	case "consul":
		consulCfg, err := BuildConsulConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		consulCfg.Logger = logger
		backend, err := consulkv.New(consulCfg)
		if err != nil {
			return nil, nil, err
		}
		return backend, backend.Client(), nil
	case "postgres":
		backend, err := postgres.Open(ctx, postgres.Config{ConnStr: cfg.Store, Logger: logger})
		return backend, nil, err
	default:
		return nil, nil, fmt.Errorf("store scheme %q not supported", scheme)
	}
}

func ensureBucket(ctx context.Context, bucket string, exists func(context.Context) (bool, error)) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := exists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (S3ConfigResult, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return S3ConfigResult{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return S3ConfigResult{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return S3ConfigResult{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return S3ConfigResult{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if ok, set := queryBool(query, "tls"); set {
		secure = ok
	}
	if ok, set := queryBool(query, "insecure"); set && ok {
		secure = false
	}
	forcePath, _ := queryBool(query, "path-style")
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return S3ConfigResult{Credentials: summary}, err
	}
	return S3ConfigResult{
		Config: s3.Config{
			Endpoint:       endpoint,
			Region:         query.Get("region"),
			Bucket:         bucket,
			Prefix:         prefix,
			Insecure:       !secure,
			ForcePathStyle: forcePath,
			BufferBudget:   cfg.S3SmallEncryptBufferBudget,
			ServerSideEnc:  cfg.S3SSE,
			KMSKeyID:       kmsKey,
			CustomCreds:    cred,
		},
		Credentials: summary,
	}, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 with regional configuration.
func BuildAWSConfig(cfg Config) (AWSConfigResult, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return AWSConfigResult{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return AWSConfigResult{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return AWSConfigResult{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(u.Path, "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return AWSConfigResult{}, fmt.Errorf("aws store requires region (set --aws-region or EUREKA_AWS_REGION)")
	}
	insecure, _ := queryBool(query, "insecure")
	pathStyle, _ := queryBool(query, "path-style")
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	creds, summary := resolveAWSCredentials(cfg)
	return AWSConfigResult{
		Config: awsstore.Config{
			Endpoint:      query.Get("endpoint"),
			Region:        region,
			Bucket:        bucket,
			Prefix:        prefix,
			Insecure:      insecure,
			PathStyle:     pathStyle,
			ServerSideEnc: cfg.S3SSE,
			KMSKeyID:      kmsKey,
			Credentials:   creds,
		},
		Credentials: summary,
	}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("EUREKA_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("EUREKA_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("EUREKA_S3_SESSION_TOKEN")
		source = "env:EUREKA_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSummary{Source: "anonymous"}, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// resolveAWSCredentials returns a static provider when keys are configured
// and leaves the SDK default chain in charge otherwise.
func resolveAWSCredentials(cfg Config) (awssdk.CredentialsProvider, CredentialSummary) {
	if access := strings.TrimSpace(cfg.S3AccessKeyID); access != "" {
		provider := awscredentials.NewStaticCredentialsProvider(access, cfg.S3SecretAccessKey, cfg.S3SessionToken)
		return provider, CredentialSummary{AccessKey: access, HasSecret: cfg.S3SecretAccessKey != "", Source: "config"}
	}
	summary := CredentialSummary{Source: "auto"}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	}
	return nil, summary
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("EUREKA_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("EUREKA_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root := hostPath(u)
	if root == "" {
		return disk.Config{}, "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/eureka)")
	}
	return disk.Config{
		Root:          root,
		ChangeFeed:    cfg.DiskQueueWatch,
		LockFileCache: cfg.DiskLockFileCacheSize,
	}, root, nil
}

// BuildBoltConfig parses bolt:// URLs into a bolt.Config.
func BuildBoltConfig(cfg Config) (boltstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return boltstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "bolt" {
		return boltstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	path := hostPath(u)
	if path == "" {
		return boltstore.Config{}, fmt.Errorf("bolt store path required (e.g. bolt:///var/lib/eureka/coord.db)")
	}
	noSync, _ := queryBool(u.Query(), "nosync")
	return boltstore.Config{Path: path, NoSync: noSync}, nil
}

// BuildConsulConfig parses consul://host:port/prefix URLs.
func BuildConsulConfig(cfg Config) (consulkv.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return consulkv.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "consul" {
		return consulkv.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	query := u.Query()
	scheme := "http"
	if ok, set := queryBool(query, "tls"); set && ok {
		scheme = "https"
	}
	token := cfg.ConsulToken
	if token == "" {
		token = firstEnv("EUREKA_CONSUL_TOKEN", "CONSUL_HTTP_TOKEN")
	}
	dc := cfg.ConsulDatacenter
	if v := query.Get("dc"); v != "" {
		dc = v
	}
	return consulkv.Config{
		Address:    strings.TrimSpace(u.Host),
		Scheme:     scheme,
		Token:      token,
		Datacenter: dc,
		Prefix:     strings.Trim(u.Path, "/"),
	}, nil
}

func newConsulClient(cfg Config, address string) (*consulapi.Client, error) {
	apiCfg := consulapi.DefaultConfig()
	if address != "" {
		apiCfg.Address = address
	}
	if cfg.ConsulToken != "" {
		apiCfg.Token = cfg.ConsulToken
	}
	if cfg.ConsulDatacenter != "" {
		apiCfg.Datacenter = cfg.ConsulDatacenter
	}
	client, err := consulapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("consul: new client: %w", err)
	}
	return client, nil
}

func splitBucketPath(p string) (string, string) {
	path := strings.Trim(p, "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.Trim(parts[1], "/")
	}
	return strings.TrimSpace(parts[0]), ""
}

// hostPath joins host and path so both disk:///abs and disk://rel/dir work.
func hostPath(u *url.URL) string {
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return ""
	}
	return filepath.Clean(pathPart)
}

func queryBool(q url.Values, name string) (value, set bool) {
	raw := q.Get(name)
	if raw == "" {
		return false, false
	}
	ok, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return ok, true
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
