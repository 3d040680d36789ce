package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Metadata and storage driver identifiers.
const (
	MetadataPostgres = "postgres"
	MetadataMemory   = "memory"

	StorageFilesystem = "filesystem"
	StorageMinIO      = "minio"
)

// Config aggregates runtime configuration for the registry API.
type Config struct {
	Server    ServerConfig
	Postgres  PostgresConfig
	MinIO     MinIOConfig
	Auth      AuthConfig
	Metrics   MetricsConfig
	Registry  RegistryConfig
	RateLimit RateLimitConfig
}

// ServerConfig parameterizes the HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// TrustedProxies lists addresses or CIDRs allowed to set X-Forwarded-For.
	// Empty means the client address is always the TCP peer.
	TrustedProxies []string
}

// Address returns the listen address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PostgresConfig contains PostgreSQL connection details.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// AutoMigrate applies the registry schema at startup.
	AutoMigrate bool
}

// DSN returns the PostgreSQL DSN string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// MinIOConfig carries MinIO connection and bucket information.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
}

// AuthConfig holds the settings used to verify bearer tokens issued elsewhere.
type AuthConfig struct {
	AccessTokenSecret string
	Issuer            string
	Audience          string
}

// MetricsConfig groups observability settings.
type MetricsConfig struct {
	PrometheusPath string
}

// RegistryConfig controls the publish pipeline and its backends.
type RegistryConfig struct {
	MetadataDriver string
	StorageDriver  string

	// PackagesRoot is where the filesystem backend keeps committed archives.
	PackagesRoot string
	// ScratchRoot holds spooled uploads and per-request extraction directories.
	ScratchRoot  string
	ManifestName string

	MaxArchiveBytes   int64
	MaxExtractedBytes int64
	MaxArchiveEntries int

	// MinThroughput (bytes/second) and BaseTimeout derive the processing deadline.
	MinThroughput int64
	BaseTimeout   time.Duration

	MaxConcurrentPublishes int64

	PublicBaseURL    string
	PresignDownloads bool
	PresignTTL       time.Duration
}

// ProcessingTimeout bounds extraction and storage of a single upload: a fixed
// allowance plus the time a maximum-size archive needs at MinThroughput.
func (r RegistryConfig) ProcessingTimeout() time.Duration {
	if r.MinThroughput <= 0 {
		return r.BaseTimeout
	}
	transfer := time.Duration(r.MaxArchiveBytes/r.MinThroughput) * time.Second
	return r.BaseTimeout + transfer
}

// RateLimitConfig defines the fixed-window admission quota per client address.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

// Load reads configuration values from environment variables, applying defaults.
func Load() (Config, error) {
	dataDir := getString("OAKREGISTRY_DATA_DIR", "/var/lib/oakregistry")

	cfg := Config{
		Server: ServerConfig{
			Host:         getString("OAKREGISTRY_API_HOST", "0.0.0.0"),
			Port:         getInt("OAKREGISTRY_API_PORT", 4000),
			ReadTimeout:  getDuration("OAKREGISTRY_API_READ_TIMEOUT", 2*time.Minute),
			WriteTimeout: getDuration("OAKREGISTRY_API_WRITE_TIMEOUT", 2*time.Minute),
			IdleTimeout:  getDuration("OAKREGISTRY_API_IDLE_TIMEOUT", 60*time.Second),

			TrustedProxies: getList("OAKREGISTRY_TRUSTED_PROXIES"),
		},
		Postgres: PostgresConfig{
			Host:     getString("POSTGRES_HOST", "localhost"),
			Port:     getInt("POSTGRES_PORT", 5432),
			User:     getString("POSTGRES_USER", "oakregistry"),
			Password: getString("POSTGRES_PASSWORD", "change-me"),
			Database: getString("POSTGRES_DB", "oakregistry"),
			SSLMode:  strings.ToLower(getString("POSTGRES_SSL_MODE", "disable")),

			AutoMigrate: getBool("POSTGRES_AUTO_MIGRATE", false),
		},
		MinIO: MinIOConfig{
			Endpoint:        getString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getString("MINIO_ROOT_USER", "oakregistry"),
			SecretAccessKey: getString("MINIO_ROOT_PASSWORD", "change-me-strong-password"),
			Bucket:          getString("MINIO_BUCKET", "oakregistry-packages"),
			UseSSL:          getBool("MINIO_USE_SSL", false),
			Region:          getString("MINIO_REGION", ""),
		},
		Auth: AuthConfig{
			AccessTokenSecret: getString("OAKREGISTRY_JWT_SECRET", "change-me-to-a-32-byte-secret"),
			Issuer:            getString("OAKREGISTRY_JWT_ISSUER", ""),
			Audience:          getString("OAKREGISTRY_JWT_AUDIENCE", ""),
		},
		Metrics: MetricsConfig{
			PrometheusPath: getString("OAKREGISTRY_METRICS_PATH", "/metrics"),
		},
		Registry: RegistryConfig{
			MetadataDriver:         strings.ToLower(getString("OAKREGISTRY_METADATA_DRIVER", MetadataPostgres)),
			StorageDriver:          strings.ToLower(getString("OAKREGISTRY_STORAGE_DRIVER", StorageFilesystem)),
			PackagesRoot:           getString("OAKREGISTRY_PACKAGES_DIR", filepath.Join(dataDir, "packages")),
			ScratchRoot:            getString("OAKREGISTRY_UPLOADS_DIR", filepath.Join(dataDir, "uploads")),
			ManifestName:           getString("OAKREGISTRY_MANIFEST_NAME", "oaklibs.json"),
			MaxArchiveBytes:        getInt64("OAKREGISTRY_MAX_ARCHIVE_BYTES", 100<<20),
			MaxExtractedBytes:      getInt64("OAKREGISTRY_MAX_EXTRACTED_BYTES", 512<<20),
			MaxArchiveEntries:      getInt("OAKREGISTRY_MAX_ARCHIVE_ENTRIES", 10000),
			MinThroughput:          getInt64("OAKREGISTRY_MIN_THROUGHPUT", 1<<20),
			BaseTimeout:            getDuration("OAKREGISTRY_BASE_TIMEOUT", 15*time.Second),
			MaxConcurrentPublishes: getInt64("OAKREGISTRY_MAX_CONCURRENT_PUBLISHES", 8),
			PublicBaseURL:          strings.TrimRight(getString("OAKREGISTRY_PUBLIC_BASE_URL", ""), "/"),
			PresignDownloads:       getBool("OAKREGISTRY_PRESIGN_DOWNLOADS", false),
			PresignTTL:             getDuration("OAKREGISTRY_PRESIGN_TTL", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Window:      getDuration("OAKREGISTRY_RATE_LIMIT_WINDOW", time.Minute),
			MaxRequests: getInt("OAKREGISTRY_RATE_LIMIT_MAX", 100),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Registry.MetadataDriver {
	case MetadataPostgres, MetadataMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown metadata driver %q", c.Registry.MetadataDriver))
	}
	switch c.Registry.StorageDriver {
	case StorageFilesystem, StorageMinIO:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Registry.StorageDriver))
	}
	if c.Registry.MaxArchiveBytes <= 0 {
		errs = append(errs, errors.New("max archive bytes must be positive"))
	}
	if c.Registry.MaxExtractedBytes < c.Registry.MaxArchiveBytes {
		errs = append(errs, errors.New("max extracted bytes must be at least max archive bytes"))
	}
	if c.Registry.MaxConcurrentPublishes <= 0 {
		errs = append(errs, errors.New("max concurrent publishes must be positive"))
	}
	if c.Registry.ManifestName == "" || strings.ContainsAny(c.Registry.ManifestName, `/\`) {
		errs = append(errs, fmt.Errorf("invalid manifest name %q", c.Registry.ManifestName))
	}
	for _, proxy := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err != nil && net.ParseIP(proxy) == nil {
			errs = append(errs, fmt.Errorf("invalid trusted proxy %q", proxy))
		}
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, errors.New("rate limit window and quota must be positive"))
	}
	return errors.Join(errs...)
}

func getString(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

// getList splits a comma separated value, dropping empty items.
func getList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.ToLower(strings.TrimSpace(val))
		switch val {
		case "1", "true", "t", "yes", "y":
			return true
		case "0", "false", "f", "no", "n":
			return false
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
