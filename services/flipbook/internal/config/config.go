package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the YAML config.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`

	ObjectBackend  string `yaml:"objectBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	S3Endpoint     string `yaml:"s3Endpoint"`
	S3Region       string `yaml:"s3Region"`
	S3AccessKey    string `yaml:"s3AccessKey"`
	S3SecretKey    string `yaml:"s3SecretKey"`
	S3Bucket       string `yaml:"s3Bucket"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	RendererURL            string `yaml:"rendererURL"`
	InternalTokenSecret    string `yaml:"internalTokenSecret"`
	StrictPageOrder        bool   `yaml:"strictPageOrder"`
	AnnotationDeletePolicy string `yaml:"annotationDeletePolicy"`
	DerivationConcurrency  int    `yaml:"derivationConcurrency"`
	EventBatchSize         int    `yaml:"eventBatchSize"`

	AnalyticsRateLimit         int   `yaml:"analyticsRateLimit"`
	AnalyticsRateWindowSeconds int   `yaml:"analyticsRateWindowSeconds"`
	MaxUploadBytes             int64 `yaml:"maxUploadBytes"`
	PresignExpirySeconds       int   `yaml:"presignExpirySeconds"`

	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs  []string `yaml:"trustedProxyCIDRs"`
}

// Load reads config from path (defaults to config.yaml), then an optional dotenv file
// named by ENV_FILE (default .env), then environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load env file %s: %w", envFile, err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseDriver, "DATABASE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.ObjectBackend, "OBJECT_BACKEND")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	setString(&cfg.S3Endpoint, "S3_ENDPOINT")
	setString(&cfg.S3Region, "S3_REGION")
	setString(&cfg.S3AccessKey, "S3_ACCESS_KEY")
	setString(&cfg.S3SecretKey, "S3_SECRET_KEY")
	setString(&cfg.S3Bucket, "S3_BUCKET")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.QueueName, "FLIPBOOK_QUEUE_NAME")
	setString(&cfg.QueueGroup, "FLIPBOOK_QUEUE_GROUP")
	setInt(&cfg.QueueConcurrency, "FLIPBOOK_QUEUE_CONCURRENCY")
	setInt(&cfg.QueueMaxRetries, "FLIPBOOK_QUEUE_MAX_RETRIES")
	setInt(&cfg.QueueRetryDelaySeconds, "FLIPBOOK_QUEUE_RETRY_DELAY_SECONDS")
	setString(&cfg.RendererURL, "FLIPBOOK_RENDERER_URL")
	setString(&cfg.InternalTokenSecret, "FLIPBOOK_INTERNAL_TOKEN_SECRET")
	if v := os.Getenv("FLIPBOOK_STRICT_PAGE_ORDER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StrictPageOrder = b
		}
	}
	setString(&cfg.AnnotationDeletePolicy, "FLIPBOOK_ANNOTATION_DELETE_POLICY")
	setInt(&cfg.DerivationConcurrency, "FLIPBOOK_DERIVATION_CONCURRENCY")
	setInt(&cfg.EventBatchSize, "FLIPBOOK_EVENT_BATCH_SIZE")
	setInt(&cfg.AnalyticsRateLimit, "FLIPBOOK_ANALYTICS_RATE_LIMIT")
	setInt(&cfg.AnalyticsRateWindowSeconds, "FLIPBOOK_ANALYTICS_RATE_WINDOW_SECONDS")
	if v := os.Getenv("FLIPBOOK_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	setInt(&cfg.PresignExpirySeconds, "FLIPBOOK_PRESIGN_EXPIRY_SECONDS")
	if v := os.Getenv("FLIPBOOK_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("FLIPBOOK_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "postgres"
	}
	if cfg.ObjectBackend == "" {
		cfg.ObjectBackend = "minio"
	}
	if cfg.AnnotationDeletePolicy == "" {
		cfg.AnnotationDeletePolicy = "owner"
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "flipbook:derivations"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "flipbook-derivers"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueMaxRetries <= 0 {
		cfg.QueueMaxRetries = 3
	}
	if cfg.QueueRetryDelaySeconds <= 0 {
		cfg.QueueRetryDelaySeconds = 5
	}
	if cfg.DerivationConcurrency <= 0 {
		cfg.DerivationConcurrency = 4
	}
	if cfg.EventBatchSize <= 0 {
		cfg.EventBatchSize = 500
	}
	if cfg.AnalyticsRateLimit <= 0 {
		cfg.AnalyticsRateLimit = 120
	}
	if cfg.AnalyticsRateWindowSeconds <= 0 {
		cfg.AnalyticsRateWindowSeconds = 60
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 200 << 20
	}
	if cfg.PresignExpirySeconds <= 0 {
		cfg.PresignExpirySeconds = 900
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: databaseDriver must be postgres or sqlite, got %q", cfg.DatabaseDriver)
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.ObjectBackend {
	case "minio":
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required (set in config.yaml)")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required (set in config.yaml)")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			return errors.New("config: s3Bucket is required (set in config.yaml)")
		}
		if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			return errors.New("config: s3AccessKey and s3SecretKey are required")
		}
	case "memory":
	default:
		return fmt.Errorf("config: objectBackend must be minio, s3 or memory, got %q", cfg.ObjectBackend)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.RendererURL == "" {
		return errors.New("config: rendererURL is required (set in config.yaml)")
	}
	if len(cfg.InternalTokenSecret) < 32 {
		return errors.New("config: internalTokenSecret must be at least 32 bytes (set in config.yaml or FLIPBOOK_INTERNAL_TOKEN_SECRET)")
	}
	switch cfg.AnnotationDeletePolicy {
	case "owner", "any":
	default:
		return fmt.Errorf("config: annotationDeletePolicy must be owner or any, got %q", cfg.AnnotationDeletePolicy)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
