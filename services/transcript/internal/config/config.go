package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "config.yaml"

// ConfigPath is the config file location; TRANSCRIPT_CONFIG overrides it.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("TRANSCRIPT_CONFIG")); v != "" {
		return v
	}
	return defaultConfigPath
}

const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// FileConfig represents configuration loaded from YAML, overlaid by environment variables.
type FileConfig struct {
	Port     string `yaml:"port" env:"PORT"`
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`

	FirebaseProjectID string        `yaml:"firebaseProjectId" env:"FIREBASE_PROJECT_ID"`
	JWKSURL           string        `yaml:"jwksURL" env:"TRANSCRIPT_JWKS_URL"`
	JWTIssuer         string        `yaml:"jwtIssuer" env:"JWT_ISSUER"`
	JWTAudience       string        `yaml:"jwtAudience" env:"JWT_AUDIENCE"`
	JWTLeeway         time.Duration `yaml:"jwtLeeway" env:"JWT_LEEWAY"`

	StoreBackend    string        `yaml:"storeBackend" env:"TRANSCRIPT_STORE_BACKEND"`
	StoreTimeout    time.Duration `yaml:"storeTimeout" env:"TRANSCRIPT_STORE_TIMEOUT"`
	MongoURI        string        `yaml:"mongoURI" env:"MONGO_URI"`
	MongoDatabase   string        `yaml:"mongoDatabase" env:"MONGO_DATABASE"`
	MongoCollection string        `yaml:"mongoCollection" env:"MONGO_COLLECTION"`
	DatabaseURL     string        `yaml:"databaseURL" env:"DATABASE_URL"`
	SQLitePath      string        `yaml:"sqlitePath" env:"TRANSCRIPT_SQLITE_PATH"`

	LLMProvider    string        `yaml:"llmProvider" env:"LLM_PROVIDER"`
	LLMBaseURL     string        `yaml:"llmBaseURL" env:"LLM_BASE_URL"`
	LLMAPIKey      string        `yaml:"llmAPIKey" env:"LLM_API_KEY"`
	LLMModel       string        `yaml:"llmModel" env:"LLM_MODEL"`
	LLMTemperature *float32      `yaml:"llmTemperature" env:"LLM_TEMPERATURE"`
	LLMTimeout     time.Duration `yaml:"llmTimeout" env:"LLM_TIMEOUT"`

	VisionAPIKey   string        `yaml:"visionAPIKey" env:"GOOGLE_VISION_API_KEY"`
	VisionEndpoint string        `yaml:"visionEndpoint" env:"GOOGLE_VISION_ENDPOINT"`
	OCRTimeout     time.Duration `yaml:"ocrTimeout" env:"OCR_TIMEOUT"`
	MaxUploadBytes int64         `yaml:"maxUploadBytes" env:"TRANSCRIPT_MAX_UPLOAD_BYTES"`

	RedisAddr                   string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword               string `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	SummarizeRateLimitPerMinute int    `yaml:"summarizeRateLimitPerMinute" env:"TRANSCRIPT_SUMMARIZE_RATE_LIMIT_PER_MINUTE"`
	OCRRateLimitPerMinute       int    `yaml:"ocrRateLimitPerMinute" env:"TRANSCRIPT_OCR_RATE_LIMIT_PER_MINUTE"`

	MinioEndpoint  string `yaml:"minioEndpoint" env:"MINIO_ENDPOINT"`
	MinioAccessKey string `yaml:"minioAccessKey" env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `yaml:"minioSecretKey" env:"MINIO_SECRET_KEY"`
	MinioBucket    string `yaml:"minioBucket" env:"MINIO_BUCKET"`
	MinioUseSSL    bool   `yaml:"minioUseSSL" env:"MINIO_USE_SSL"`

	OTelEndpoint string `yaml:"otelEndpoint" env:"TRANSCRIPT_OTEL_ENDPOINT"`

	AllowedOrigins    []string `yaml:"allowedOrigins" env:"TRANSCRIPT_ALLOWED_ORIGINS" envSeparator:","`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs" env:"TRANSCRIPT_TRUSTED_PROXY_CIDRS" envSeparator:","`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and defaults, then validates. A missing file at the default
// location is allowed so the service can run from environment alone.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreMongo
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.MongoDatabase == "" {
		cfg.MongoDatabase = "mednote"
	}
	if cfg.MongoCollection == "" {
		cfg.MongoCollection = "transcripts"
	}
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "openai-compat"
	}
	if cfg.LLMTemperature == nil {
		t := float32(0.5)
		cfg.LLMTemperature = &t
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 60 * time.Second
	}
	if cfg.OCRTimeout <= 0 {
		cfg.OCRTimeout = 30 * time.Second
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.SummarizeRateLimitPerMinute == 0 {
		cfg.SummarizeRateLimitPerMinute = 10
	}
	if cfg.OCRRateLimitPerMinute == 0 {
		cfg.OCRRateLimitPerMinute = 20
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.FirebaseProjectID == "" && (cfg.JWTIssuer == "" || cfg.JWTAudience == "") {
		return errors.New("config: firebaseProjectId (or jwtIssuer and jwtAudience) is required")
	}
	if cfg.JWTLeeway < 0 {
		return errors.New("config: jwtLeeway must be >= 0")
	}
	switch cfg.StoreBackend {
	case StoreMongo:
		if cfg.MongoURI == "" {
			return errors.New("config: mongoURI is required for the mongo store (set in config.yaml or MONGO_URI)")
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres store (set in config.yaml or DATABASE_URL)")
		}
	case StoreSQLite:
		if cfg.SQLitePath == "" {
			return errors.New("config: sqlitePath is required for the sqlite store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unknown storeBackend %q", cfg.StoreBackend)
	}
	switch cfg.LLMProvider {
	case "openai-compat":
		if cfg.LLMAPIKey == "" && cfg.LLMBaseURL == "" {
			return errors.New("config: llmAPIKey is required for the default Groq endpoint (set in config.yaml or LLM_API_KEY)")
		}
	case "openai", "gemini":
		if cfg.LLMAPIKey == "" {
			return errors.New("config: llmAPIKey is required (set in config.yaml or LLM_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown llmProvider %q", cfg.LLMProvider)
	}
	if t := *cfg.LLMTemperature; t < 0 || t > 2 {
		return errors.New("config: llmTemperature must be between 0 and 2")
	}
	if cfg.SummarizeRateLimitPerMinute < 0 || cfg.OCRRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioBucket, minioAccessKey and minioSecretKey are required when minioEndpoint is set")
	}
	return nil
}
