package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/amillerrr/vidshrink/internal/decision"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	AWS           AWSConfig
	API           APIConfig
	Worker        WorkerConfig
	Media         MediaConfig
	Policy        decision.Policy
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region        string
	SourceBucket  string
	ResultBucket  string
	LibraryBucket string
	LibraryPrefix string
	SQSQueueURL   string
	DynamoDBTable string
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port      string
	Username  string
	Password  string
	JWTSecret string
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs  int
	MetricsPort        int
	WorkDir            string
	CancelPollInterval time.Duration
	// ProgressStep is the smallest progress change, in percent, written to
	// the job record.
	ProgressStep int
}

// MediaConfig holds the ffmpeg tooling and local output settings.
type MediaConfig struct {
	FFmpegPath      string
	FFprobePath     string
	EncoderProfile  string
	MoviesDir       string
	LibraryDir      string
	ThumbnailMaxDim int
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default values
const (
	DefaultPort               = "8080"
	DefaultMetricsPort        = 2112
	DefaultMaxConcurrentJobs  = 1
	DefaultOTLPEndpoint       = "localhost:4317"
	DefaultRegion             = "us-west-2"
	DefaultWorkDir            = "/tmp/vidshrink"
	DefaultCancelPollInterval = 2 * time.Second
	DefaultProgressStep       = 5
	DefaultMoviesDir          = "Movies"
	DefaultThumbnailMaxDim    = 0
)

// Load reads configuration from environment variables. The decision policy
// starts from decision.DefaultPolicy, is overlaid with POLICY_FILE when set,
// and finally with the individual policy env vars.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		AWS: AWSConfig{
			Region:        getEnv("AWS_REGION", DefaultRegion),
			SourceBucket:  os.Getenv("S3_BUCKET"),
			ResultBucket:  os.Getenv("RESULT_BUCKET"),
			LibraryBucket: os.Getenv("LIBRARY_BUCKET"),
			LibraryPrefix: getEnv("LIBRARY_PREFIX", "library"),
			SQSQueueURL:   os.Getenv("SQS_QUEUE_URL"),
			DynamoDBTable: os.Getenv("DYNAMODB_TABLE"),
		},
		API: APIConfig{
			Port:      getEnv("PORT", DefaultPort),
			Username:  os.Getenv("API_USERNAME"),
			Password:  os.Getenv("API_PASSWORD"),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs:  getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			MetricsPort:        getEnvInt("METRICS_PORT", DefaultMetricsPort),
			WorkDir:            getEnv("WORK_DIR", DefaultWorkDir),
			CancelPollInterval: getEnvDuration("CANCEL_POLL_INTERVAL", DefaultCancelPollInterval),
			ProgressStep:       getEnvInt("PROGRESS_STEP", DefaultProgressStep),
		},
		Media: MediaConfig{
			FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:     getEnv("FFPROBE_PATH", "ffprobe"),
			EncoderProfile:  getEnv("ENCODER_PROFILE", "default"),
			MoviesDir:       getEnv("MOVIES_DIR", DefaultMoviesDir),
			LibraryDir:      os.Getenv("LIBRARY_DIR"),
			ThumbnailMaxDim: getEnvInt("THUMBNAIL_MAX_DIM", DefaultThumbnailMaxDim),
		},
		Policy: decision.DefaultPolicy(),
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
			}),
		},
	}

	if path := os.Getenv("POLICY_FILE"); path != "" {
		if err := LoadPolicyFile(path, &cfg.Policy); err != nil {
			return nil, err
		}
	}
	cfg.Policy.DensityMbpsPerMegapixel = getEnvFloat("BITRATE_DENSITY_K", cfg.Policy.DensityMbpsPerMegapixel)
	cfg.Policy.Align = getEnvBool("ALIGN_OUTPUT", cfg.Policy.Align)

	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("decision policy: %w", err)
	}
	return cfg, nil
}

// LoadPolicyFile overlays the YAML document at path onto policy. Keys absent
// from the file keep their current values.
func LoadPolicyFile(path string, policy *decision.Policy) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return nil
}

// LoadAPI loads configuration required for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker loads configuration required for the Worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateAPI validates configuration required for the API service.
func (c *Config) ValidateAPI() error {
	var errs []string

	if c.AWS.SourceBucket == "" {
		errs = append(errs, "S3_BUCKET is required")
	}
	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}
	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}

	// In production, require explicit credentials
	if c.IsProduction() {
		if c.API.Username == "" {
			errs = append(errs, "API_USERNAME is required in production")
		}
		if c.API.Password == "" {
			errs = append(errs, "API_PASSWORD is required in production")
		}
		if c.API.JWTSecret == "" {
			errs = append(errs, "JWT_SECRET is required in production")
		}
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateWorker validates configuration required for the Worker service.
func (c *Config) ValidateWorker() error {
	var errs []string

	if c.AWS.SourceBucket == "" {
		errs = append(errs, "S3_BUCKET is required")
	}
	if c.AWS.ResultBucket == "" {
		errs = append(errs, "RESULT_BUCKET is required")
	}
	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}
	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}
	if c.Worker.WorkDir == "" {
		errs = append(errs, "WORK_DIR is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// GetAPICredentials returns API credentials with fallback for development.
func (c *Config) GetAPICredentials() (username, password string, err error) {
	username = c.API.Username
	password = c.API.Password

	if username == "" || password == "" {
		if c.IsProduction() {
			return "", "", errors.New("API credentials not configured")
		}
		// Development fallback
		return "admin", "secret", nil
	}

	return username, password, nil
}

// GetJWTSecret returns the JWT secret.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
