// Package config loads the service configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Mongo     MongoConfig     `yaml:"mongo"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Minio     MinioConfig     `yaml:"minio"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Billing   BillingConfig   `yaml:"billing"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Timezone  string          `yaml:"timezone"`
}

// OAuthConfig holds the identity-provider credentials used to refresh IMAP
// access tokens for oauth2 accounts.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// RedisConfig holds connection settings for the queue and caches.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	SSL      bool   `yaml:"ssl"`
}

// Addr returns the host:port pair for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MongoConfig holds the document-warehouse connection settings.
type MongoConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// OpenAIConfig holds the LLM extractor settings.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured LLM call deadline as a duration.
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MinioConfig holds the optional object-store settings. Storage is disabled
// when Endpoint is empty; local scratch is always used.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether remote object storage is configured.
func (c MinioConfig) Enabled() bool { return c.Endpoint != "" }

// SchedulerConfig holds the per-tenant fan-out scheduler settings.
type SchedulerConfig struct {
	IntervalMinutes int  `yaml:"interval_minutes"`
	RestoreOnBoot   bool `yaml:"restore_on_boot"`
	OwnerTTLSeconds int  `yaml:"owner_ttl_seconds"`
}

// Interval returns the fan-out cadence as a duration.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// OwnerTTL returns the ownership-lease TTL as a duration.
func (c SchedulerConfig) OwnerTTL() time.Duration {
	return time.Duration(c.OwnerTTLSeconds) * time.Second
}

// BillingConfig holds the recurring billing loop settings.
type BillingConfig struct {
	PagoparBaseURL    string `yaml:"pagopar_base_url"`
	PagoparPublicKey  string `yaml:"pagopar_public_key"`
	PagoparPrivateKey string `yaml:"pagopar_private_key"`
	RunHourLocal      int    `yaml:"run_hour_local"`
}

// ArtifactConfig holds the binary artifact store settings.
type ArtifactConfig struct {
	TempDir string `yaml:"temp_dir"`
}

// SecretsConfig holds the at-rest encryption settings for email accounts.
type SecretsConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars on the cluster.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		cfg.Redis.Port = atoiDefault(v, cfg.Redis.Port)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.Redis.DB = atoiDefault(v, cfg.Redis.DB)
	}
	if v := os.Getenv("REDIS_SSL"); v != "" {
		cfg.Redis.SSL = v == "true" || v == "1"
	}
	if v := os.Getenv("MONGODB_URL"); v != "" {
		cfg.Mongo.URL = v
	}
	if v := os.Getenv("MONGODB_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAI.Model = v
	}
	if v := os.Getenv("JOB_INTERVAL_MINUTES"); v != "" {
		cfg.Scheduler.IntervalMinutes = atoiDefault(v, cfg.Scheduler.IntervalMinutes)
	}
	if v := os.Getenv("JOB_RESTORE_ON_BOOT"); v != "" {
		cfg.Scheduler.RestoreOnBoot = v == "true" || v == "1"
	}
	if v := os.Getenv("JOB_OWNER_TTL_SECONDS"); v != "" {
		cfg.Scheduler.OwnerTTLSeconds = atoiDefault(v, cfg.Scheduler.OwnerTTLSeconds)
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Minio.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Minio.Bucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		cfg.Minio.UseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("TEMP_PDF_DIR"); v != "" {
		cfg.Artifact.TempDir = v
	}
	if v := os.Getenv("EMAIL_CONFIG_ENCRYPTION_KEY"); v != "" {
		cfg.Secrets.EncryptionKey = v
	}
	if v := os.Getenv("PAGOPAR_BASE_URL"); v != "" {
		cfg.Billing.PagoparBaseURL = v
	}
	if v := os.Getenv("PAGOPAR_PUBLIC_KEY"); v != "" {
		cfg.Billing.PagoparPublicKey = v
	}
	if v := os.Getenv("PAGOPAR_PRIVATE_KEY"); v != "" {
		cfg.Billing.PagoparPrivateKey = v
	}
	if v := os.Getenv("OAUTH_CLIENT_ID"); v != "" {
		cfg.OAuth.ClientID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_SECRET"); v != "" {
		cfg.OAuth.ClientSecret = v
	}
	if v := os.Getenv("OAUTH_TOKEN_URL"); v != "" {
		cfg.OAuth.TokenURL = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		cfg.Timezone = v
	}

	return cfg, nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) applyDefaults() {
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Mongo.URL == "" {
		c.Mongo.URL = "mongodb://localhost:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "cuenly"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o"
	}
	if c.OpenAI.TimeoutSeconds == 0 {
		c.OpenAI.TimeoutSeconds = 60
	}
	if c.Scheduler.IntervalMinutes == 0 {
		c.Scheduler.IntervalMinutes = 60
	}
	if c.Scheduler.OwnerTTLSeconds == 0 {
		c.Scheduler.OwnerTTLSeconds = 120
	}
	if c.Minio.Bucket == "" {
		c.Minio.Bucket = "cuenly-artifacts"
	}
	if c.Artifact.TempDir == "" {
		c.Artifact.TempDir = "/tmp/cuenly-pdfs"
	}
	if c.Billing.RunHourLocal == 0 {
		c.Billing.RunHourLocal = 3
	}
	if c.OAuth.TokenURL == "" {
		c.OAuth.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if c.Timezone == "" {
		c.Timezone = "America/Asuncion"
	}
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
