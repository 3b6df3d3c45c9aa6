package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Capture
	AudioDevice      string        `env:"AUDIO_DEVICE"`
	SpoolDir         string        `env:"SPOOL_DIR"`
	FragmentInterval time.Duration `env:"FRAGMENT_INTERVAL" envDefault:"1s"`
	SampleRateHz     int           `env:"SAMPLE_RATE_HZ" envDefault:"16000"`

	// Chunking
	ChunkFragments   int           `env:"CHUNK_FRAGMENTS" envDefault:"5"`
	RolloverInterval time.Duration `env:"ROLLOVER_INTERVAL" envDefault:"30m"`

	// Recognition
	STTProvider   string        `env:"STT_PROVIDER" envDefault:"google"` // "google" or "whisper"
	STTAPIKey     string        `env:"STT_API_KEY"`
	STTURL        string        `env:"STT_URL"` // whisper endpoint; overrides the google endpoint when set
	STTModel      string        `env:"STT_MODEL" envDefault:"latest_long"`
	STTTimeout    time.Duration `env:"STT_TIMEOUT" envDefault:"30s"`
	Language      string        `env:"LANGUAGE" envDefault:"en-US"`
	SpeakerCount  int           `env:"SPEAKER_COUNT" envDefault:"2"`
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"3"`

	// Transcript timestamps: "chunk" (relative to chunk start) or "session"
	TimestampBase string `env:"TIMESTAMP_BASE" envDefault:"chunk"`

	// Quota service (optional)
	QuotaURL   string `env:"QUOTA_URL"`
	QuotaToken string `env:"QUOTA_TOKEN"`

	// Persistence (optional)
	DatabaseURL string `env:"DATABASE_URL"`

	// Chunk audio archival (optional)
	ArchiveDir       string        `env:"ARCHIVE_DIR"`
	ArchiveRetention time.Duration `env:"ARCHIVE_RETENTION" envDefault:"24h"`
	S3Bucket         string        `env:"S3_BUCKET"`
	S3Region         string        `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint       string        `env:"S3_ENDPOINT"`
	S3AccessKey      string        `env:"S3_ACCESS_KEY"`
	S3SecretKey      string        `env:"S3_SECRET_KEY"`

	// MQTT bridge (optional)
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"scribe-engine"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"meetassist"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	// HTTP
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	// Extension origin allowed to call the API cross-origin. Empty allows
	// any origin, for local development.
	CORSOrigin string `env:"CORS_ORIGIN"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
	AudioDevice   string
	Language      string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.AudioDevice != "" {
		cfg.AudioDevice = overrides.AudioDevice
	}
	if overrides.Language != "" {
		cfg.Language = overrides.Language
	}

	return cfg, nil
}

// S3Enabled reports whether chunk archival should use S3.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// ArchiveEnabled reports whether sealed-chunk audio is archived at all.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveDir != "" || c.S3Enabled()
}
