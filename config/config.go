package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	DBDriver    string // "sqlite" or "postgres"
	DatabaseURL string

	RabbitMQURL         string
	RabbitMQPrefix      string
	RabbitMQEventsQueue string
	RabbitMQJobsQueue   string
	RabbitMQQueues      []string // per-event queues mirrored next to the default one

	S3Endpoint      string
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3PathStyle     bool
	S3PublicURL     string
	S3RetentionDays int
	MediaDir        string
	PublicURL       string
	ThumbnailSize   uint

	FFmpegPath       string
	TranscribeURL    string
	TranscribeAPIKey string
	TranscribeModel  string

	ProviderTimeout time.Duration
	AutoCloseDelay  time.Duration
	ViewerTTL       time.Duration
	JobWorkers      int
	JobRetryBackoff time.Duration
	JobTimeout      time.Duration
	WebhookWorkers  int
	WebhookQueue    int
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  os.Getenv("LOG_LEVEL"),
		LogFormat: os.Getenv("LOG_FORMAT"),

		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DatabaseURL: getEnv("DATABASE_URL", "file:zapdesk.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),

		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQPrefix:      getEnv("RABBITMQ_PREFIX", "zapdesk"),
		RabbitMQEventsQueue: getEnv("RABBITMQ_QUEUE", "events"),
		RabbitMQJobsQueue:   getEnv("RABBITMQ_JOBS_QUEUE", "jobs"),
		RabbitMQQueues:      splitList(os.Getenv("RABBITMQ_EVENT_QUEUES")),

		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3PathStyle:     getBool("S3_PATH_STYLE", false),
		S3PublicURL:     os.Getenv("S3_PUBLIC_URL"),
		S3RetentionDays: getInt("S3_RETENTION_DAYS", 0),
		MediaDir:        getEnv("MEDIA_DIR", "public"),
		PublicURL:       os.Getenv("PUBLIC_URL"),
		ThumbnailSize:   uint(getInt("THUMBNAIL_SIZE", 320)),

		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		TranscribeURL:    os.Getenv("TRANSCRIBE_URL"),
		TranscribeAPIKey: os.Getenv("TRANSCRIBE_API_KEY"),
		TranscribeModel:  os.Getenv("TRANSCRIBE_MODEL"),

		ProviderTimeout: getDuration("PROVIDER_TIMEOUT", 30*time.Second),
		AutoCloseDelay:  getDuration("AUTO_CLOSE_DELAY", time.Second),
		ViewerTTL:       getDuration("VIEWER_TTL", 30*time.Second),
		JobWorkers:      getInt("JOB_WORKERS", 10),
		JobRetryBackoff: getDuration("JOB_RETRY_BACKOFF", 5*time.Second),
		JobTimeout:      getDuration("JOB_TIMEOUT", 30*time.Second),
		WebhookWorkers:  getInt("WEBHOOK_WORKERS", 8),
		WebhookQueue:    getInt("WEBHOOK_QUEUE", 256),
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:" + cfg.Port + "/public"
		log.Info().Str("publicURL", cfg.PublicURL).Msg("PUBLIC_URL not set, using default")
	}
	if cfg.TranscribeURL == "" {
		log.Info().Msg("TRANSCRIBE_URL not set, transcriptions will be reported as unavailable")
	}

	log.Info().Str("dbDriver", cfg.DBDriver).Bool("rabbitmq", cfg.RabbitMQURL != "").
		Bool("s3", cfg.S3Bucket != "").Msg("Configuration loaded")
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer, using default")
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean, using default")
		return def
	}
	return b
}

// getDuration accepts Go durations ("1500ms") or a plain number of milliseconds.
func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration, using default")
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
