package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AUTO_CLOSE_DELAY", "")
	t.Setenv("PUBLIC_URL", "")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AutoCloseDelay != time.Second || cfg.DBDriver != "sqlite" || cfg.FFmpegPath != "ffmpeg" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.PublicURL != "http://localhost:9090/public" {
		t.Fatalf("public url = %q", cfg.PublicURL)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("AUTO_CLOSE_DELAY", "2500")
	t.Setenv("VIEWER_TTL", "1m")
	t.Setenv("JOB_WORKERS", "nope")
	t.Setenv("S3_PATH_STYLE", "true")
	t.Setenv("RABBITMQ_EVENT_QUEUES", "appMessage, ticket ,,")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AutoCloseDelay != 2500*time.Millisecond || cfg.ViewerTTL != time.Minute {
		t.Fatalf("durations %v %v", cfg.AutoCloseDelay, cfg.ViewerTTL)
	}
	if cfg.JobWorkers != 10 || !cfg.S3PathStyle {
		t.Fatalf("workers %d path style %v", cfg.JobWorkers, cfg.S3PathStyle)
	}
	if len(cfg.RabbitMQQueues) != 2 || cfg.RabbitMQQueues[1] != "ticket" {
		t.Fatalf("queues %v", cfg.RabbitMQQueues)
	}
}
