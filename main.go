package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"zapdesk/config"
	"zapdesk/internal/adapters/wuzapi"
	"zapdesk/internal/contacts"
	"zapdesk/internal/db"
	"zapdesk/internal/dispatch"
	"zapdesk/internal/handlers"
	"zapdesk/internal/jobs"
	"zapdesk/internal/media"
	"zapdesk/internal/messages"
	"zapdesk/internal/rabbit"
	"zapdesk/internal/realtime"
	"zapdesk/internal/routing"
	"zapdesk/internal/store"
	"zapdesk/internal/tickets"
	"zapdesk/internal/transcribe"
	"zapdesk/pkg/logger"
)

func main() {
	logger.InitLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	conn, err := db.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer conn.Close()
	if err := db.Migrate(conn); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	st := store.NewSQLStore(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := realtime.NewHub(st)
	transports := []realtime.Transport{hub}
	jobCfg := jobs.Config{Workers: cfg.JobWorkers, RetryBackoff: cfg.JobRetryBackoff, Timeout: cfg.JobTimeout}
	var queue jobs.Queue
	var stopJobs func()

	if cfg.RabbitMQURL != "" {
		rc, err := rabbit.Dial(cfg.RabbitMQURL, cfg.RabbitMQPrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer rc.Close()
		transports = append(transports, realtime.NewRabbitMirror(rc, cfg.RabbitMQEventsQueue, cfg.RabbitMQQueues))
		rq := jobs.NewRabbitQueue(rc, cfg.RabbitMQJobsQueue, jobCfg)
		// consumption starts once the dispatcher registered its handlers
		queue, stopJobs = rq, func() {}
	} else {
		jm := jobs.NewManager(jobCfg)
		queue, stopJobs = jm, jm.Stop
	}
	pub := realtime.NewNotifier(transports...)

	var storage media.Storage
	var mediaDir string
	if cfg.S3Bucket != "" {
		s3, err := media.NewS3Storage(media.S3Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			Bucket:        cfg.S3Bucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PathStyle:     cfg.S3PathStyle,
			PublicURL:     cfg.S3PublicURL,
			RetentionDays: cfg.S3RetentionDays,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 storage")
		}
		if err := s3.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("S3 bucket not reachable yet")
		}
		storage = s3
	} else {
		local, err := media.NewLocalStorage(cfg.MediaDir, cfg.PublicURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize local media storage")
		}
		storage, mediaDir = local, local.Dir()
	}

	ffmpeg := transcribe.NewFFmpeg(cfg.FFmpegPath)
	var transcriber transcribe.Transcriber
	if cfg.TranscribeURL != "" {
		transcriber = transcribe.NewHTTPTranscriber(cfg.TranscribeURL, cfg.TranscribeAPIKey, cfg.TranscribeModel, 0)
	}
	prov := wuzapi.NewClient(cfg.ProviderTimeout, ffmpeg)

	registry := contacts.NewRegistry(st)
	ticketManager := tickets.NewManager(st, pub)
	pipeline := messages.NewPipeline(messages.Deps{
		Store:       st,
		Contacts:    registry,
		Tickets:     ticketManager,
		Router:      routing.NewEngine(),
		Provider:    prov,
		Attachments: media.NewLibrary(storage, cfg.ThumbnailSize),
		Publisher:   pub,
		Viewers:     messages.NewViewTracker(cfg.ViewerTTL, hub),
	})
	dispatcher := dispatch.New(dispatch.Deps{
		Store:          st,
		Contacts:       registry,
		Tickets:        ticketManager,
		Pipeline:       pipeline,
		Provider:       prov,
		Jobs:           queue,
		AutoCloseDelay: cfg.AutoCloseDelay,
	})
	if rq, ok := queue.(*jobs.RabbitQueue); ok {
		go func() {
			if err := rq.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("RabbitMQ job consumer stopped")
			}
		}()
	}

	webhooks := handlers.NewWebhookPool(cfg.WebhookWorkers, cfg.WebhookQueue, pipeline, st)
	server := handlers.New(handlers.Deps{
		Store:       st,
		Pipeline:    pipeline,
		Tickets:     ticketManager,
		Dispatcher:  dispatcher,
		Transcriber: transcribe.NewService(ffmpeg, transcriber),
		Hub:         hub,
		Jobs:        queue,
		Webhooks:    webhooks,
		MediaDir:    mediaDir,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	webhooks.Stop()
	dispatcher.Stop()
	stopJobs()
	cancel()
	log.Info().Msg("Server stopped")
}
