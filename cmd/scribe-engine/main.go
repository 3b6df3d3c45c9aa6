package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	scribeengine "github.com/meetassist/scribe-engine"
	"github.com/meetassist/scribe-engine/internal/api"
	"github.com/meetassist/scribe-engine/internal/capture"
	"github.com/meetassist/scribe-engine/internal/config"
	"github.com/meetassist/scribe-engine/internal/database"
	"github.com/meetassist/scribe-engine/internal/metrics"
	"github.com/meetassist/scribe-engine/internal/mqttbridge"
	"github.com/meetassist/scribe-engine/internal/pipeline"
	"github.com/meetassist/scribe-engine/internal/quota"
	"github.com/meetassist/scribe-engine/internal/recognize"
	"github.com/meetassist/scribe-engine/internal/storage"
	"github.com/meetassist/scribe-engine/internal/transcript"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace..error)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "postgres connection string")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-broker", "", "mqtt broker url")
	flag.StringVar(&overrides.AudioDevice, "audio-device", "", "PCM input device or FIFO path")
	flag.StringVar(&overrides.Language, "language", "", "recognition language code")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("scribe-engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database (optional)
	var db *database.DB
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.InitSchema(ctx, scribeengine.SchemaSQL); err != nil {
			log.Fatal().Err(err).Msg("schema init failed")
		}
	} else {
		log.Info().Msg("no DATABASE_URL set, sessions will not be persisted")
	}

	// Quota service (optional)
	var quotaClient *quota.Client
	if cfg.QuotaURL != "" {
		quotaClient = quota.NewClient(cfg.QuotaURL, cfg.QuotaToken, log)
	}

	// Recognition provider
	provider, err := buildProvider(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid recognition config")
	}
	recognizer := recognize.NewClient(provider, quotaClient, cfg.RetryAttempts, log)

	// Chunk archival (optional)
	var store storage.AudioStore
	var archiver pipeline.Archiver
	var pruner *storage.RetentionPruner
	if cfg.ArchiveEnabled() {
		store, err = storage.New(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("archive store init failed")
		}
		archiver = storage.NewChunkArchiver(store, log)

		var deleter storage.SessionDeleter
		if db != nil {
			deleter = db
		}
		pruner = storage.NewRetentionPruner(store, deleter, cfg.ArchiveRetention, log)
		pruner.Start()
		defer pruner.Stop()
	}

	// Capture device and live transcript bus
	bus := transcript.NewEventBus(256)
	newDevice, queueDev := buildDeviceFactory(cfg, log)

	var sink pipeline.SessionSink
	if db != nil {
		sink = db
	}

	ctrl := pipeline.NewController(pipeline.Options{
		NewDevice:         newDevice,
		Recognizer:        recognizer,
		Quota:             quotaClient,
		Bus:               bus,
		Archiver:          archiver,
		Sink:              sink,
		ChunkFragments:    cfg.ChunkFragments,
		RolloverInterval:  cfg.RolloverInterval,
		Language:          cfg.Language,
		SampleRate:        cfg.SampleRateHz,
		SpeakerCount:      cfg.SpeakerCount,
		SessionTimestamps: cfg.TimestampBase == "session",
		Log:               log,
	})

	// Expose pipeline and pool gauges to the /metrics scrape.
	if db != nil {
		prometheus.MustRegister(metrics.NewCollector(db.Pool, ctrl))
	} else {
		prometheus.MustRegister(metrics.NewCollector(nil, ctrl))
	}

	// MQTT bridge (optional)
	var bridge *mqttbridge.Bridge
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		var sink mqttbridge.AudioSink
		if queueDev != nil {
			sink = queueDev
		}
		bridge, err = mqttbridge.Connect(cfg, ctrl, bus, sink, mqttLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer bridge.Close()
	}

	// HTTP server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, ctrl, bus, quotaClient, db, store, bridge, version, startTime, httpLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Stop any active session so in-flight chunks drain and the session
	// record is persisted before the process exits.
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := ctrl.Stop(stopCtx); err != nil && err != pipeline.ErrNoSession {
		log.Error().Err(err).Msg("session stop on shutdown failed")
	}
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("scribe-engine stopped")
}

// buildProvider constructs the STT backend named by config.
func buildProvider(cfg *config.Config) (recognize.Provider, error) {
	switch cfg.STTProvider {
	case "google":
		return recognize.NewGoogleClient(cfg.STTURL, cfg.STTAPIKey, cfg.STTModel, cfg.STTTimeout), nil
	case "whisper":
		if cfg.STTURL == "" {
			return nil, fmt.Errorf("whisper provider requires STT_URL")
		}
		return recognize.NewWhisperClient(cfg.STTURL, cfg.STTAPIKey, cfg.STTModel, cfg.STTTimeout), nil
	default:
		return nil, fmt.Errorf("unknown STT_PROVIDER %q", cfg.STTProvider)
	}
}

// buildDeviceFactory picks the capture source: a spool directory, a PCM
// device path, or a shared queue fed by the MQTT bridge. The queue device
// is returned separately so the bridge can push into it.
func buildDeviceFactory(cfg *config.Config, log zerolog.Logger) (pipeline.DeviceFactory, *capture.QueueDevice) {
	if cfg.SpoolDir != "" {
		factory := func() (capture.Device, error) {
			return capture.NewSpoolDevice(capture.SpoolOptions{
				Dir:        cfg.SpoolDir,
				SampleRate: cfg.SampleRateHz,
				Logger:     log,
			}), nil
		}
		return factory, nil
	}

	if cfg.AudioDevice != "" {
		factory := func() (capture.Device, error) {
			return capture.OpenInputDevice(cfg.AudioDevice, capture.PCMOptions{
				Cadence:    cfg.FragmentInterval,
				SampleRate: cfg.SampleRateHz,
				Pace:       true,
			})
		}
		return factory, nil
	}

	// No local source: fragments arrive over MQTT. The device is shared
	// across sessions; Close drains it without tearing it down.
	queueDev := capture.NewQueueDevice(256)
	factory := func() (capture.Device, error) {
		return queueDev, nil
	}
	return factory, queueDev
}
