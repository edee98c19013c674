package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sepwatch/sepwatch/internal/api"
	"github.com/sepwatch/sepwatch/internal/collector"
	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/engine"
	"github.com/sepwatch/sepwatch/internal/logbuffer"
	"github.com/sepwatch/sepwatch/internal/notifier"
	"github.com/sepwatch/sepwatch/internal/version"
)

func main() {
	configPath := flag.String("config", "/config/engine.yaml", "Path to engine configuration")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	configDir := filepath.Dir(*configPath)

	// Secrets may live next to the configuration
	envErr := godotenv.Load(filepath.Join(configDir, ".env"))

	// Captures the last 1000 log entries for /api/logs
	logBuffer := logbuffer.NewLogBuffer(1000)

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevelParsed, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logLevelParsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevelParsed)

	logger := newLogger(os.Stdout, logBuffer)
	logger.Info().Str("version", version.GetFullVersion()).Msg("Starting sepwatch")
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn().Err(envErr).Msg("Failed to load .env file")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("Failed to load configuration")
	}

	if cfg.Logging.File != "" {
		logFile := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB, // MB
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   true,
		}
		defer logFile.Close()
		logger = newLogger(os.Stdout, logBuffer, logFile)
	}

	logger.Info().
		Int("sector_count", len(cfg.Sectors)).
		Int("feed_count", len(cfg.Feeds)).
		Dur("cycle_period", cfg.Engine.CyclePeriod).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appriseURL := os.Getenv("APPRISE_API_URL")
	if appriseURL == "" {
		logger.Warn().Msg("APPRISE_API_URL not set, notifications will only be logged")
	}
	notify := notifier.NewNotifier(cfg.Alerts.Channels, appriseURL, logger.With().Str("component", "notifier").Logger())
	go notify.Start(ctx)

	eng := engine.New(cfg, notify, logger.With().Str("component", "engine").Logger())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(ctx)
	}()

	feeds := newFeedManager(ctx, eng, logger)
	feeds.start(cfg)

	apiServer := api.NewServer(eng, logger.With().Str("component", "api").Logger(), cfg.API.Listen)
	apiServer.SetLogBuffer(logBuffer)
	apiServer.SetFeedHealth(feeds.health)
	apiServer.SetReloadFunc(func() (*config.Config, error) {
		logger.Info().Str("config_dir", configDir).Msg("Reloading configuration")
		newCfg, err := config.LoadConfigDir(configDir)
		if err != nil {
			return nil, err
		}
		eng.Reload(newCfg)
		feeds.start(newCfg)
		return newCfg, nil
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().
				Err(err).
				Msg("API server error")
		}
	}()

	var healthServer *api.HealthServer
	if cfg.API.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.API.GRPCListen)
		if err != nil {
			logger.Fatal().Err(err).Str("address", cfg.API.GRPCListen).Msg("Failed to listen for gRPC health")
		}
		healthServer = api.NewHealthServer(eng, logger.With().Str("component", "grpc").Logger())
		go healthServer.Watch(ctx, cfg.Engine.CyclePeriod)
		go func() {
			if err := healthServer.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("gRPC health server error")
			}
		}()
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info().Msg("sepwatch running, press Ctrl+C to stop")

	<-sigChan
	logger.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if healthServer != nil {
		healthServer.Stop()
	}

	cancel()
	feeds.wait()
	<-engineDone
	logger.Info().Msg("sepwatch stopped")
}

func newLogger(writers ...io.Writer) zerolog.Logger {
	return zerolog.New(io.MultiWriter(writers...)).With().
		Timestamp().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Logger()
}

// feedManager owns one collector goroutine per configured feed. start
// replaces the whole set, which also covers address changes on reload.
type feedManager struct {
	ctx    context.Context
	sink   collector.Sink
	logger zerolog.Logger

	mu         sync.Mutex
	wg         sync.WaitGroup
	collectors map[string]*collector.Collector
	cancel     context.CancelFunc
}

func newFeedManager(ctx context.Context, sink collector.Sink, logger zerolog.Logger) *feedManager {
	return &feedManager{
		ctx:        ctx,
		sink:       sink,
		logger:     logger,
		collectors: make(map[string]*collector.Collector),
	}
}

func (m *feedManager) start(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	m.collectors = make(map[string]*collector.Collector, len(cfg.Feeds))

	for name, feed := range cfg.Feeds {
		var password string
		if feed.PasswordEnv != "" {
			password = os.Getenv(feed.PasswordEnv)
		}
		log := m.logger.With().Str("component", "collector").Str("feed", name).Logger()
		col := collector.NewCollector(name, feed, password, log)
		m.collectors[name] = col

		log.Info().
			Str("address", feed.Address).
			Int("port", feed.Port).
			Msg("Starting feed collector")

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := col.Run(ctx, m.sink); err != nil {
				log.Error().Err(err).Msg("Feed collector stopped")
			}
		}()
	}
}

func (m *feedManager) health() []collector.FeedHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collector.FeedHealth, 0, len(m.collectors))
	for _, c := range m.collectors {
		out = append(out, c.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feed < out[j].Feed })
	return out
}

func (m *feedManager) wait() {
	m.wg.Wait()
}
