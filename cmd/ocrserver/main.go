package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/junhma/Manatan/internal/config"
	"github.com/junhma/Manatan/internal/httpapi"
	"github.com/junhma/Manatan/internal/ocr"
	"github.com/junhma/Manatan/internal/service"
	"github.com/junhma/Manatan/internal/store"
	"github.com/junhma/Manatan/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		errLogger := zerolog.New(os.Stderr)
		errLogger.Fatal().Err(err).Msg("configuration invalid")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("opening cache store failed")
	}
	defer st.Close()

	up := upstream.NewClient(cfg.UpstreamBase, logger)

	engine, err := buildEngine(cfg, up, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("building recognition engine failed")
	}

	opts := []ocr.PipelineOption{ocr.WithPipelineLogger(logger)}
	if cfg.PageBase != "" {
		opts = append(opts, ocr.WithPageBase(cfg.PageBase))
	}
	pipeline := ocr.NewPipeline(engine, opts...)

	svc := service.New(st, pipeline, up, logger)

	scheduler := cron.New()
	if err := svc.ScheduleMaintenance(scheduler, cfg.MaintenanceCron); err != nil {
		logger.Fatal().Err(err).Str("cron", cfg.MaintenanceCron).Msg("invalid maintenance schedule")
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := httpapi.NewServer(svc, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("server listening")
		errCh <- server.ListenAndServe(cfg.ListenAddr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("shutdown incomplete")
	}
}

// buildEngine selects the recognizer. The remote engine asks the page
// server for SOCKS proxy settings first so recognition traffic can
// follow the user's proxy configuration.
func buildEngine(cfg config.Config, up *upstream.Client, logger zerolog.Logger) (ocr.Engine, error) {
	if cfg.EngineKind == config.EngineTesseract {
		return ocr.NewLocalEngine(), nil
	}

	proxyURL := ""
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	settings, err := up.ProxySettings(ctx, ocr.Credentials{})
	if err != nil {
		logger.Warn().Err(err).Msg("proxy settings unavailable, connecting directly")
	} else if settings != nil {
		proxyURL = settings.URL()
	}
	return ocr.NewRemoteEngine(cfg.EngineURL, proxyURL, logger)
}
