// Package config reads the server configuration from environment
// variables. A .env file, when present, is loaded by the binary before
// parsing.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Engine selection values for EngineKind.
const (
	EngineRemote    = "remote"
	EngineTesseract = "tesseract"
)

type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `env:"OCR_LISTEN_ADDR" envDefault:":8999"`
	// DataDir holds the cache database and the legacy snapshot.
	DataDir string `env:"OCR_DATA_DIR" envDefault:"./data"`
	// UpstreamBase is the page server used for page-count resolution
	// and proxy settings.
	UpstreamBase string `env:"OCR_UPSTREAM_BASE" envDefault:"http://127.0.0.1:4568"`
	// PageBase, when set, rewrites incoming page URLs onto this origin
	// before fetching.
	PageBase string `env:"OCR_PAGE_BASE"`
	// EngineKind selects the recognizer: "remote" or "tesseract".
	EngineKind string `env:"OCR_ENGINE" envDefault:"remote"`
	// EngineURL is the remote recognizer endpoint.
	EngineURL string `env:"OCR_ENGINE_URL" envDefault:"http://127.0.0.1:8998/recognize"`
	// LogLevel is a zerolog level string.
	LogLevel string `env:"OCR_LOG_LEVEL" envDefault:"info"`
	// MaintenanceCron schedules the periodic statistics sweep.
	MaintenanceCron string `env:"OCR_MAINTENANCE_CRON" envDefault:"@hourly"`
}

func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.EngineKind != EngineRemote && cfg.EngineKind != EngineTesseract {
		return Config{}, fmt.Errorf("unknown engine %q", cfg.EngineKind)
	}
	return cfg, nil
}
