package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port int

	// Catalog
	CatalogDir   string
	AssetBaseURL string // loop files are fetched from here when set, else read from CatalogDir
	WatchCatalog bool

	// Stage behavior
	BPM          float64       // 0 = use the catalog's projectBpm
	SwapMode     string        // bar or loop
	TickInterval time.Duration // commit pass cadence
	StageWidth   float64
	StageHeight  float64
	Lineup       bool // spawn one neutral performer per role at startup

	// Audio
	MasterGain float64
	Speaker    bool // also play the mix on the local sound device
	Preload    bool // decode every loop at startup instead of on first use

	// Logging
	LogLevel  string
	LogFormat string // text or json
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Port: envInt("STAGE_PORT", 8080),

		CatalogDir:   envStr("STAGE_CATALOG_DIR", "./catalog"),
		AssetBaseURL: envStr("STAGE_ASSET_BASE_URL", ""),
		WatchCatalog: envBool("STAGE_WATCH_CATALOG", false),

		BPM:          envFloat("STAGE_BPM", 0),
		SwapMode:     strings.ToLower(envStr("STAGE_SWAP_MODE", "loop")),
		TickInterval: time.Duration(envInt("STAGE_TICK_MS", 16)) * time.Millisecond,
		StageWidth:   envFloat("STAGE_WIDTH", 1280),
		StageHeight:  envFloat("STAGE_HEIGHT", 720),
		Lineup:       envBool("STAGE_LINEUP", true),

		MasterGain: envFloat("STAGE_MASTER_GAIN", 0.9),
		Speaker:    envBool("STAGE_SPEAKER", false),
		Preload:    envBool("STAGE_PRELOAD", false),

		LogLevel:  envStr("STAGE_LOG_LEVEL", "info"),
		LogFormat: envStr("STAGE_LOG_FORMAT", "text"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
