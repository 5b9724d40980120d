package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"Lazythumb/internal/core/calllog"
	"Lazythumb/internal/core/lazyload"
)

// serverConfig holds the settings outside the lazyload core.
type serverConfig struct {
	Addr            string
	APIKey          string
	BaseURL         string
	CDNURL          string
	DatabaseURL     string
	LogLevel        string
	LogFormat       string
	Providers       []string
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
	CallLog         calllog.Options
	AllowlistTTL    time.Duration
	Allowlist       bool
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.cdn_url", "")
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("allowlist.enabled", false)
	v.SetDefault("allowlist.providers", []string{})
	v.SetDefault("allowlist.cache_ttl", 5*time.Minute)
	v.SetDefault("calllog.buffer_size", calllog.DefaultOptions().BufferSize)
	v.SetDefault("calllog.batch_size", calllog.DefaultOptions().BatchSize)
	v.SetDefault("calllog.flush_interval", calllog.DefaultOptions().FlushInterval)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func serverConfigFromViper(v *viper.Viper) serverConfig {
	return serverConfig{
		Addr:            v.GetString("server.addr"),
		APIKey:          v.GetString("server.api_key"),
		BaseURL:         v.GetString("server.base_url"),
		CDNURL:          v.GetString("server.cdn_url"),
		RateLimitRPS:    v.GetFloat64("server.rate_limit_rps"),
		RateLimitBurst:  v.GetInt("server.rate_limit_burst"),
		ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		DatabaseURL:     v.GetString("database.url"),
		Allowlist:       v.GetBool("allowlist.enabled"),
		Providers:       v.GetStringSlice("allowlist.providers"),
		AllowlistTTL:    v.GetDuration("allowlist.cache_ttl"),
		CallLog: calllog.Options{
			BufferSize:    v.GetInt("calllog.buffer_size"),
			BatchSize:     v.GetInt("calllog.batch_size"),
			FlushInterval: v.GetDuration("calllog.flush_interval"),
		},
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
	}
}

// loadViper builds the viper instance for every subcommand: defaults, then
// the optional config file, then LAZYTHUMB_* environment overrides.
func loadViper(configFile string) (*viper.Viper, error) {
	v := lazyload.NewViper()
	setServerDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	return v, nil
}

// setupLogger installs the default slog logger.
func setupLogger(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
