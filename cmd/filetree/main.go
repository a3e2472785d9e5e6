package main

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/filetree/internal/filetree"
	"github.com/agentworkforce/filetree/internal/httpapi"
)

func main() {
	logger := buildLogger()

	addr := envOrDefault("FILETREE_ADDR", ":8080")
	backend, err := filetree.BuildBackendFromDSN(os.Getenv("FILETREE_BACKEND_DSN"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize backend")
	}
	store := filetree.NewStoreWithOptions(filetree.StoreOptions{
		Backend: backend,
		Logger:  &logger,
	})
	defer func() {
		_ = store.Close()
	}()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("FILETREE_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("FILETREE_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv(logger, "FILETREE_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv(logger, "FILETREE_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv(logger, "FILETREE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env(logger, "FILETREE_MAX_BODY_BYTES", 0),
		Logger:             &logger,
	})

	logger.Info().Str("addr", addr).Msg("filetree listening")
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func buildLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(envOrDefault("FILETREE_LOG_LEVEL", "info")))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "filetree").Logger()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(logger zerolog.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid int env var")
		return fallback
	}
	return value
}

func int64Env(logger zerolog.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid int env var")
		return fallback
	}
	return value
}

func durationEnv(logger zerolog.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Str("fallback", fallback.String()).Msg("invalid duration env var")
		return fallback
	}
	return value
}
