package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/filetree/internal/treesync"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "filetree-sync").Logger()

	baseURL := flag.String("base-url", envOrDefault("FILETREE_BASE_URL", "http://127.0.0.1:8080"), "filetree base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("FILETREE_TOKEN")), "bearer token")
	teamID := flag.String("team", strings.TrimSpace(os.Getenv("FILETREE_TEAM")), "team ID")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("FILETREE_LOCAL_DIR")), "local mirror directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("FILETREE_SYNC_STATE_FILE")), "state file path")
	interval := flag.Duration("interval", durationEnv(logger, "FILETREE_SYNC_INTERVAL", 2*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv(logger, "FILETREE_SYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv(logger, "FILETREE_SYNC_TIMEOUT", 15*time.Second), "per-sync timeout")
	watch := flag.Bool("watch", false, "react to local filesystem changes instead of polling")
	debounce := flag.Duration("debounce", durationEnv(logger, "FILETREE_SYNC_DEBOUNCE", 500*time.Millisecond), "watch debounce window")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		logger.Fatal().Msg("token is required (--token or FILETREE_TOKEN)")
	}
	if strings.TrimSpace(*teamID) == "" {
		logger.Fatal().Msg("team is required (--team or FILETREE_TEAM)")
	}
	if strings.TrimSpace(*localDir) == "" {
		logger.Fatal().Msg("local-dir is required (--local-dir or FILETREE_LOCAL_DIR)")
	}
	if *interval <= 0 {
		*interval = 2 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := treesync.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	syncer, err := treesync.NewSyncer(client, treesync.SyncerOptions{
		TeamID:    strings.TrimSpace(*teamID),
		LocalRoot: *localDir,
		StateFile: *stateFile,
		Logger:    &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize syncer")
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		if err := treesync.NewWatcher(syncer, *debounce).Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Fatal().Err(err).Msg("watcher failed")
		}
		logger.Info().Msg("sync watcher stopped")
		return
	}

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := syncer.SyncOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("sync cycle failed")
			return
		}
		logger.Info().Msg("sync cycle completed")
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info().AnErr("reason", rootCtx.Err()).Msg("sync stopping")
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(logger zerolog.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(logger zerolog.Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid float env var")
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
