package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/filetree/internal/filetree"
	"github.com/agentworkforce/filetree/internal/fusetree"
	"github.com/agentworkforce/filetree/internal/treesync"
)

// filetree-mount serves a read-only snapshot of a team's tree over FUSE.
// Remount to pick up server-side changes.
func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "filetree-mount").Logger()

	baseURL := flag.String("base-url", envOrDefault("FILETREE_BASE_URL", "http://127.0.0.1:8080"), "filetree base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("FILETREE_TOKEN")), "bearer token")
	teamID := flag.String("team", strings.TrimSpace(os.Getenv("FILETREE_TEAM")), "team ID")
	mountpoint := flag.String("mountpoint", strings.TrimSpace(os.Getenv("FILETREE_MOUNTPOINT")), "mount directory")
	timeout := flag.Duration("timeout", 30*time.Second, "snapshot fetch timeout")
	debug := flag.Bool("debug", false, "enable FUSE debug logging")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		logger.Fatal().Msg("token is required (--token or FILETREE_TOKEN)")
	}
	if strings.TrimSpace(*teamID) == "" {
		logger.Fatal().Msg("team is required (--team or FILETREE_TEAM)")
	}
	if strings.TrimSpace(*mountpoint) == "" {
		logger.Fatal().Msg("mountpoint is required (--mountpoint or FILETREE_MOUNTPOINT)")
	}

	client := treesync.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: 15 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	entries, err := fetchSnapshot(ctx, client, strings.TrimSpace(*teamID))
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to fetch tree snapshot")
	}
	logger.Info().Int("entries", len(entries)).Msg("snapshot fetched")

	server, err := fusetree.Mount(*mountpoint, entries, *debug)
	if err != nil {
		logger.Fatal().Err(err).Msg("mount failed")
	}
	logger.Info().Str("mountpoint", *mountpoint).Msg("mounted")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		logger.Info().Msg("unmounting")
		if err := server.Unmount(); err != nil {
			logger.Warn().Err(err).Msg("unmount failed; try fusermount -u")
		}
	}()

	server.Wait()
}

func fetchSnapshot(ctx context.Context, client treesync.RemoteClient, teamID string) ([]filetree.Entry, error) {
	var entries []filetree.Entry
	offset := 0
	for {
		page, err := client.ListEntries(ctx, teamID, 500, offset)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page.Results...)
		offset += len(page.Results)
		if len(page.Results) == 0 || offset >= page.Count {
			return entries, nil
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
