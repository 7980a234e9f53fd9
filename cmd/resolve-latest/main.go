// Command resolve-latest prints the URL a vendor "latest download" endpoint
// currently resolves to.
//
// It takes no arguments. On success exactly one line, the URL, is written to
// standard output and the exit code is 0. On failure nothing is written to
// standard output, diagnostics go to standard error and the exit code is 1.
// Settings come from RESOLVER_* environment variables (see pkg/config).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dev/bravebird/download-resolver/pkg/browser"
	"dev/bravebird/download-resolver/pkg/config"
	"dev/bravebird/download-resolver/pkg/logger"
	"dev/bravebird/download-resolver/pkg/models"
	"dev/bravebird/download-resolver/pkg/resolver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, browser.Open)
	stop()
	os.Exit(code)
}

// run executes one resolve and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer, open browser.Opener) int {
	if len(args) > 0 {
		fmt.Fprintf(stderr, "usage: resolve-latest\n\nresolve-latest takes no arguments; configure it with RESOLVER_* environment variables\n")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to create logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID))

	res, err := resolve(ctx, cfg, open, log, runID)
	record(ctx, cfg, res, log)

	if err != nil {
		log.Error("Failed to resolve download URL", zap.Error(err))
		return 1
	}

	// Standard output carries nothing but the URL
	fmt.Fprintln(stdout, res.ResolvedURL)
	return 0
}

// resolve opens the browser, runs the resolver and always closes the browser
func resolve(ctx context.Context, cfg *config.Config, open browser.Opener, log *zap.Logger, runID string) (*models.Resolution, error) {
	started := time.Now()
	session, err := open(ctx, browser.Options{
		Driver:    cfg.Driver,
		Headless:  cfg.Headless,
		ChromeBin: cfg.ChromeBin,
		UserAgent: cfg.UserAgent,
		Logger:    log,
	})
	if err != nil {
		res := &models.Resolution{
			ID:            runID,
			TargetURL:     cfg.TargetURL,
			Driver:        cfg.Driver,
			Status:        models.StatusFailed,
			DownloadError: err.Error(),
			StartedAt:     started,
			Duration:      time.Since(started),
		}
		return res, fmt.Errorf("failed to open browser: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("Failed to close browser", zap.Error(err))
		}
	}()

	r := resolver.New(session, resolver.Config{
		Driver:            cfg.Driver,
		DownloadTimeout:   cfg.DownloadTimeout,
		NavigationTimeout: cfg.NavigationTimeout,
	}, log)
	return r.Resolve(ctx, runID, cfg.TargetURL)
}
