// Package resolver finds the URL a "latest download" endpoint currently points at.
//
// Resolution is a single attempt with two strategies. The primary strategy
// lets the browser start the download and reads the download URL, then
// cancels the download. Only if that fails, the fallback navigates again and
// reads the location header of the redirect response. There are no retries.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dev/bravebird/download-resolver/pkg/browser"
	"dev/bravebird/download-resolver/pkg/models"
)

// Resolver runs the download probe and the redirect fallback against one session
type Resolver struct {
	session           browser.Session
	logger            *zap.Logger
	driver            string
	downloadTimeout   time.Duration
	navigationTimeout time.Duration
	now               func() time.Time
}

// Config holds resolver settings
type Config struct {
	Driver            string
	DownloadTimeout   time.Duration
	NavigationTimeout time.Duration
}

// New creates a resolver bound to session
func New(session browser.Session, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		session:           session,
		logger:            logger,
		driver:            cfg.Driver,
		downloadTimeout:   cfg.DownloadTimeout,
		navigationTimeout: cfg.NavigationTimeout,
		now:               time.Now,
	}
}

// Resolve returns a record of the run. On failure the record is still filled
// in with both path errors and the returned error joins them.
func (r *Resolver) Resolve(ctx context.Context, runID, target string) (*models.Resolution, error) {
	res := &models.Resolution{
		ID:        runID,
		TargetURL: target,
		Driver:    r.driver,
		Status:    models.StatusRunning,
		StartedAt: r.now(),
	}
	defer func() {
		res.Duration = r.now().Sub(res.StartedAt)
	}()

	r.logger.Info("Navigating to redirect URL", zap.String("target", target))

	d, downloadErr := r.captureDownload(ctx, target)
	if downloadErr == nil {
		res.ResolvedURL = d.URL
		res.Filename = d.SuggestedFilename
		res.Method = models.MethodDownload
		res.Status = models.StatusSuccess
		return res, nil
	}
	res.DownloadError = downloadErr.Error()
	r.logger.Warn("Download capture failed, trying redirect header", zap.Error(downloadErr))

	// A cancelled run gets no fallback
	if err := ctx.Err(); err != nil {
		res.Status = models.StatusFailed
		return res, fmt.Errorf("download path: %w", downloadErr)
	}

	location, redirectErr := r.captureRedirect(ctx, target)
	if redirectErr == nil {
		res.ResolvedURL = location
		res.Method = models.MethodRedirect
		res.Status = models.StatusSuccess
		r.logger.Info("Redirect location captured", zap.String("url", location))
		return res, nil
	}
	res.RedirectError = redirectErr.Error()
	res.Status = models.StatusFailed
	r.logger.Error("Redirect fallback also failed", zap.Error(redirectErr))

	return res, errors.Join(
		fmt.Errorf("download path: %w", downloadErr),
		fmt.Errorf("redirect path: %w", redirectErr),
	)
}

// captureDownload waits for the download, then cancels it
func (r *Resolver) captureDownload(ctx context.Context, target string) (models.Download, error) {
	dctx, cancel := context.WithTimeout(ctx, r.downloadTimeout)
	defer cancel()

	d, err := r.session.CaptureDownload(dctx, target)
	if err != nil {
		return models.Download{}, err
	}
	if d.URL == "" {
		// An empty URL must never reach stdout
		if cerr := r.session.CancelDownload(ctx, d.GUID); cerr != nil {
			r.logger.Warn("Failed to cancel download", zap.String("guid", d.GUID), zap.Error(cerr))
		}
		return models.Download{}, fmt.Errorf("download %s has no url", d.GUID)
	}
	r.logger.Info("Download URL captured", zap.String("url", d.URL), zap.String("filename", d.SuggestedFilename))

	// The URL is already known; a failed cancel is retried by Session.Close
	if err := r.session.CancelDownload(ctx, d.GUID); err != nil {
		r.logger.Warn("Failed to cancel download", zap.String("guid", d.GUID), zap.Error(err))
	} else {
		r.logger.Debug("Download cancelled", zap.String("guid", d.GUID))
	}
	return d, nil
}

func (r *Resolver) captureRedirect(ctx context.Context, target string) (string, error) {
	nctx, cancel := context.WithTimeout(ctx, r.navigationTimeout)
	defer cancel()

	return r.session.CaptureRedirect(nctx, target)
}
