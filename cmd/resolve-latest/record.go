package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dev/bravebird/download-resolver/pkg/config"
	"dev/bravebird/download-resolver/pkg/database"
	"dev/bravebird/download-resolver/pkg/metrics"
	"dev/bravebird/download-resolver/pkg/models"
)

const recordTimeout = 10 * time.Second

// record writes the run to the optional history database and metrics file.
// Failures are logged and never change the exit code.
func record(ctx context.Context, cfg *config.Config, res *models.Resolution, log *zap.Logger) {
	if res == nil || (cfg.MySQLDSN == "" && cfg.MetricsFile == "") {
		return
	}

	// Record even when the run was interrupted
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	var previous *models.Resolution
	if cfg.MySQLDSN != "" {
		previous = recordHistory(ctx, cfg.MySQLDSN, res, log)
	}

	if cfg.MetricsFile != "" {
		rec := metrics.NewRecorder()
		if previous != nil {
			rec.SetLastSuccess(previous.StartedAt.Add(previous.Duration))
		}
		rec.Observe(res)
		if err := rec.WriteFile(cfg.MetricsFile); err != nil {
			log.Warn("Failed to write metrics", zap.String("path", cfg.MetricsFile), zap.Error(err))
		} else {
			log.Debug("Metrics written", zap.String("path", cfg.MetricsFile))
		}
	}
}

// recordHistory stores res and returns the previous successful resolution, if any
func recordHistory(ctx context.Context, dsn string, res *models.Resolution, log *zap.Logger) *models.Resolution {
	db, err := database.New(ctx, dsn)
	if err != nil {
		log.Warn("History database unavailable", zap.Error(err))
		return nil
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Warn("Failed to prepare history table", zap.Error(err))
		return nil
	}

	previous, err := db.LatestResolution(ctx, res.TargetURL)
	if err != nil {
		log.Warn("Failed to read previous resolution", zap.Error(err))
	}

	if res.Succeeded() && previous != nil && previous.ResolvedURL != res.ResolvedURL {
		log.Info("Resolved URL changed since last run",
			zap.String("previous", previous.ResolvedURL),
			zap.String("current", res.ResolvedURL),
			zap.Time("previousAt", previous.StartedAt))
	}

	if err := db.RecordResolution(ctx, res); err != nil {
		log.Warn("Failed to record resolution", zap.Error(err))
	}
	return previous
}
