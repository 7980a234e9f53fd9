package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"dev/bravebird/download-resolver/pkg/models"
)

// DB represents the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection. Timestamps are always parsed and
// stored as UTC regardless of what the DSN asks for.
func New(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	conn, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One-shot CLI: a couple of connections is plenty
	conn.SetMaxOpenConns(2)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Minute)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate creates the history table if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS download_resolutions (
			id             CHAR(36)      NOT NULL PRIMARY KEY,
			target_url     VARCHAR(2048) NOT NULL,
			resolved_url   VARCHAR(2048) NOT NULL DEFAULT '',
			method         VARCHAR(16)   NOT NULL DEFAULT '',
			driver         VARCHAR(16)   NOT NULL DEFAULT '',
			status         VARCHAR(16)   NOT NULL,
			filename       VARCHAR(512)  NOT NULL DEFAULT '',
			download_error TEXT,
			redirect_error TEXT,
			started_at     DATETIME(3)   NOT NULL,
			duration_ms    BIGINT        NOT NULL DEFAULT 0,
			INDEX idx_target_started (target_url(255), started_at)
		)
	`

	if _, err := db.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// ==================== Resolutions ====================

// RecordResolution stores the outcome of a resolve run
func (db *DB) RecordResolution(ctx context.Context, res *models.Resolution) error {
	query := `
		INSERT INTO download_resolutions (id, target_url, resolved_url, method, driver, status, filename,
		                                  download_error, redirect_error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.conn.ExecContext(ctx, query,
		res.ID,
		res.TargetURL,
		res.ResolvedURL,
		string(res.Method),
		res.Driver,
		string(res.Status),
		res.Filename,
		res.DownloadError,
		res.RedirectError,
		res.StartedAt.UTC(),
		res.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	return nil
}

// LatestResolution returns the most recent successful resolution for target,
// or nil if there is none
func (db *DB) LatestResolution(ctx context.Context, target string) (*models.Resolution, error) {
	query := `
		SELECT id, target_url, resolved_url, method, driver, status, filename,
		       download_error, redirect_error, started_at, duration_ms
		FROM download_resolutions
		WHERE target_url = ? AND status = ?
		ORDER BY started_at DESC
		LIMIT 1
	`

	res, err := scanResolution(db.conn.QueryRowContext(ctx, query, target, string(models.StatusSuccess)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest resolution: %w", err)
	}
	return res, nil
}

// ListResolutions returns up to limit resolutions for target, newest first
func (db *DB) ListResolutions(ctx context.Context, target string, limit int) ([]models.Resolution, error) {
	query := `
		SELECT id, target_url, resolved_url, method, driver, status, filename,
		       download_error, redirect_error, started_at, duration_ms
		FROM download_resolutions
		WHERE target_url = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, target, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolutions: %w", err)
	}
	defer rows.Close()

	var resolutions []models.Resolution
	for rows.Next() {
		res, err := scanResolution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}
		resolutions = append(resolutions, *res)
	}

	return resolutions, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanResolution(row scanner) (*models.Resolution, error) {
	var (
		res                          models.Resolution
		method, status               string
		downloadError, redirectError sql.NullString
		durationMS                   int64
	)

	err := row.Scan(
		&res.ID,
		&res.TargetURL,
		&res.ResolvedURL,
		&method,
		&res.Driver,
		&status,
		&res.Filename,
		&downloadError,
		&redirectError,
		&res.StartedAt,
		&durationMS,
	)
	if err != nil {
		return nil, err
	}

	res.Method = models.Method(method)
	res.Status = models.RunStatus(status)
	res.DownloadError = downloadError.String
	res.RedirectError = redirectError.String
	res.Duration = time.Duration(durationMS) * time.Millisecond
	return &res, nil
}
