package models

import (
	"time"
)

// ==================== Resolution Types ====================

// Method identifies which path produced a resolved URL
type Method string

const (
	MethodDownload Method = "download" // URL read from the browser download event
	MethodRedirect Method = "redirect" // URL read from the redirect response location header
)

// RunStatus represents the outcome of a resolution run
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
)

// Download describes a browser download captured before it completed
type Download struct {
	GUID              string `json:"guid"`
	URL               string `json:"url"`
	SuggestedFilename string `json:"suggested_filename,omitempty"`
}

// Resolution is the record of one resolve run
type Resolution struct {
	ID            string        `json:"id" db:"id"`
	TargetURL     string        `json:"target_url" db:"target_url"`
	ResolvedURL   string        `json:"resolved_url,omitempty" db:"resolved_url"`
	Method        Method        `json:"method,omitempty" db:"method"`
	Driver        string        `json:"driver" db:"driver"`
	Status        RunStatus     `json:"status" db:"status"`
	Filename      string        `json:"filename,omitempty" db:"filename"`
	DownloadError string        `json:"download_error,omitempty" db:"download_error"`
	RedirectError string        `json:"redirect_error,omitempty" db:"redirect_error"`
	StartedAt     time.Time     `json:"started_at" db:"started_at"`
	Duration      time.Duration `json:"duration" db:"duration_ms"`
}

// Succeeded reports whether the run produced a URL
func (r *Resolution) Succeeded() bool {
	return r.Status == StatusSuccess && r.ResolvedURL != ""
}
