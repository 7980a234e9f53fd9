// Package browsertest provides a scripted browser.Session for tests.
package browsertest

import (
	"context"
	"sync"
	"time"

	"dev/bravebird/download-resolver/pkg/browser"
	"dev/bravebird/download-resolver/pkg/models"
)

// Session is a browser.Session whose probes return scripted results.
// A zero DownloadDelay or RedirectDelay returns immediately; a negative
// one blocks until the context ends, like a browser that never responds.
type Session struct {
	Download      models.Download
	DownloadErr   error
	DownloadDelay time.Duration

	Redirect      string
	RedirectErr   error
	RedirectDelay time.Duration

	CancelErr error

	mu               sync.Mutex
	Calls            []string
	Cancelled        []string
	Closed           int
	DownloadDeadline time.Time
	RedirectDeadline time.Time
}

var _ browser.Session = (*Session)(nil)

// CaptureDownload implements browser.Session
func (s *Session) CaptureDownload(ctx context.Context, target string) (models.Download, error) {
	s.record("download " + target)
	s.mu.Lock()
	s.DownloadDeadline, _ = ctx.Deadline()
	s.mu.Unlock()

	if err := wait(ctx, s.DownloadDelay); err != nil {
		return models.Download{}, err
	}
	if s.DownloadErr != nil {
		return models.Download{}, s.DownloadErr
	}
	return s.Download, nil
}

// CancelDownload implements browser.Session
func (s *Session) CancelDownload(ctx context.Context, guid string) error {
	s.record("cancel " + guid)
	if s.CancelErr != nil {
		return s.CancelErr
	}
	s.mu.Lock()
	s.Cancelled = append(s.Cancelled, guid)
	s.mu.Unlock()
	return nil
}

// CaptureRedirect implements browser.Session
func (s *Session) CaptureRedirect(ctx context.Context, target string) (string, error) {
	s.record("redirect " + target)
	s.mu.Lock()
	s.RedirectDeadline, _ = ctx.Deadline()
	s.mu.Unlock()

	if err := wait(ctx, s.RedirectDelay); err != nil {
		return "", err
	}
	if s.RedirectErr != nil {
		return "", s.RedirectErr
	}
	return s.Redirect, nil
}

// Close implements browser.Session
func (s *Session) Close() error {
	s.record("close")
	s.mu.Lock()
	s.Closed++
	s.mu.Unlock()
	return nil
}

// Opener returns a browser.Opener that hands out s and remembers the options it got
func (s *Session) Opener(got *browser.Options) browser.Opener {
	return func(ctx context.Context, opts browser.Options) (browser.Session, error) {
		if got != nil {
			*got = opts
		}
		return s, nil
	}
}

// CallLog returns a copy of the calls made so far
func (s *Session) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Calls...)
}

func (s *Session) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, call)
}

func wait(ctx context.Context, d time.Duration) error {
	if d == 0 {
		return nil
	}
	if d < 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
