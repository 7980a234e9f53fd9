// Package browser drives a headless Chrome to observe what a URL resolves to.
//
// A Session owns one browser process and one page. Two drivers are available:
// go-rod (default) and chromedp. Both speak the DevTools protocol directly and
// expose the same two probes: CaptureDownload, which waits for the browser to
// start a download, and CaptureRedirect, which stops at the first committed
// response and reads its location header.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dev/bravebird/download-resolver/pkg/models"
)

const (
	DriverRod      = "rod"
	DriverChromedp = "chromedp"

	// abortReason is what Chrome reports when a navigation turns into a download
	abortReason = "net::ERR_ABORTED"

	// navErrorGrace lets events already in flight arrive after a failed navigation
	navErrorGrace = time.Second

	closeTimeout = 10 * time.Second
)

var (
	ErrUnknownDriver = errors.New("unknown browser driver")
	ErrNoDownload    = errors.New("no download started")
	ErrNoLocation    = errors.New("response has no location header")
)

// Session is a live browser with a single page
type Session interface {
	// CaptureDownload navigates to target and returns the first download the
	// browser starts. The download is left running; cancel it with CancelDownload.
	CaptureDownload(ctx context.Context, target string) (models.Download, error)

	// CancelDownload cancels an in-progress download by GUID
	CancelDownload(ctx context.Context, guid string) error

	// CaptureRedirect navigates to target and returns the absolute location of
	// the first redirect response for the main document.
	CaptureRedirect(ctx context.Context, target string) (string, error)

	// Close cancels any download still running, shuts the browser down and
	// removes the session's download directory. It is safe to call twice.
	Close() error
}

// Options configures how a browser is launched
type Options struct {
	Driver    string
	Headless  bool
	ChromeBin string // empty lets the driver find or fetch a browser
	UserAgent string
	Logger    *zap.Logger
}

// Opener launches a Session; Open is the production implementation
type Opener func(ctx context.Context, opts Options) (Session, error)

// Open launches a browser with the requested driver
func Open(ctx context.Context, opts Options) (Session, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	switch opts.Driver {
	case "", DriverRod:
		return openRod(ctx, opts)
	case DriverChromedp:
		return openChromedp(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}

// NavigationError is returned when the browser reports a failed navigation
type NavigationError struct {
	URL    string
	Reason string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %s", e.URL, e.Reason)
}

// isDownloadAbort reports whether err is the abort Chrome emits when a
// navigation becomes a download. That is the expected outcome of the download probe.
func isDownloadAbort(err error) bool {
	var navErr *NavigationError
	return errors.As(err, &navErr) && navErr.Reason == abortReason
}

// response is the committed main-document response seen by CaptureRedirect
type response struct {
	url     string
	status  int
	headers map[string]string
	failure string // set when the main document failed to load
}

// location returns the absolute location header of r
func (r response) location() (string, error) {
	if r.failure != "" {
		return "", &NavigationError{URL: r.url, Reason: r.failure}
	}

	var loc string
	for k, v := range r.headers {
		if strings.EqualFold(k, "location") {
			loc = strings.TrimSpace(v)
			break
		}
	}
	if loc == "" {
		return "", fmt.Errorf("%w (status %d from %s)", ErrNoLocation, r.status, r.url)
	}
	return resolveReference(r.url, loc)
}

// resolveReference resolves a possibly relative location against the URL that returned it
func resolveReference(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse response url %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse location %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// awaitFirst waits for the first value on events while a navigation runs.
// A navigation error other than the download abort ends the wait after a
// short grace period; the context bounds the whole wait.
func awaitFirst[T any](ctx context.Context, events <-chan T, nav <-chan error) (T, error) {
	var (
		zero   T
		navErr error
		grace  <-chan time.Time
	)

	for {
		select {
		case v := <-events:
			return v, nil
		case err := <-nav:
			nav = nil
			if err != nil && !isDownloadAbort(err) && ctx.Err() == nil {
				navErr = err
				grace = time.After(navErrorGrace)
			}
		case <-grace:
			return zero, navErr
		case <-ctx.Done():
			if navErr != nil {
				return zero, fmt.Errorf("%w (%w)", navErr, ctx.Err())
			}
			return zero, ctx.Err()
		}
	}
}

// downloadSet tracks downloads that were captured but not yet cancelled
type downloadSet struct {
	mu    sync.Mutex
	guids map[string]struct{}
}

func newDownloadSet() *downloadSet {
	return &downloadSet{guids: make(map[string]struct{})}
}

func (d *downloadSet) add(guid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guids[guid] = struct{}{}
}

func (d *downloadSet) remove(guid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.guids, guid)
}

// drain returns the pending GUIDs and empties the set
func (d *downloadSet) drain() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.guids))
	for guid := range d.guids {
		out = append(out, guid)
	}
	d.guids = make(map[string]struct{})
	return out
}

// newDownloadDir creates the private directory a session downloads into
func newDownloadDir() (string, error) {
	dir, err := os.MkdirTemp("", "download-resolver-*")
	if err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	return dir, nil
}
