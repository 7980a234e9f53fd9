package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"dev/bravebird/download-resolver/pkg/models"
)

// chromedpSession is a Session backed by chromedp
type chromedpSession struct {
	ctx         context.Context // tab context created by chromedp.NewContext
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	dir         string
	logger      *zap.Logger

	pending   *downloadSet
	closeOnce sync.Once
	closeErr  error
}

func openChromedp(ctx context.Context, opts Options) (Session, error) {
	logger := opts.Logger.With(zap.String("driver", DriverChromedp))

	dir, err := newDownloadDir()
	if err != nil {
		return nil, err
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if opts.ChromeBin != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ChromeBin))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, cancel := chromedp.NewContext(allocCtx)

	s := &chromedpSession{
		ctx:         tabCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		dir:         dir,
		logger:      logger,
		pending:     newDownloadSet(),
	}

	// The first Run starts the browser
	if err := chromedp.Run(tabCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	err = chromedp.Run(tabCtx,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(dir).
			WithEventsEnabled(true),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to enable download events: %w", err)
	}

	logger.Debug("Browser session created", zap.String("downloadDir", dir))
	return s, nil
}

// scope derives a context that targets this session's tab but obeys the
// cancellation and deadline of ctx. Cancelling it does not close the tab.
func (s *chromedpSession) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		scoped context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		scoped, cancel = context.WithDeadline(s.ctx, deadline)
	} else {
		scoped, cancel = context.WithCancel(s.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return scoped, func() {
		stop()
		cancel()
	}
}

// CaptureDownload implements Session
func (s *chromedpSession) CaptureDownload(ctx context.Context, target string) (models.Download, error) {
	ctx, cancel := s.scope(ctx)
	defer cancel()

	downloads := make(chan models.Download, 1)
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		e, ok := ev.(*cdpbrowser.EventDownloadWillBegin)
		if !ok {
			return
		}
		select {
		case downloads <- models.Download{GUID: e.GUID, URL: e.URL, SuggestedFilename: e.SuggestedFilename}:
		default:
		}
	})

	nav := make(chan error, 1)
	go func() { nav <- s.navigate(ctx, target) }()

	d, err := awaitFirst(ctx, downloads, nav)
	if err != nil {
		return models.Download{}, fmt.Errorf("%w: %w", ErrNoDownload, err)
	}

	s.pending.add(d.GUID)
	s.logger.Debug("Download started", zap.String("guid", d.GUID), zap.String("url", d.URL))
	return d, nil
}

// CancelDownload implements Session
func (s *chromedpSession) CancelDownload(ctx context.Context, guid string) error {
	ctx, cancel := s.scope(ctx)
	defer cancel()

	if err := chromedp.Run(ctx, cdpbrowser.CancelDownload(guid)); err != nil {
		return fmt.Errorf("failed to cancel download %s: %w", guid, err)
	}
	s.pending.remove(guid)
	return nil
}

// CaptureRedirect implements Session
func (s *chromedpSession) CaptureRedirect(ctx context.Context, target string) (string, error) {
	ctx, cancel := s.scope(ctx)
	defer cancel()

	if err := chromedp.Run(ctx, network.Enable()); err != nil {
		return "", fmt.Errorf("failed to enable network events: %w", err)
	}

	responses := make(chan response, 1)
	send := func(r response) {
		select {
		case responses <- r:
		default:
		}
	}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			if e.Type == network.ResourceTypeDocument && e.RedirectResponse != nil {
				send(cdpResponse(e.RedirectResponse))
			}
		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument && e.Response != nil {
				send(cdpResponse(e.Response))
			}
		case *network.EventLoadingFailed:
			if e.Type == network.ResourceTypeDocument {
				send(response{url: target, failure: e.ErrorText})
			}
		}
	})

	nav := make(chan error, 1)
	go func() { nav <- s.navigate(ctx, target) }()

	r, err := awaitFirst(ctx, responses, nav)
	if err != nil {
		return "", err
	}
	s.logger.Debug("Response committed", zap.String("url", r.url), zap.Int("status", r.status))
	return r.location()
}

// navigate runs a chromedp navigation and normalizes Chrome's load errors
func (s *chromedpSession) navigate(ctx context.Context, target string) error {
	err := chromedp.Run(ctx, chromedp.Navigate(target))
	if err == nil {
		return nil
	}
	// chromedp reports failed loads as "page load error <reason>"
	if _, reason, ok := strings.Cut(err.Error(), "page load error "); ok {
		return &NavigationError{URL: target, Reason: strings.TrimSpace(reason)}
	}
	return err
}

// Close implements Session
func (s *chromedpSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		for _, guid := range s.pending.drain() {
			if err := s.CancelDownload(ctx, guid); err != nil {
				s.logger.Warn("Failed to cancel download on close", zap.String("guid", guid), zap.Error(err))
			}
		}

		// Cancel closes the browser gracefully; the allocator then reaps the process
		if err := chromedp.Cancel(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
		s.cancel()
		s.allocCancel()

		if err := os.RemoveAll(s.dir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove download dir: %w", err))
		}

		s.closeErr = errors.Join(errs...)
		s.logger.Debug("Browser session closed")
	})
	return s.closeErr
}

func cdpResponse(r *network.Response) response {
	headers := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = fmt.Sprint(v)
	}
	return response{url: r.URL, status: int(r.Status), headers: headers}
}
