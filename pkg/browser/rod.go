package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"dev/bravebird/download-resolver/pkg/models"
)

// rodSession is a Session backed by go-rod
type rodSession struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	dir      string
	logger   *zap.Logger

	pending   *downloadSet
	closeOnce sync.Once
	closeErr  error
}

func openRod(ctx context.Context, opts Options) (Session, error) {
	logger := opts.Logger.With(zap.String("driver", DriverRod))

	dir, err := newDownloadDir()
	if err != nil {
		return nil, err
	}

	l := launcher.New().Context(ctx)
	if opts.ChromeBin != "" {
		l = l.Bin(opts.ChromeBin)
	}
	l = l.Headless(opts.Headless)

	// Chrome flags for containers, plus hiding the automation marker from the vendor page
	l = l.Set("no-sandbox")
	l = l.Set("disable-gpu")
	l = l.Set("disable-dev-shm-usage")
	l = l.Set("disable-blink-features", "AutomationControlled")

	controlURL, err := l.Launch()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	s := &rodSession{
		launcher: l,
		dir:      dir,
		logger:   logger,
		pending:  newDownloadSet(),
	}

	s.browser = rod.New().ControlURL(controlURL)
	if err := s.browser.Connect(); err != nil {
		s.browser = nil
		s.Close()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	s.page, err = s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if opts.UserAgent != "" {
		err = s.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to set user agent: %w", err)
		}
	}

	err = proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorAllowAndName,
		BrowserContextID: s.browser.BrowserContextID,
		DownloadPath:     dir,
		EventsEnabled:    true,
	}.Call(s.browser)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to enable download events: %w", err)
	}

	logger.Debug("Browser session created", zap.String("controlURL", controlURL), zap.String("downloadDir", dir))
	return s, nil
}

// CaptureDownload implements Session
func (s *rodSession) CaptureDownload(ctx context.Context, target string) (models.Download, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before navigating so the event cannot be missed
	var begin proto.BrowserDownloadWillBegin
	wait := s.browser.Context(ctx).WaitEvent(&begin)

	downloads := make(chan models.Download, 1)
	go func() {
		wait()
		if begin.GUID != "" {
			downloads <- models.Download{
				GUID:              begin.GUID,
				URL:               begin.URL,
				SuggestedFilename: begin.SuggestedFilename,
			}
		}
	}()

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
func (s *rodSession) CancelDownload(ctx context.Context, guid string) error {
	err := proto.BrowserCancelDownload{
		GUID:             guid,
		BrowserContextID: s.browser.BrowserContextID,
	}.Call(s.browser.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to cancel download %s: %w", guid, err)
	}
	s.pending.remove(guid)
	return nil
}

// CaptureRedirect implements Session
func (s *rodSession) CaptureRedirect(ctx context.Context, target string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	page := s.page.Context(ctx)
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return "", fmt.Errorf("failed to enable network events: %w", err)
	}

	responses := make(chan response, 1)
	send := func(r response) bool {
		select {
		case responses <- r:
		default:
		}
		return true
	}

	wait := page.EachEvent(func(e *proto.NetworkRequestWillBeSent) bool {
		if e.Type != proto.NetworkResourceTypeDocument || e.RedirectResponse == nil {
			return false
		}
		return send(rodResponse(e.RedirectResponse))
	}, func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
			return false
		}
		return send(rodResponse(e.Response))
	}, func(e *proto.NetworkLoadingFailed) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		return send(response{url: target, failure: e.ErrorText})
	})
	go wait()

	nav := make(chan error, 1)
	go func() { nav <- s.navigate(ctx, target) }()

	r, err := awaitFirst(ctx, responses, nav)
	if err != nil {
		return "", err
	}
	s.logger.Debug("Response committed", zap.String("url", r.url), zap.Int("status", r.status))
	return r.location()
}

// navigate starts a navigation without waiting for the page to load
func (s *rodSession) navigate(ctx context.Context, target string) error {
	err := s.page.Context(ctx).Navigate(target)
	var navErr *rod.NavigationError
	if errors.As(err, &navErr) {
		return &NavigationError{URL: target, Reason: navErr.Reason}
	}
	return err
}

// Close implements Session
func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		if s.browser != nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()

			for _, guid := range s.pending.drain() {
				if err := s.CancelDownload(ctx, guid); err != nil {
					s.logger.Warn("Failed to cancel download on close", zap.String("guid", guid), zap.Error(err))
				}
			}
			if err := s.browser.Context(ctx).Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
			}
		}

		s.launcher.Kill()
		s.launcher.Cleanup()

		if err := os.RemoveAll(s.dir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove download dir: %w", err))
		}

		s.closeErr = errors.Join(errs...)
		s.logger.Debug("Browser session closed")
	})
	return s.closeErr
}

func rodResponse(r *proto.NetworkResponse) response {
	headers := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v.Str()
	}
	return response{url: r.URL, status: r.Status, headers: headers}
}
