package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev/bravebird/download-resolver/pkg/browser"
	"dev/bravebird/download-resolver/pkg/browser/browsertest"
	"dev/bravebird/download-resolver/pkg/models"
)

const target = "https://vendor.example/api/desktop/latest/redirect"

func newResolver(s *browsertest.Session) *Resolver {
	return New(s, Config{
		Driver:            "fake",
		DownloadTimeout:   200 * time.Millisecond,
		NavigationTimeout: 300 * time.Millisecond,
	}, nil)
}

func TestResolve(t *testing.T) {
	artifact := "https://cdn.example/releases/App-1.2.3.dmg"
	download := models.Download{GUID: "guid-1", URL: artifact, SuggestedFilename: "App-1.2.3.dmg"}

	tests := []struct {
		name          string
		session       *browsertest.Session
		wantURL       string
		wantMethod    models.Method
		wantErr       error
		wantCalls     []string
		wantCancelled []string
	}{
		{
			name:          "download captured and cancelled",
			session:       &browsertest.Session{Download: download},
			wantURL:       artifact,
			wantMethod:    models.MethodDownload,
			wantCalls:     []string{"download " + target, "cancel guid-1"},
			wantCancelled: []string{"guid-1"},
		},
		{
			name: "download timeout falls back to redirect",
			session: &browsertest.Session{
				DownloadDelay: -1,
				Redirect:      artifact,
			},
			wantURL:    artifact,
			wantMethod: models.MethodRedirect,
			wantCalls:  []string{"download " + target, "redirect " + target},
		},
		{
			name: "navigation error falls back to redirect",
			session: &browsertest.Session{
				DownloadErr: &browser.NavigationError{URL: target, Reason: "net::ERR_CONNECTION_RESET"},
				Redirect:    artifact,
			},
			wantURL:    artifact,
			wantMethod: models.MethodRedirect,
			wantCalls:  []string{"download " + target, "redirect " + target},
		},
		{
			name: "both paths fail",
			session: &browsertest.Session{
				DownloadErr: browser.ErrNoDownload,
				RedirectErr: &browser.NavigationError{URL: target, Reason: "net::ERR_NAME_NOT_RESOLVED"},
			},
			wantErr:   browser.ErrNoDownload,
			wantCalls: []string{"download " + target, "redirect " + target},
		},
		{
			name: "fallback without location fails",
			session: &browsertest.Session{
				DownloadErr: browser.ErrNoDownload,
				RedirectErr: browser.ErrNoLocation,
			},
			wantErr:   browser.ErrNoLocation,
			wantCalls: []string{"download " + target, "redirect " + target},
		},
		{
			name: "both paths time out",
			session: &browsertest.Session{
				DownloadDelay: -1,
				RedirectDelay: -1,
			},
			wantErr:   context.DeadlineExceeded,
			wantCalls: []string{"download " + target, "redirect " + target},
		},
		{
			name:          "download without url is a failure",
			session:       &browsertest.Session{Download: models.Download{GUID: "guid-2"}, RedirectErr: browser.ErrNoLocation},
			wantErr:       browser.ErrNoLocation,
			wantCalls:     []string{"download " + target, "cancel guid-2", "redirect " + target},
			wantCancelled: []string{"guid-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newResolver(tt.session).Resolve(context.Background(), "run-1", target)
			require.NotNil(t, res)

			assert.Equal(t, "run-1", res.ID)
			assert.Equal(t, target, res.TargetURL)
			assert.Equal(t, "fake", res.Driver)
			assert.Equal(t, tt.wantCalls, tt.session.CallLog())
			assert.Equal(t, tt.wantCancelled, tt.session.Cancelled)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, models.StatusFailed, res.Status)
				assert.Empty(t, res.ResolvedURL)
				assert.NotEmpty(t, res.DownloadError)
				assert.NotEmpty(t, res.RedirectError)
				assert.False(t, res.Succeeded())
				return
			}

			require.NoError(t, err)
			assert.True(t, res.Succeeded())
			assert.Equal(t, tt.wantURL, res.ResolvedURL)
			assert.Equal(t, tt.wantMethod, res.Method)
		})
	}
}

func TestResolveCancelFailureKeepsURL(t *testing.T) {
	s := &browsertest.Session{
		Download:  models.Download{GUID: "guid-1", URL: "https://cdn.example/app.dmg"},
		CancelErr: errors.New("browser went away"),
	}

	res, err := newResolver(s).Resolve(context.Background(), "run-1", target)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/app.dmg", res.ResolvedURL)
	assert.Equal(t, models.MethodDownload, res.Method)
	assert.NotContains(t, s.CallLog(), "redirect "+target)
}

func TestResolveAppliesTimeouts(t *testing.T) {
	s := &browsertest.Session{DownloadErr: browser.ErrNoDownload, Redirect: "https://cdn.example/app.dmg"}
	r := New(s, Config{DownloadTimeout: 5 * time.Second, NavigationTimeout: 7 * time.Second}, nil)

	start := time.Now()
	_, err := r.Resolve(context.Background(), "run-1", target)
	require.NoError(t, err)

	assert.WithinDuration(t, start.Add(5*time.Second), s.DownloadDeadline, time.Second)
	assert.WithinDuration(t, start.Add(7*time.Second), s.RedirectDeadline, time.Second)
}

func TestResolveSkipsFallbackWhenCancelled(t *testing.T) {
	s := &browsertest.Session{DownloadDelay: -1, Redirect: "https://cdn.example/app.dmg"}
	r := New(s, Config{DownloadTimeout: time.Minute, NavigationTimeout: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := r.Resolve(ctx, "run-1", target)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, []string{"download " + target}, s.CallLog())
}

func TestResolveRecordsDuration(t *testing.T) {
	s := &browsertest.Session{Download: models.Download{GUID: "g", URL: "https://cdn.example/app.dmg"}}
	r := newResolver(s)

	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(250 * time.Millisecond)
		return clock
	}

	res, err := r.Resolve(context.Background(), "run-1", target)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, res.Duration)
}
