package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseLocation(t *testing.T) {
	tests := []struct {
		name    string
		resp    response
		want    string
		wantErr error
	}{
		{
			name: "absolute location",
			resp: response{
				url:     "https://vendor.example/api/latest/redirect",
				status:  302,
				headers: map[string]string{"location": "https://cdn.example/app-1.2.3.dmg"},
			},
			want: "https://cdn.example/app-1.2.3.dmg",
		},
		{
			name: "header name is case insensitive",
			resp: response{
				url:     "https://vendor.example/latest",
				status:  307,
				headers: map[string]string{"Location": " https://cdn.example/app.dmg "},
			},
			want: "https://cdn.example/app.dmg",
		},
		{
			name: "relative location resolved against response url",
			resp: response{
				url:     "https://vendor.example/api/latest/redirect",
				status:  302,
				headers: map[string]string{"location": "/releases/app-2.0.0.dmg"},
			},
			want: "https://vendor.example/releases/app-2.0.0.dmg",
		},
		{
			name: "no location header",
			resp: response{
				url:     "https://vendor.example/latest",
				status:  200,
				headers: map[string]string{"content-type": "text/html"},
			},
			wantErr: ErrNoLocation,
		},
		{
			name: "empty location header",
			resp: response{
				url:     "https://vendor.example/latest",
				status:  302,
				headers: map[string]string{"location": ""},
			},
			wantErr: ErrNoLocation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resp.location()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResponseLocationLoadFailure(t *testing.T) {
	_, err := response{url: "https://unreachable.invalid/", failure: "net::ERR_NAME_NOT_RESOLVED"}.location()

	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, "net::ERR_NAME_NOT_RESOLVED", navErr.Reason)
	assert.False(t, isDownloadAbort(err))
}

func TestIsDownloadAbort(t *testing.T) {
	abort := &NavigationError{URL: "https://vendor.example/latest", Reason: "net::ERR_ABORTED"}

	assert.True(t, isDownloadAbort(abort))
	assert.True(t, isDownloadAbort(fmt.Errorf("navigate: %w", abort)))
	assert.False(t, isDownloadAbort(&NavigationError{Reason: "net::ERR_CONNECTION_REFUSED"}))
	assert.False(t, isDownloadAbort(errors.New("net::ERR_ABORTED")))
	assert.False(t, isDownloadAbort(nil))
}

func TestAwaitFirst(t *testing.T) {
	t.Run("event wins", func(t *testing.T) {
		events := make(chan string, 1)
		events <- "https://cdn.example/app.dmg"

		got, err := awaitFirst(context.Background(), events, make(chan error))
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example/app.dmg", got)
	})

	t.Run("download abort keeps waiting", func(t *testing.T) {
		events := make(chan string, 1)
		nav := make(chan error, 1)
		nav <- &NavigationError{Reason: abortReason}

		go func() {
			time.Sleep(20 * time.Millisecond)
			events <- "late"
		}()

		got, err := awaitFirst(context.Background(), events, nav)
		require.NoError(t, err)
		assert.Equal(t, "late", got)
	})

	t.Run("successful navigation keeps waiting", func(t *testing.T) {
		events := make(chan string, 1)
		nav := make(chan error, 1)
		nav <- nil

		go func() {
			time.Sleep(20 * time.Millisecond)
			events <- "after commit"
		}()

		got, err := awaitFirst(context.Background(), events, nav)
		require.NoError(t, err)
		assert.Equal(t, "after commit", got)
	})

	t.Run("navigation failure ends wait after grace", func(t *testing.T) {
		nav := make(chan error, 1)
		refused := &NavigationError{Reason: "net::ERR_CONNECTION_REFUSED"}
		nav <- refused

		start := time.Now()
		_, err := awaitFirst(context.Background(), make(chan string), nav)
		assert.ErrorIs(t, err, refused)
		assert.GreaterOrEqual(t, time.Since(start), navErrorGrace)
	})

	t.Run("event during grace still wins", func(t *testing.T) {
		events := make(chan string, 1)
		nav := make(chan error, 1)
		nav <- &NavigationError{Reason: "net::ERR_NAME_NOT_RESOLVED"}

		go func() {
			time.Sleep(50 * time.Millisecond)
			events <- "redirect seen"
		}()

		got, err := awaitFirst(context.Background(), events, nav)
		require.NoError(t, err)
		assert.Equal(t, "redirect seen", got)
	})

	t.Run("timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := awaitFirst(ctx, make(chan string), make(chan error))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDownloadSet(t *testing.T) {
	set := newDownloadSet()
	set.add("a")
	set.add("b")
	set.add("a")
	set.remove("b")
	set.add("c")

	got := set.drain()
	sort.Strings(got)
	assert.Equal(t, []string{"a", "c"}, got)
	assert.Empty(t, set.drain())
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "playwright"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
