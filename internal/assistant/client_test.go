package assistant

import (
	"testing"
	"time"

	"github.com/go-faster/errors"
)

func TestHTTPErrorStopRetry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   bool
	}{
		{status: 400, want: true},
		{status: 401, want: true},
		{status: 404, want: true},
		{status: 429, want: false},
		{status: 500, want: false},
		{status: 503, want: false},
	}

	for _, tc := range cases {
		e := &httpError{status: tc.status}
		if got := e.StopRetry(); got != tc.want {
			t.Errorf("StopRetry() for %d = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestRetryAfterWait(t *testing.T) {
	t.Parallel()

	wait, ok := retryAfterWait(&httpError{status: 429, retryAfter: "17"})
	if !ok || wait != 17*time.Second {
		t.Fatalf("retryAfterWait = (%v, %v), want (17s, true)", wait, ok)
	}

	// Заголовок доступен и через обёрнутую ошибку.
	wrapped := errors.Wrap(&httpError{status: 429, retryAfter: "3"}, "create response")
	wait, ok = retryAfterWait(wrapped)
	if !ok || wait != 3*time.Second {
		t.Fatalf("retryAfterWait(wrapped) = (%v, %v), want (3s, true)", wait, ok)
	}

	for _, e := range []error{
		errors.New("plain"),
		&httpError{status: 429},
		&httpError{status: 429, retryAfter: "soon"},
		&httpError{status: 429, retryAfter: "-5"},
	} {
		if _, ok := retryAfterWait(e); ok {
			t.Errorf("retryAfterWait(%v) = true, want false", e)
		}
	}
}
