package deployment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifierWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/status":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	v := NewVerifier(nil, 10*time.Millisecond, time.Second)
	assert.NoError(t, v.Wait(context.Background(), srv.URL))
}

func TestVerifierWaitUntilReady(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Unavailable for the first few polls, as right after compose up.
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := NewVerifier([]string{"/"}, 10*time.Millisecond, time.Second)
	assert.NoError(t, v.Wait(context.Background(), srv.URL))
	assert.Greater(t, hits.Load(), int32(3))
}

func TestVerifierTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	v := NewVerifier([]string{"/status"}, 10*time.Millisecond, 50*time.Millisecond)
	err := v.Wait(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestVerifierContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := NewVerifier([]string{"/"}, 10*time.Millisecond, time.Minute)
	assert.Error(t, v.Wait(ctx, srv.URL))
}
