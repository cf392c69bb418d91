package deployment

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Verifier polls the deployed application's HTTP endpoints after the remote
// compose sequence finishes. It replaces a blind fixed sleep: the deploy stage
// only reports success once the service actually answers.
type Verifier struct {
	client   *http.Client
	paths    []string
	interval time.Duration
	timeout  time.Duration
}

// NewVerifier returns a verifier for the given paths, typically "/" and "/status".
func NewVerifier(paths []string, interval, timeout time.Duration) *Verifier {
	if len(paths) == 0 {
		paths = []string{"/", "/status"}
	}
	if interval == 0 {
		interval = 3 * time.Second
	}
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	return &Verifier{
		client:   &http.Client{Timeout: 5 * time.Second},
		paths:    paths,
		interval: interval,
		timeout:  timeout,
	}
}

// Wait polls until every path on baseURL answers 200, or the timeout expires.
func (v *Verifier) Wait(ctx context.Context, baseURL string) error {
	deadline := time.Now().Add(v.timeout)
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	var lastErr error

	for {
		lastErr = v.checkAll(ctx, baseURL)
		if lastErr == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("service not ready after %v: %w", v.timeout, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (v *Verifier) checkAll(ctx context.Context, baseURL string) error {
	for _, p := range v.paths {
		url := baseURL + p
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := v.client.Do(req)
		if err != nil {
			return fmt.Errorf("error reaching %v: %w", url, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %v from %v", resp.StatusCode, url)
		}

		log.Printf("Verified %v: %v", url, resp.StatusCode)
	}
	return nil
}
