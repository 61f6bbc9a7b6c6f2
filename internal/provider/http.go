package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"

	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/json"
	"github.com/nmxmxh/answerflow/pkg/metrics"
)

const maxResponseBytes = 4 << 20

// endpoint is the shared transport for every HTTP-backed provider: JSON in,
// JSON out, bearer auth, a circuit breaker per endpoint.
type endpoint struct {
	name    string
	url     string
	apiKey  string
	client  *http.Client
	breaker *cb.CircuitBreaker
	log     *zap.Logger
}

func newEndpoint(name, url, apiKey string, client *http.Client, log *zap.Logger) *endpoint {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	settings := cb.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// Rejected requests say nothing about provider health.
			return err == nil || !errs.Is(err, errs.ErrTransientProvider)
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("Circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &endpoint{
		name:    name,
		url:     url,
		apiKey:  apiKey,
		client:  client,
		breaker: cb.NewCircuitBreaker(settings),
		log:     log.With(zap.String("provider", name)),
	}
}

// post sends in as JSON and decodes the reply into out. Timeouts, 429 and 5xx
// come back as TransientProviderError; an open breaker does too.
func (e *endpoint) post(ctx context.Context, in, out interface{}) error {
	start := time.Now()
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.do(ctx, in, out)
	})
	if err == cb.ErrOpenState || err == cb.ErrTooManyRequests {
		err = errs.Transient(e.name, err)
	}
	metrics.ObserveProviderCall(e.name, time.Since(start), err)
	return err
}

func (e *endpoint) do(ctx context.Context, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errs.Transient(e.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errs.Transient(e.name, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.Transient(e.name, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200)))
	case resp.StatusCode >= 300:
		return fmt.Errorf("provider %s: status %d: %s", e.name, resp.StatusCode, truncate(data, 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("provider %s: decode response: %w", e.name, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
