package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/config"
	"github.com/nmxmxh/answerflow/internal/model"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/json"
)

func TestChatClient_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		var req chatRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[0].Content, "biology")
		assert.Equal(t, "What is ATP?", req.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  ATP stores energy.  "}}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	c := NewChatClient(config.ProviderConfig{Name: "test", URL: srv.URL, Model: "gpt-test", APIKey: "key-1", Weight: 1.5}, srv.Client(), zap.NewNop())
	resp, err := c.Query(context.Background(), "What is ATP?", "biology")
	require.NoError(t, err)
	assert.Equal(t, "ATP stores energy.", resp.Text)
	assert.Equal(t, "test", resp.Provider)
	assert.Equal(t, float64(42), resp.Usage["total_tokens"])
	assert.Equal(t, 1.5, c.Weight())
}

func TestChatClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream", transient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", transient: true},
		{name: "bad request", status: http.StatusBadRequest, body: "bad", transient: false},
		{name: "empty completion", status: http.StatusOK, body: `{"choices":[]}`, transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewChatClient(config.ProviderConfig{Name: tt.name, URL: srv.URL}, srv.Client(), zap.NewNop())
			_, err := c.Query(context.Background(), "q", "")
			require.Error(t, err)
			assert.Equal(t, tt.transient, errs.Is(err, errs.ErrTransientProvider))
		})
	}
}

func TestChatClient_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewChatClient(config.ProviderConfig{Name: "slow", URL: srv.URL}, srv.Client(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Query(ctx, "q", "")
	assert.True(t, errs.Is(err, errs.ErrTransientProvider))
}

func TestEndpoint_BreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewChatClient(config.ProviderConfig{Name: "flaky", URL: srv.URL}, srv.Client(), zap.NewNop())
	for i := 0; i < 10; i++ {
		_, err := c.Query(context.Background(), "q", "")
		assert.True(t, errs.Is(err, errs.ErrTransientProvider))
	}
	// The breaker trips after six consecutive failures and stops calling out.
	assert.Equal(t, int32(6), atomic.LoadInt32(&hits))
}

func TestHumanizerAndOriginalityClients(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/humanize", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"text":"sounds human"}`))
	})
	mux.HandleFunc("/originality", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"similarity_score":0.05,"ai_score":0.02,"matches":[{"source":"wiki","similarity":0.05}]}`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"similarity_score":3}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	assert.Nil(t, NewHumanizerClient("", "", nil, zap.NewNop()))
	assert.Nil(t, NewOriginalityClient("", "", nil, zap.NewNop()))

	h := NewHumanizerClient(srv.URL+"/humanize", "", srv.Client(), zap.NewNop())
	res, err := h.Humanize(context.Background(), "It is important to note that", "")
	require.NoError(t, err)
	assert.Equal(t, "sounds human", res.Text)
	assert.Equal(t, model.MethodExternal, res.Method)

	o := NewOriginalityClient(srv.URL+"/originality", "", srv.Client(), zap.NewNop())
	report, err := o.CheckOriginality(context.Background(), "text")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, report.SimilarityScore, 1e-9)
	require.Len(t, report.Matches, 1)

	bad := NewOriginalityClient(srv.URL+"/broken", "", srv.Client(), zap.NewNop())
	_, err = bad.CheckOriginality(context.Background(), "text")
	assert.Error(t, err)
}
