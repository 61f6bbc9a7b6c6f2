package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nmxmxh/answerflow/internal/aggregator"
	"github.com/nmxmxh/answerflow/internal/compliance"
	"github.com/nmxmxh/answerflow/internal/dispatcher"
	"github.com/nmxmxh/answerflow/internal/humanizer"
	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/override"
	"github.com/nmxmxh/answerflow/internal/pipeline"
	"github.com/nmxmxh/answerflow/internal/provider"
	"github.com/nmxmxh/answerflow/internal/repository"
	"github.com/nmxmxh/answerflow/internal/server/httputil"
	"github.com/nmxmxh/answerflow/pkg/auth"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/json"
)

const secret = "test-secret"

type fixture struct {
	t     *testing.T
	store *repository.MemoryStore
	disp  *dispatcher.MemoryDispatcher
	orch  *pipeline.Orchestrator
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := repository.NewMemoryStore()
	disp := dispatcher.NewMemory(dispatcher.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil, log)
	llm := &provider.StaticLLM{ProviderName: "alpha", Answer: func(string, string) (string, error) {
		return "The capital of France is Paris.", nil
	}}
	orch, err := pipeline.New(pipeline.Deps{
		Store:      store,
		Dispatcher: disp,
		Aggregator: aggregator.New([]provider.LLM{llm}, aggregator.DefaultConfig(), log),
		Humanizer:  humanizer.New(nil, time.Second, log),
		Gate:       compliance.New(nil, compliance.Config{AIThreshold: 0.5, OriginalityThreshold: 0.1}, log),
	}, pipeline.Options{}, log)
	require.NoError(t, err)
	s := New(orch, override.New(orch, log), secret, log)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{t: t, store: store, disp: disp, orch: orch, srv: srv}
}

func (f *fixture) token(user string, roles ...string) string {
	tok, err := auth.Sign(secret, user, roles, time.Hour)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body interface{}) (*http.Response, []byte) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(f.t, err)
	return resp, out.Bytes()
}

func (f *fixture) drain() {
	f.disp.Drain(context.Background(), f.orch.Handlers())
}

func (f *fixture) submit(user string) string {
	f.t.Helper()
	resp, body := f.do(http.MethodPost, "/questions", f.token(user, "student"), map[string]interface{}{
		"text":    "What is the capital of France?",
		"subject": "geography",
	})
	require.Equal(f.t, http.StatusAccepted, resp.StatusCode, string(body))
	var out submitResponse
	require.NoError(f.t, json.Unmarshal(body, &out))
	assert.Equal(f.t, model.StatusSubmitted, out.Status)
	return out.QuestionID
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", errs.Validation("text", "required"), http.StatusBadRequest},
		{"forbidden", errs.Wrap(errs.ErrForbidden, "nope"), http.StatusForbidden},
		{"not found", errs.ErrNotFound, http.StatusNotFound},
		{"conflict", &errs.StateConflictError{EntityID: "q", Expected: "a", Actual: "b"}, http.StatusConflict},
		{"transient", errs.Transient("alpha", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"other", errs.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, httputil.StatusFor(tt.err))
		})
	}
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	resp, _ = f.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Readiness(t *testing.T) {
	log := zaptest.NewLogger(t)
	s := New(nil, nil, secret, log, WithReadiness(func(context.Context) error { return errs.New("db down") }))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_QuestionLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.submit("student-1")
	f.drain()

	resp, body := f.do(http.MethodGet, "/questions/"+id, f.token("student-1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var snap model.StatusSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, model.StatusExpertReview, snap.Status)
	assert.Empty(t, snap.Answer, "answer text is hidden before delivery")

	resp, _ = f.do(http.MethodGet, "/questions/"+id, f.token("student-2"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/experts/reviews", f.token("student-1", "student"), reviewRequest{QuestionID: id, Approve: true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = f.do(http.MethodPost, "/experts/reviews", f.token("expert-1", ExpertRole), reviewRequest{QuestionID: id, Approve: true, Notes: "fine"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	f.drain()

	resp, body = f.do(http.MethodGet, "/questions/"+id, f.token("student-1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, model.StatusDelivered, snap.Status)
	assert.Equal(t, "The capital of France is Paris.", snap.Answer)

	resp, _ = f.do(http.MethodPost, "/questions/"+id+"/rating", f.token("student-1"), ratingRequest{Score: 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(http.MethodPost, "/questions/"+id+"/rating", f.token("student-2"), ratingRequest{Score: 5})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, body = f.do(http.MethodPost, "/questions/"+id+"/rating", f.token("student-1"), ratingRequest{Score: 5, Comment: "great"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, _ = f.do(http.MethodPost, "/questions/"+id+"/rating", f.token("student-1"), ratingRequest{Score: 4})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_SubmitErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		token string
		body  interface{}
		want  int
	}{
		{"guest", "", map[string]string{"text": "hi"}, http.StatusUnauthorized},
		{"bad token", "not-a-jwt", map[string]string{"text": "hi"}, http.StatusUnauthorized},
		{"empty text", f.token("s"), map[string]string{"text": " "}, http.StatusBadRequest},
		{"unknown field", f.token("s"), map[string]string{"txt": "hi"}, http.StatusBadRequest},
		{"bad kind", f.token("s"), map[string]string{"text": "hi", "input_kind": "audio"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(http.MethodPost, "/questions", tt.token, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	resp, _ := f.do(http.MethodGet, "/questions/missing", f.token("s"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_AdminRoutes(t *testing.T) {
	f := newFixture(t)
	admin := f.token("admin-1", "admin")
	id := f.submit("student-1")
	f.drain()

	resp, _ := f.do(http.MethodPost, "/admin/overrides", f.token("student-1", "student"), overrideRequest{Kind: "bypass-expert-review", TargetID: id, Reason: "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(http.MethodPost, "/admin/overrides", admin, overrideRequest{Kind: "bogus", TargetID: id, Reason: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(http.MethodPost, "/admin/overrides", admin, overrideRequest{Kind: "bypass-expert-review", TargetID: id, Reason: "trusted"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res override.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, model.StatusApproved, res.Status)
	assert.Equal(t, model.ActionExpertBypass, res.Action)
	f.drain()

	resp, _ = f.do(http.MethodPost, "/admin/questions/"+id+"/cancel", admin, reasonRequest{Reason: "late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "delivered questions are finished")

	other := f.submit("student-2")
	resp, _ = f.do(http.MethodPost, "/admin/questions/"+other+"/reject", admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body = f.do(http.MethodPost, "/admin/questions/"+other+"/cancel", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(http.MethodPost, "/admin/flags", admin, flagRequest{ContentID: id, QuestionID: id, Reason: "other", Note: "check"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var flag model.ComplianceFlag
	require.NoError(t, json.Unmarshal(body, &flag))

	resp, body = f.do(http.MethodGet, "/admin/flags?open=true&content_id="+id, admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var flags []model.ComplianceFlag
	require.NoError(t, json.Unmarshal(body, &flags))
	assert.Len(t, flags, 1)

	resp, _ = f.do(http.MethodPost, "/admin/flags/"+flag.ID+"/resolve", admin, resolveRequest{Note: "ok"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(http.MethodGet, "/admin/audit?action="+model.ActionExpertBypass, admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []model.AuditEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "admin-1", entries[0].ActorID)

	resp, _ = f.do(http.MethodGet, "/admin/audit?since=yesterday", admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(http.MethodGet, "/admin/audit", f.token("expert-1", ExpertRole), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
