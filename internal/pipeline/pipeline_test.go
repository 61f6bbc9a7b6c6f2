package pipeline

import (
	"context"
	"errors"
	"sync"
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
	"github.com/nmxmxh/answerflow/internal/notify"
	"github.com/nmxmxh/answerflow/internal/provider"
	"github.com/nmxmxh/answerflow/internal/repository"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
)

type stubOriginality struct {
	mu         sync.Mutex
	similarity float64
	ai         float64
}

func (s *stubOriginality) set(similarity, ai float64) {
	s.mu.Lock()
	s.similarity, s.ai = similarity, ai
	s.mu.Unlock()
}

func (s *stubOriginality) CheckOriginality(_ context.Context, _ string) (*provider.OriginalityReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &provider.OriginalityReport{SimilarityScore: s.similarity, AIScore: s.ai}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	users  []string
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, userID string, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) sent(event string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var users []string
	for i, ev := range r.events {
		if ev.Type == event {
			users = append(users, r.users[i])
		}
	}
	return users
}

type stubExtractor struct {
	mu   sync.Mutex
	text string
	err  error
}

func (s *stubExtractor) Extract(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.err
}

func answering(name, text string) provider.LLM {
	return &provider.StaticLLM{ProviderName: name, Answer: func(string, string) (string, error) { return text, nil }}
}

func failing(name string) provider.LLM {
	return &provider.StaticLLM{ProviderName: name, Answer: func(string, string) (string, error) {
		return "", errors.New("connection refused")
	}}
}

type harness struct {
	store *repository.MemoryStore
	disp  *dispatcher.MemoryDispatcher
	orch  *Orchestrator
	orig  *stubOriginality
	notes *recordingNotifier
	ocr   *stubExtractor
}

func newHarness(t *testing.T, llms []provider.LLM, opts Options) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	h := &harness{
		store: repository.NewMemoryStore(),
		orig:  &stubOriginality{},
		notes: &recordingNotifier{},
		ocr:   &stubExtractor{},
	}
	h.disp = dispatcher.NewMemory(dispatcher.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil, log)
	orch, err := New(Deps{
		Store:      h.store,
		Dispatcher: h.disp,
		Aggregator: aggregator.New(llms, aggregator.DefaultConfig(), log),
		Humanizer:  humanizer.New(nil, time.Second, log),
		Gate:       compliance.New(h.orig, compliance.Config{AIThreshold: 0.10, OriginalityThreshold: 0.90, Timeout: time.Second}, log),
		Extractor:  h.ocr,
		Notifier:   h.notes,
	}, opts, log)
	require.NoError(t, err)
	h.disp.OnDeadLetter(orch.OnDeadLetter)
	h.orch = orch
	return h
}

func (h *harness) drain() {
	h.disp.Drain(context.Background(), h.orch.Handlers())
}

func (h *harness) question(t *testing.T, id string) *model.Question {
	t.Helper()
	q, err := h.store.GetQuestion(context.Background(), id)
	require.NoError(t, err)
	return q
}

func (h *harness) answer(t *testing.T, id string) *model.Answer {
	t.Helper()
	a, err := h.store.GetAnswerByQuestion(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (h *harness) audit(t *testing.T, id, action string) []model.AuditEntry {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), model.AuditFilter{QuestionID: id, Action: action})
	require.NoError(t, err)
	return entries
}

func (h *harness) transitions(t *testing.T, id string) []string {
	t.Helper()
	var out []string
	for _, e := range h.audit(t, id, model.ActionStatusTransition) {
		out = append(out, e.Details["from"].(string)+">"+e.Details["to"].(string))
	}
	return out
}

// assertGraphEdges walks every recorded move of the question and checks
// that each is an edge of the status graph, that consecutive moves chain,
// and that the last one ends at the stored status.
func assertGraphEdges(t *testing.T, h *harness, id string) {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), model.AuditFilter{QuestionID: id})
	require.NoError(t, err)
	at := model.StatusSubmitted
	for _, e := range entries {
		from, okFrom := e.Details["from"].(string)
		to, okTo := e.Details["to"].(string)
		if !okFrom || !okTo {
			continue
		}
		f, n := model.Status(from), model.Status(to)
		assert.Equal(t, at, f, "%s %s>%s does not follow %s", e.Action, from, to, at)
		switch {
		case e.Action == model.ActionStatusTransition:
			assert.True(t, CanTransition(f, n), "%s>%s is not a stage edge", from, to)
		case f != n:
			assert.True(t, CanOverride(f, n), "%s %s>%s is not an override edge", e.Action, from, to)
		}
		at = n
	}
	assert.Equal(t, at, h.question(t, id).Status)
}

func (h *harness) submit(t *testing.T, text string) *model.Question {
	t.Helper()
	q, err := h.orch.Submit(context.Background(), SubmitRequest{SubmitterID: "student-1", Text: text, Subject: "geography"})
	require.NoError(t, err)
	return q
}

const paris = "The capital of France is Paris."

func TestPipeline_HappyPathToRated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{answering("alpha", paris), answering("beta", paris)}, Options{})

	q := h.submit(t, "What is the capital of France?")
	assert.Equal(t, model.StatusSubmitted, q.Status)
	h.drain()

	got := h.question(t, q.ID)
	require.Equal(t, model.StatusExpertReview, got.Status)
	assert.NotNil(t, got.ProcessedAt)
	assert.NotNil(t, got.Metadata[MetaExpertAssignment])

	a := h.answer(t, q.ID)
	assert.InDelta(t, 1.0, a.Confidence, 1e-9)
	require.Len(t, a.Variants, 2)
	assert.Equal(t, model.VariantAI, a.Variants[0].Kind)
	assert.Equal(t, paris, a.Variants[0].Text())
	assert.Len(t, a.Variants[0].AI.Sources, 2)
	assert.Equal(t, model.VariantHumanized, a.Variants[1].Kind)
	assert.Equal(t, model.MethodRuleBased, a.Variants[1].Humanized.Method)
	require.Len(t, a.Compliance, 1)
	assert.True(t, a.Compliance[0].Compliant)
	assert.Equal(t, []string{ExpertPool}, h.notes.sent(notify.EventExpertAssigned))

	_, err := h.orch.SubmitExpertReview(ctx, ExpertDecision{QuestionID: q.ID, ExpertID: "expert-7", Approve: true})
	require.NoError(t, err)
	h.drain()

	snap, err := h.orch.GetStatus(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, snap.Status)
	assert.Equal(t, model.ApprovalApproved, snap.Approval)
	assert.NotEmpty(t, snap.Answer)
	assert.NotNil(t, snap.DeliveredAt)
	assert.Equal(t, []string{"student-1"}, h.notes.sent(notify.EventAnswerDelivered))

	_, err = h.orch.Rate(ctx, q.ID, "student-1", 5, "clear")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"submitted>processing",
		"processing>ai_generated",
		"ai_generated>humanizing",
		"humanizing>compliance_check",
		"compliance_check>expert_review",
		"expert_review>approved",
		"approved>delivered",
		"delivered>rated",
	}, h.transitions(t, q.ID))
	assert.Len(t, h.audit(t, q.ID, model.ActionQuestionSubmitted), 1)
	assert.Len(t, h.audit(t, q.ID, model.ActionExpertDecision), 1)
	assert.Len(t, h.audit(t, q.ID, model.ActionRated), 1)
	assertGraphEdges(t, h, q.ID)
}

func TestPipeline_DuplicateMessagesAreNoOps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{answering("alpha", paris)}, Options{})
	q := h.submit(t, "What is the capital of France?")
	h.drain()
	require.Equal(t, model.StatusExpertReview, h.question(t, q.ID).Status)

	before := h.answer(t, q.ID)
	auditBefore, err := h.store.ListAudit(ctx, model.AuditFilter{QuestionID: q.ID})
	require.NoError(t, err)

	for _, stage := range []model.Stage{model.StageAIProcessing, model.StageHumanization, model.StageOriginalityCheck, model.StageExpertReview, model.StageDelivery} {
		require.NoError(t, h.disp.Enqueue(ctx, stage, &model.PipelineMessage{TargetID: q.ID}))
	}
	h.drain()

	after := h.answer(t, q.ID)
	assert.Equal(t, model.StatusExpertReview, h.question(t, q.ID).Status)
	assert.Len(t, after.Variants, len(before.Variants))
	assert.Equal(t, before.Revision, after.Revision)
	auditAfter, err := h.store.ListAudit(ctx, model.AuditFilter{QuestionID: q.ID})
	require.NoError(t, err)
	assert.Len(t, auditAfter, len(auditBefore))
	for _, stage := range model.AllStages {
		assert.Empty(t, h.disp.DeadLettered(stage), stage)
	}
	assertGraphEdges(t, h, q.ID)
}

func TestPipeline_ZeroResponsesGoToExpertReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{failing("alpha"), failing("beta")}, Options{})
	q := h.submit(t, "Explain entropy.")
	h.drain()

	assert.Equal(t, model.StatusExpertReview, h.question(t, q.ID).Status)
	assert.Len(t, h.audit(t, q.ID, model.ActionAIGenerationFail), 1)
	_, err := h.store.GetAnswerByQuestion(ctx, q.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = h.orch.SubmitExpertReview(ctx, ExpertDecision{QuestionID: q.ID, ExpertID: "expert-1", Approve: true})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = h.orch.SubmitExpertReview(ctx, ExpertDecision{QuestionID: q.ID, ExpertID: "expert-1", Approve: true, CorrectedText: "Entropy measures disorder."})
	require.NoError(t, err)
	h.drain()

	a := h.answer(t, q.ID)
	require.Len(t, a.Variants, 1)
	assert.Equal(t, model.VariantExpert, a.Variants[0].Kind)
	assert.Equal(t, "expert-1", a.Variants[0].Expert.ExpertID)
	assert.Equal(t, model.StatusDelivered, h.question(t, q.ID).Status)
	assertGraphEdges(t, h, q.ID)
}

func TestPipeline_ComplianceLoopbackEscalates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{answering("alpha", paris)}, Options{MaxComplianceRetries: 3})
	h.orig.set(0.5, 0)
	q := h.submit(t, "What is the capital of France?")
	h.drain()

	assert.Equal(t, model.StatusExpertReview, h.question(t, q.ID).Status)
	a := h.answer(t, q.ID)
	assert.Equal(t, 3, a.ComplianceRetries)
	require.Len(t, a.Compliance, 3)
	for i, c := range a.Compliance {
		assert.Equal(t, i, c.Round)
		assert.False(t, c.Compliant)
	}
	rounds := 0
	for _, v := range a.Variants {
		if v.Kind == model.VariantHumanized {
			assert.Equal(t, rounds, v.Humanized.Round)
			rounds++
		}
	}
	assert.Equal(t, 3, rounds)
	assert.Len(t, h.audit(t, q.ID, model.ActionComplianceFailed), 3)
	assert.Len(t, h.audit(t, q.ID, model.ActionComplianceEscal), 1)

	flags, err := h.store.ListFlags(ctx, q.ID, true)
	require.NoError(t, err)
	require.Len(t, flags, 3)
	for _, f := range flags {
		assert.Equal(t, model.FlagPlagiarism, f.Reason)
		assert.Equal(t, model.SeverityHigh, f.Severity)
	}
	snap, err := h.orch.GetStatus(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.OpenFlags)
	assert.Empty(t, snap.Answer)
	assertGraphEdges(t, h, q.ID)
}

func TestPipeline_ComplianceRecoversAfterLoopback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{answering("alpha", paris)}, Options{MaxComplianceRetries: 3})
	h.orig.set(0.5, 0)
	q := h.submit(t, "What is the capital of France?")

	hs := h.orch.Handlers()
	step := func(stage model.Stage) {
		require.Len(t, h.disp.Pending(stage), 1, stage)
		h.disp.Drain(ctx, map[model.Stage]dispatcher.Handler{stage: hs[stage]})
	}
	step(model.StageAIProcessing)
	step(model.StageHumanization)
	step(model.StageOriginalityCheck)
	assert.Equal(t, model.StatusHumanizing, h.question(t, q.ID).Status)

	h.orig.set(0, 0)
	h.drain()

	a := h.answer(t, q.ID)
	assert.Equal(t, model.StatusExpertReview, h.question(t, q.ID).Status)
	assert.Equal(t, 1, a.ComplianceRetries)
	require.Len(t, a.Compliance, 2)
	assert.False(t, a.Compliance[0].Compliant)
	assert.True(t, a.Compliance[1].Compliant)
	assert.True(t, a.HasHumanizedRound(1))
	assert.Empty(t, h.audit(t, q.ID, model.ActionComplianceEscal))
	assert.Contains(t, h.transitions(t, q.ID), "compliance_check>humanizing")
	assertGraphEdges(t, h, q.ID)
}

func TestPipeline_BypassMarkersPassTheGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{answering("alpha", paris)}, Options{})
	h.orig.set(0.5, 0.9)
	q := h.submit(t, "What is the capital of France?")
	hs := h.orch.Handlers()
	h.disp.Drain(ctx, map[model.Stage]dispatcher.Handler{
		model.StageAIProcessing: hs[model.StageAIProcessing],
		model.StageHumanization: hs[model.StageHumanization],
	})
	require.Equal(t, model.StatusComplianceCheck, h.question(t, q.ID).Status)

	a := h.answer(t, q.ID)
	a.SetMeta(MetaAICheckBypass, map[string]interface{}{"active": true})
	a.SetMeta(MetaOriginalityPass, map[string]interface{}{"active": true})
	require.NoError(t, h.store.UpdateAnswer(ctx, a))
	h.drain()

	a = h.answer(t, q.ID)
	require.Len(t, a.Compliance, 1)
	assert.True(t, a.Compliance[0].Compliant)
	assert.ElementsMatch(t, []string{"ai_check", "originality"}, a.Compliance[0].Bypassed)
	assert.InDelta(t, 0.9, a.Compliance[0].AIScore, 1e-9)
	assert.Equal(t, model.StatusExpertReview, h.question(t, q.ID).Status)
	assertGraphEdges(t, h, q.ID)
}

func TestPipeline_LowConfidenceIsRecordedNotBlocking(t *testing.T) {
	h := newHarness(t, []provider.LLM{
		answering("alpha", "Paris is the capital."),
		answering("beta", "Lyon hosts many museums and restaurants."),
	}, Options{MinConfidence: 0.7})
	q := h.submit(t, "What is the capital of France?")
	h.drain()

	a := h.answer(t, q.ID)
	assert.Less(t, a.Confidence, 0.7)
	assert.True(t, a.MetaBool(MetaLowConfidence))
	assert.Len(t, h.audit(t, q.ID, model.ActionLowConfidence), 1)
	assert.Equal(t, model.StatusExpertReview, h.question(t, q.ID).Status)
	assert.Contains(t, h.transitions(t, q.ID), "processing>ai_generated")
	assertGraphEdges(t, h, q.ID)
}

func TestPipeline_EscalationRule(t *testing.T) {
	h := newHarness(t, []provider.LLM{answering("alpha", paris), answering("beta", paris)}, Options{EscalationRule: `subject == "law" || priority > 5`})

	law, err := h.orch.Submit(context.Background(), SubmitRequest{SubmitterID: "s", Text: "Is this contract valid?", Subject: "law"})
	require.NoError(t, err)
	geo := h.submit(t, "What is the capital of France?")
	h.drain()

	assert.Equal(t, model.StatusExpertReview, h.question(t, law.ID).Status)
	assert.Equal(t, `subject == "law" || priority > 5`, h.question(t, law.ID).Metadata[MetaEscalation])
	assert.Contains(t, h.transitions(t, law.ID), "processing>expert_review")
	assert.Contains(t, h.transitions(t, geo.ID), "processing>ai_generated")
	assertGraphEdges(t, h, law.ID)
	assertGraphEdges(t, h, geo.ID)

	_, err = New(Deps{Store: h.store, Dispatcher: h.disp}, Options{EscalationRule: "confidence <"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestPipeline_ImageQuestions(t *testing.T) {
	ctx := context.Background()

	t.Run("extracted text is answered", func(t *testing.T) {
		h := newHarness(t, []provider.LLM{answering("alpha", "4")}, Options{})
		h.ocr.text = "What is 2+2?"
		q, err := h.orch.Submit(ctx, SubmitRequest{SubmitterID: "s", InputKind: model.InputImage, ImageURL: "https://cdn/q.png"})
		require.NoError(t, err)
		h.drain()

		got := h.question(t, q.ID)
		assert.Equal(t, "What is 2+2?", got.Content.ExtractedText)
		assert.Contains(t, h.transitions(t, q.ID), "processing>ai_generated")
		assertGraphEdges(t, h, q.ID)
	})

	t.Run("no text goes to an expert", func(t *testing.T) {
		h := newHarness(t, []provider.LLM{answering("alpha", "4")}, Options{})
		q, err := h.orch.Submit(ctx, SubmitRequest{SubmitterID: "s", InputKind: model.InputImage, ImageURL: "https://cdn/q.png"})
		require.NoError(t, err)
		h.drain()

		assert.Equal(t, model.StatusExpertReview, h.question(t, q.ID).Status)
		_, err = h.store.GetAnswerByQuestion(ctx, q.ID)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		assertGraphEdges(t, h, q.ID)
	})
}

func TestPipeline_DeadLetterAndRequeue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{answering("alpha", "4")}, Options{})
	h.ocr.err = errs.Transient("ocr", errors.New("503"))
	q, err := h.orch.Submit(ctx, SubmitRequest{SubmitterID: "s", InputKind: model.InputImage, ImageURL: "https://cdn/q.png"})
	require.NoError(t, err)
	h.drain()

	got := h.question(t, q.ID)
	assert.Equal(t, model.StatusSubmitted, got.Status)
	assert.NotNil(t, got.Metadata[MetaDeadLetter])
	require.Len(t, h.disp.DeadLettered(model.StageAIProcessing), 1)
	failed := h.audit(t, q.ID, model.ActionStageFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(model.StageAIProcessing), failed[0].Details["stage"])
	// Each attempt claims and then releases the question.
	assert.Len(t, h.transitions(t, q.ID), 6)

	h.ocr.mu.Lock()
	h.ocr.err, h.ocr.text = nil, "What is 2+2?"
	h.ocr.mu.Unlock()
	_, err = h.orch.Requeue(ctx, q.ID, "admin-1", "ocr recovered")
	require.NoError(t, err)
	h.drain()

	got = h.question(t, q.ID)
	assert.Equal(t, model.StatusExpertReview, got.Status)
	assert.Nil(t, got.Metadata[MetaDeadLetter])
	assert.Len(t, h.audit(t, q.ID, model.ActionRequeue), 1)
	assertGraphEdges(t, h, q.ID)
}

func TestPipeline_CancelIsSoft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{answering("alpha", paris)}, Options{})
	q := h.submit(t, "What is the capital of France?")

	_, err := h.orch.Force(ctx, q.ID, model.StatusCancelled, model.QuestionFields{}, "admin-1", model.ActionCancel, nil)
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, model.StatusCancelled, h.question(t, q.ID).Status)
	_, err = h.store.GetAnswerByQuestion(ctx, q.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Empty(t, h.disp.DeadLettered(model.StageAIProcessing))
	assert.Len(t, h.audit(t, q.ID, model.ActionCancel), 1)
	assert.Empty(t, h.transitions(t, q.ID))

	_, err = h.orch.Force(ctx, q.ID, model.StatusDelivered, model.QuestionFields{}, "admin-1", model.ActionForceDeliver, nil)
	assert.True(t, errs.IsConflict(err))
	assertGraphEdges(t, h, q.ID)
}

func TestPipeline_ExpertRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{answering("alpha", paris)}, Options{})
	q := h.submit(t, "What is the capital of France?")
	h.drain()

	_, err := h.orch.SubmitExpertReview(ctx, ExpertDecision{QuestionID: q.ID, ExpertID: "e", Approve: false, Reason: "off topic"})
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, model.StatusRejected, h.question(t, q.ID).Status)
	a := h.answer(t, q.ID)
	assert.Equal(t, model.ApprovalRejected, a.Approval)
	assert.Equal(t, "off topic", a.RejectionReason)
	assert.Equal(t, []string{"student-1"}, h.notes.sent(notify.EventAnswerRejected))

	_, err = h.orch.SubmitExpertReview(ctx, ExpertDecision{QuestionID: q.ID, ExpertID: "e", Approve: true})
	assert.True(t, errs.IsConflict(err))
	assertGraphEdges(t, h, q.ID)
}

func TestRate_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{answering("alpha", paris)}, Options{})
	q := h.submit(t, "What is the capital of France?")

	_, err := h.orch.Rate(ctx, q.ID, "student-1", 6, "")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = h.orch.Rate(ctx, q.ID, "someone-else", 4, "")
	assert.ErrorIs(t, err, errs.ErrForbidden)
	_, err = h.orch.Rate(ctx, q.ID, "student-1", 4, "")
	assert.True(t, errs.IsConflict(err))
	_, err = h.orch.Rate(ctx, "missing", "student-1", 4, "")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, nil, Options{})
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"no submitter", SubmitRequest{Text: "q"}},
		{"empty text", SubmitRequest{SubmitterID: "s", Text: "   "}},
		{"unknown kind", SubmitRequest{SubmitterID: "s", InputKind: "audio", Text: "q"}},
		{"image without url", SubmitRequest{SubmitterID: "s", InputKind: model.InputImage}},
		{"mixed without content", SubmitRequest{SubmitterID: "s", InputKind: model.InputMixed}},
		{"negative priority", SubmitRequest{SubmitterID: "s", Text: "q", Priority: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, errs.ErrInvalidInput)
		})
	}
	assert.Empty(t, h.disp.Pending(model.StageAIProcessing))
}

func TestSubmit_ClientMetadataCannotSetPipelineKeys(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []provider.LLM{failing("alpha")}, Options{})
	client := map[string]interface{}{
		MetaExpertAssignment: "nobody",
		MetaDeadLetter:       "x",
		MetaSweeps:           9,
		"course":             "chem-101",
	}
	q, err := h.orch.Submit(ctx, SubmitRequest{SubmitterID: "student-1", Text: "Explain entropy.", Metadata: client})
	require.NoError(t, err)
	h.drain()

	got := h.question(t, q.ID)
	require.Equal(t, model.StatusExpertReview, got.Status)
	kept, ok := got.Metadata[MetaClient].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "chem-101", kept["course"])
	assert.Equal(t, "nobody", kept[MetaExpertAssignment])
	assert.Nil(t, got.Metadata[MetaDeadLetter])
	assert.Nil(t, got.Metadata[MetaSweeps])
	assignment, ok := got.Metadata[MetaExpertAssignment].(map[string]interface{})
	require.True(t, ok, "expert assignment must be written by the pipeline")
	assert.Equal(t, ExpertPool, assignment["expert_id"])
	assert.Len(t, h.audit(t, q.ID, model.ActionExpertAssigned), 1)
	assert.Equal(t, []string{ExpertPool}, h.notes.sent(notify.EventExpertAssigned))
}

func TestNotificationHandler_RejectsMalformedPayload(t *testing.T) {
	h := newHarness(t, nil, Options{})
	handler := h.orch.Handlers()[model.StageNotification]

	err := handler(context.Background(), &model.PipelineMessage{TargetID: "q", Payload: map[string]interface{}{"event": "answer_delivered"}})
	assert.True(t, errs.IsPermanent(err))

	err = handler(context.Background(), &model.PipelineMessage{TargetID: "q", Payload: map[string]interface{}{
		"event": "answer_delivered", "user_id": "u1", "data": map[string]interface{}{"answer_id": "a1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, h.notes.sent(notify.EventAnswerDelivered))
}
