// Package override implements the audited administrative actions that can
// skip or force any automated pipeline decision. Every action checks the
// actor's privilege, annotates the affected entity instead of erasing
// evidence and writes exactly one audit entry.
package override

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/pipeline"
	"github.com/nmxmxh/answerflow/internal/repository"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/json"
	"github.com/nmxmxh/answerflow/pkg/metrics"
)

// Kind names an override.
type Kind string

const (
	KindBypassAICheck      Kind = "bypass-ai-check"
	KindPassOriginality    Kind = "pass-originality"
	KindOverrideConfidence Kind = "override-confidence-threshold"
	KindSkipHumanization   Kind = "skip-humanization"
	KindBypassExpertReview Kind = "bypass-expert-review"
)

// Kinds lists every override kind.
var Kinds = []Kind{
	KindBypassAICheck,
	KindPassOriginality,
	KindOverrideConfidence,
	KindSkipHumanization,
	KindBypassExpertReview,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// action maps a kind to its audit action, which is also its metadata key.
func (k Kind) action() string {
	switch k {
	case KindBypassAICheck:
		return model.ActionAIBypass
	case KindPassOriginality:
		return model.ActionOriginalityPass
	case KindOverrideConfidence:
		return model.ActionConfidenceOverr
	case KindSkipHumanization:
		return model.ActionHumanizationSkip
	case KindBypassExpertReview:
		return model.ActionExpertBypass
	}
	return ""
}

// Elevated roles may run overrides and admin actions.
var elevatedRoles = []string{"admin", "moderator"}

// Actor is the authenticated user performing an action.
type Actor struct {
	ID    string
	Roles []string
}

// Elevated reports whether a holds an elevated role.
func (a Actor) Elevated() bool {
	for _, r := range a.Roles {
		for _, e := range elevatedRoles {
			if r == e {
				return true
			}
		}
	}
	return false
}

// HasRole reports whether a holds role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Request is one override.
type Request struct {
	Kind     Kind
	TargetID string
	Reason   string
	Actor    Actor
}

// Result reports what an override changed.
type Result struct {
	Kind       Kind         `json:"kind"`
	QuestionID string       `json:"question_id"`
	AnswerID   string       `json:"answer_id,omitempty"`
	From       model.Status `json:"from"`
	Status     model.Status `json:"status"`
	Action     string       `json:"action"`
}

// Service runs overrides and admin actions against the orchestrator.
type Service struct {
	orch  *pipeline.Orchestrator
	store repository.Store
	log   *zap.Logger
}

// New returns an override service.
func New(orch *pipeline.Orchestrator, log *zap.Logger) *Service {
	return &Service{orch: orch, store: orch.Store(), log: log.With(zap.String("module", "override"))}
}

func authorize(actor Actor) error {
	if actor.ID == "" || !actor.Elevated() {
		return errs.Wrap(errs.ErrForbidden, "elevated privilege required")
	}
	return nil
}

func (s *Service) marker(reason string, actor Actor) map[string]interface{} {
	return map[string]interface{}{
		"active": true,
		"reason": reason,
		"actor":  actor.ID,
		"at":     s.orch.Now(),
	}
}

// Override applies one of the five override kinds to the question TargetID.
func (s *Service) Override(ctx context.Context, req Request) (*Result, error) {
	if err := authorize(req.Actor); err != nil {
		return nil, err
	}
	if _, ok := ParseKind(string(req.Kind)); !ok {
		return nil, errs.Validation("kind", "unknown override kind "+string(req.Kind))
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, errs.Validation("reason", "required")
	}
	q, err := s.store.GetQuestion(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	if q.Status.Finished() {
		return nil, &errs.StateConflictError{EntityID: q.ID, Expected: "question in the pipeline", Actual: string(q.Status)}
	}
	a, err := s.store.GetAnswerByQuestion(ctx, q.ID)
	if err != nil {
		if errs.Is(err, errs.ErrNotFound) {
			return nil, errs.Validation("target_id", "question has no answer yet")
		}
		return nil, err
	}

	var res *Result
	switch req.Kind {
	case KindBypassAICheck, KindPassOriginality:
		res, err = s.bypassGate(ctx, q, a, req)
	case KindOverrideConfidence:
		res, err = s.overrideConfidence(ctx, q, a, req)
	case KindSkipHumanization:
		res, err = s.skipHumanization(ctx, q, a, req)
	case KindBypassExpertReview:
		res, err = s.bypassExpertReview(ctx, q, a, req)
	}
	if err != nil {
		return nil, err
	}
	metrics.Overrides.WithLabelValues(string(req.Kind)).Inc()
	s.log.Info("Override applied",
		zap.String("kind", string(req.Kind)),
		zap.String("question_id", q.ID),
		zap.String("actor", req.Actor.ID),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}

func (s *Service) details(req Request, a *model.Answer) map[string]interface{} {
	return map[string]interface{}{"kind": string(req.Kind), "reason": req.Reason, "answer_id": a.ID}
}

// bypassGate marks a compliance sub-check as passed. A question held by the
// gate whose last evaluation now passes is released to expert review.
func (s *Service) bypassGate(ctx context.Context, q *model.Question, a *model.Answer, req Request) (*Result, error) {
	action := req.Kind.action()
	a.SetMeta(action, s.marker(req.Reason, req.Actor))
	if err := s.store.UpdateAnswer(ctx, a); err != nil {
		return nil, err
	}
	res := &Result{Kind: req.Kind, QuestionID: q.ID, AnswerID: a.ID, From: q.Status, Status: q.Status, Action: action}

	held := q.Status == model.StatusHumanizing || q.Status == model.StatusComplianceCheck
	if n := len(a.Compliance); held && n > 0 {
		last := a.Compliance[n-1]
		aiOK := last.AIPassed || a.MetaBool(pipeline.MetaAICheckBypass)
		origOK := last.OriginalityPass || a.MetaBool(pipeline.MetaOriginalityPass)
		if aiOK && origOK {
			updated, err := s.orch.Force(ctx, q.ID, model.StatusExpertReview, model.QuestionFields{}, req.Actor.ID, action, s.details(req, a))
			switch {
			case err == nil:
				_ = s.orch.Advance(ctx, updated)
				res.Status = updated.Status
				return res, nil
			case !errs.IsConflict(err):
				return nil, err
			}
			// The question moved on; the marker still applies to the next evaluation.
		}
	}
	s.orch.Record(ctx, action, req.Actor.ID, q.ID, s.details(req, a))
	return res, nil
}

// overrideConfidence accepts a low-confidence answer. Nothing blocks on
// confidence, so this only annotates.
func (s *Service) overrideConfidence(ctx context.Context, q *model.Question, a *model.Answer, req Request) (*Result, error) {
	action := req.Kind.action()
	a.SetMeta(action, s.marker(req.Reason, req.Actor))
	if err := s.store.UpdateAnswer(ctx, a); err != nil {
		return nil, err
	}
	d := s.details(req, a)
	d["confidence"] = a.Confidence
	s.orch.Record(ctx, action, req.Actor.ID, q.ID, d)
	return &Result{Kind: req.Kind, QuestionID: q.ID, AnswerID: a.ID, From: q.Status, Status: q.Status, Action: action}, nil
}

// skipHumanization records the unmodified text as this round's humanized
// variant and moves the question straight to the compliance gate.
func (s *Service) skipHumanization(ctx context.Context, q *model.Question, a *model.Answer, req Request) (*Result, error) {
	if q.Status != model.StatusAIGenerated && q.Status != model.StatusHumanizing {
		return nil, &errs.StateConflictError{EntityID: q.ID, Expected: "ai_generated|humanizing", Actual: string(q.Status)}
	}
	prev, err := json.Copy(a)
	if err != nil {
		return nil, err
	}
	action := req.Kind.action()
	a.SetMeta(action, s.marker(req.Reason, req.Actor))
	round := a.ComplianceRetries
	if !a.HasHumanizedRound(round) {
		src, ok := a.Current()
		if !ok {
			return nil, errs.Validation("target_id", "answer has no text")
		}
		a.Variants = append(a.Variants, model.NewHumanizedVariant(model.HumanizedVariant{
			Text:   src.Text(),
			Method: model.MethodSkipped,
			Round:  round,
		}, s.orch.Now()))
	}
	if err := s.store.UpdateAnswer(ctx, a); err != nil {
		return nil, err
	}
	updated, err := s.orch.Force(ctx, q.ID, model.StatusComplianceCheck, model.QuestionFields{}, req.Actor.ID, action, s.details(req, a))
	if err != nil {
		s.restore(ctx, prev, a)
		return nil, err
	}
	_ = s.orch.Advance(ctx, updated)
	return &Result{Kind: req.Kind, QuestionID: q.ID, AnswerID: a.ID, From: q.Status, Status: updated.Status, Action: action}, nil
}

// bypassExpertReview approves the current answer without an expert and
// sends it to delivery.
func (s *Service) bypassExpertReview(ctx context.Context, q *model.Question, a *model.Answer, req Request) (*Result, error) {
	if !pipeline.CanOverride(q.Status, model.StatusApproved) {
		return nil, &errs.StateConflictError{EntityID: q.ID, Expected: "status before approved", Actual: string(q.Status)}
	}
	if _, ok := a.Current(); !ok {
		return nil, errs.Validation("target_id", "answer has no text")
	}
	prev, err := json.Copy(a)
	if err != nil {
		return nil, err
	}
	action := req.Kind.action()
	a.SetMeta(action, s.marker(req.Reason, req.Actor))
	a.Approval = model.ApprovalApproved
	a.RejectionReason = ""
	if err := s.store.UpdateAnswer(ctx, a); err != nil {
		return nil, err
	}
	updated, err := s.orch.Force(ctx, q.ID, model.StatusApproved, model.QuestionFields{}, req.Actor.ID, action, s.details(req, a))
	if err != nil {
		s.restore(ctx, prev, a)
		return nil, err
	}
	_ = s.orch.Advance(ctx, updated)
	return &Result{Kind: req.Kind, QuestionID: q.ID, AnswerID: a.ID, From: q.Status, Status: updated.Status, Action: action}, nil
}

// restore writes prev back over a after the status move behind an answer
// change was refused.
func (s *Service) restore(ctx context.Context, prev, a *model.Answer) {
	prev.Revision = a.Revision
	if err := s.store.UpdateAnswer(ctx, prev); err != nil {
		s.log.Error("Failed to restore answer after refused override",
			zap.String("answer_id", a.ID), zap.Error(err))
	}
}
