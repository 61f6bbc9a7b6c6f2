package override

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/notify"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/metrics"
)

// ForceDeliver delivers whatever the question currently has.
func (s *Service) ForceDeliver(ctx context.Context, actor Actor, questionID, reason string) (*model.Question, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	now := s.orch.Now()
	q, err := s.orch.Force(ctx, questionID, model.StatusDelivered, model.QuestionFields{DeliveredAt: &now}, actor.ID, model.ActionForceDeliver,
		map[string]interface{}{"reason": reason})
	if err != nil {
		return nil, err
	}
	metrics.Overrides.WithLabelValues(model.ActionForceDeliver).Inc()
	s.orch.Notify(ctx, q, q.SubmitterID, notify.EventAnswerDelivered, map[string]interface{}{"forced": true})
	return q, nil
}

// ForceReject rejects the question. An existing answer is marked rejected.
func (s *Service) ForceReject(ctx context.Context, actor Actor, questionID, reason string) (*model.Question, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errs.Validation("reason", "required")
	}
	q, err := s.orch.Force(ctx, questionID, model.StatusRejected, model.QuestionFields{}, actor.ID, model.ActionForceReject,
		map[string]interface{}{"reason": reason})
	if err != nil {
		return nil, err
	}
	if a, aErr := s.store.GetAnswerByQuestion(ctx, questionID); aErr == nil {
		a.Approval = model.ApprovalRejected
		a.RejectionReason = reason
		if uErr := s.store.UpdateAnswer(ctx, a); uErr != nil {
			s.log.Warn("Failed to mark answer rejected", zap.String("question_id", questionID), zap.Error(uErr))
		}
	}
	metrics.Overrides.WithLabelValues(model.ActionForceReject).Inc()
	s.orch.Notify(ctx, q, q.SubmitterID, notify.EventAnswerRejected, map[string]interface{}{"reason": reason})
	return q, nil
}

// Cancel stops the question. In-flight stage work finishes but its result is
// discarded by the status guard.
func (s *Service) Cancel(ctx context.Context, actor Actor, questionID, reason string) (*model.Question, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	q, err := s.orch.Force(ctx, questionID, model.StatusCancelled, model.QuestionFields{}, actor.ID, model.ActionCancel,
		map[string]interface{}{"reason": reason})
	if err != nil {
		return nil, err
	}
	metrics.Overrides.WithLabelValues(model.ActionCancel).Inc()
	return q, nil
}

// Requeue re-enqueues a stuck or dead-lettered question.
func (s *Service) Requeue(ctx context.Context, actor Actor, questionID, reason string) (*model.Question, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	q, err := s.orch.Requeue(ctx, questionID, actor.ID, reason)
	if err != nil {
		return nil, err
	}
	metrics.Overrides.WithLabelValues(model.ActionRequeue).Inc()
	return q, nil
}

// FlagRequest opens a manual flag against content.
type FlagRequest struct {
	ContentID   string
	ContentKind string
	QuestionID  string
	Reason      model.FlagReason
	Severity    model.Severity
	Note        string
}

// FlagContent opens a compliance flag raised by a person.
func (s *Service) FlagContent(ctx context.Context, actor Actor, req FlagRequest) (*model.ComplianceFlag, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	if req.ContentID == "" {
		return nil, errs.Validation("content_id", "required")
	}
	if !req.Reason.Valid() {
		return nil, errs.Validation("reason", "must be ai-content, plagiarism, vpn or other")
	}
	switch req.Severity {
	case model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
	case "":
		req.Severity = model.SeverityMedium
	default:
		return nil, errs.Validation("severity", "unknown severity")
	}
	if req.ContentKind == "" {
		req.ContentKind = "answer"
	}
	f := &model.ComplianceFlag{
		ID:          s.orch.NewID(),
		ContentID:   req.ContentID,
		ContentKind: req.ContentKind,
		QuestionID:  req.QuestionID,
		Reason:      req.Reason,
		Severity:    req.Severity,
		Details:     map[string]interface{}{"note": req.Note, "raised_by": actor.ID},
		CreatedAt:   s.orch.Now(),
	}
	if err := s.store.CreateFlag(ctx, f); err != nil {
		return nil, err
	}
	s.invalidate(ctx, f)
	s.orch.Record(ctx, model.ActionFlagCreated, actor.ID, req.QuestionID, map[string]interface{}{
		"flag_id":  f.ID,
		"reason":   string(f.Reason),
		"severity": string(f.Severity),
	})
	return f, nil
}

// ResolveFlag closes an open flag. The flag itself is kept.
func (s *Service) ResolveFlag(ctx context.Context, actor Actor, flagID, note string) (*model.ComplianceFlag, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	f, err := s.store.ResolveFlag(ctx, flagID, model.Resolution{ActorID: actor.ID, Note: note, ResolvedAt: s.orch.Now()})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, f)
	s.orch.Record(ctx, model.ActionFlagResolved, actor.ID, f.QuestionID, map[string]interface{}{
		"flag_id": f.ID,
		"note":    note,
	})
	return f, nil
}

// invalidate drops the snapshots whose open-flag count f affects.
func (s *Service) invalidate(ctx context.Context, f *model.ComplianceFlag) {
	s.orch.Invalidate(ctx, f.QuestionID)
	if f.ContentID != f.QuestionID {
		s.orch.Invalidate(ctx, f.ContentID)
	}
}

// Flags lists flags for a question or content id.
func (s *Service) Flags(ctx context.Context, actor Actor, contentID string, openOnly bool) ([]*model.ComplianceFlag, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	return s.store.ListFlags(ctx, contentID, openOnly)
}

// AuditTrail lists audit entries for an elevated actor.
func (s *Service) AuditTrail(ctx context.Context, actor Actor, filter model.AuditFilter) ([]model.AuditEntry, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	return s.orch.AuditTrail(ctx, filter)
}
