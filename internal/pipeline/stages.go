package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/dispatcher"
	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/notify"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/logger"
)

// ExpertPool is the notification recipient when no expert is named.
const ExpertPool = "expert_pool"

// Handlers returns one handler per stage, ready for a dispatcher.
func (o *Orchestrator) Handlers() map[model.Stage]dispatcher.Handler {
	return map[model.Stage]dispatcher.Handler{
		model.StageAIProcessing:     o.wrap(o.handleAIProcessing),
		model.StageHumanization:     o.wrap(o.handleHumanization),
		model.StageOriginalityCheck: o.wrap(o.handleOriginalityCheck),
		model.StageExpertReview:     o.wrap(o.handleExpertReview),
		model.StageDelivery:         o.wrap(o.handleDelivery),
		model.StageNotification:     o.wrap(o.handleNotification),
	}
}

func (o *Orchestrator) wrap(h dispatcher.Handler) dispatcher.Handler {
	return func(ctx context.Context, msg *model.PipelineMessage) error {
		ctx = logger.WithStage(ctx, string(msg.Stage))
		return h(logger.WithQuestion(ctx, msg.TargetID), msg)
	}
}

func (o *Orchestrator) load(ctx context.Context, msg *model.PipelineMessage) (*model.Question, error) {
	q, err := o.store.GetQuestion(ctx, msg.TargetID)
	if errs.Is(err, errs.ErrNotFound) {
		return nil, errs.Validation("target_id", "unknown question "+msg.TargetID)
	}
	return q, err
}

func (o *Orchestrator) toExpertReview(ctx context.Context, q *model.Question, fields model.QuestionFields, reason string) error {
	if _, err := o.transition(ctx, q, model.StatusExpertReview, fields, map[string]interface{}{"reason": reason}); err != nil {
		return err
	}
	_ = o.enqueue(ctx, model.StageExpertReview, &model.PipelineMessage{
		TargetID: q.ID,
		Payload:  map[string]interface{}{"reason": reason},
	})
	return nil
}

// handleAIProcessing claims a submitted question, aggregates provider
// answers and stores the AI variant. The claim is released on failure so
// the retry starts from submitted again.
func (o *Orchestrator) handleAIProcessing(ctx context.Context, msg *model.PipelineMessage) (err error) {
	q, err := o.load(ctx, msg)
	if err != nil {
		return err
	}
	if q.Status != model.StatusSubmitted {
		return stale(q, model.StatusSubmitted)
	}
	claimed, err := o.transition(ctx, q, model.StatusProcessing, model.QuestionFields{}, nil)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx, o.log)

	defer func() {
		if err == nil || errs.IsConflict(err) {
			return
		}
		bg := context.WithoutCancel(ctx)
		if errs.IsPermanent(err) {
			if _, rErr := o.transition(bg, claimed, model.StatusRejected, model.QuestionFields{}, map[string]interface{}{"reason": err.Error()}); rErr != nil {
				log.Warn("Failed to reject invalid question", zap.Error(rErr))
				return
			}
			o.notifyLater(bg, claimed, claimed.SubmitterID, notify.EventAnswerRejected, map[string]interface{}{"reason": err.Error()})
			err = nil
			return
		}
		if _, rErr := o.transition(bg, claimed, model.StatusSubmitted, model.QuestionFields{}, map[string]interface{}{"reason": "stage_failed"}); rErr != nil {
			log.Warn("Failed to release processing claim", zap.Error(rErr))
		}
	}()

	var fields model.QuestionFields
	if err := o.extractText(ctx, claimed, &fields); err != nil {
		return err
	}
	text := strings.TrimSpace(claimed.QuestionText())
	if text == "" {
		if claimed.InputKind == model.InputText {
			return errs.Validation("text", "question is empty")
		}
		return o.toExpertReview(ctx, claimed, fields, "no_extractable_text")
	}

	res, err := o.agg.Aggregate(ctx, text, claimed.Subject)
	if errs.Is(err, errs.ErrNoResponses) {
		o.audit(ctx, model.ActionAIGenerationFail, model.SystemActor, q.ID, map[string]interface{}{
			"providers": o.agg.Providers(),
		})
		return o.toExpertReview(ctx, claimed, fields, "no_provider_responses")
	}
	if err != nil {
		return err
	}

	now := o.now()
	a := &model.Answer{
		ID:         o.newID(),
		QuestionID: q.ID,
		Variants:   []model.Variant{res.Variant(now)},
		Confidence: res.Confidence,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(res.Failed) > 0 {
		a.SetMeta("failed_providers", res.Failed)
	}
	low := res.Confidence < o.opts.MinConfidence
	if low {
		a.SetMeta(MetaLowConfidence, true)
	}
	if cErr := o.store.CreateAnswer(ctx, a); cErr != nil {
		if !errs.IsConflict(cErr) {
			return cErr
		}
		// An earlier attempt stored the answer before failing.
		existing, gErr := o.store.GetAnswerByQuestion(ctx, q.ID)
		if gErr != nil {
			return gErr
		}
		a = existing
	} else if low {
		o.audit(ctx, model.ActionLowConfidence, model.SystemActor, q.ID, map[string]interface{}{
			"confidence": res.Confidence,
			"threshold":  o.opts.MinConfidence,
			"answer_id":  a.ID,
		})
	}

	fields.ProcessedAt = &now
	matched, rErr := o.escalation.Match(claimed, res)
	if rErr != nil {
		log.Warn("Escalation rule failed to evaluate", zap.String("rule", o.escalation.String()), zap.Error(rErr))
	}
	if matched {
		fields.Metadata = map[string]interface{}{MetaEscalation: o.escalation.String()}
		return o.toExpertReview(ctx, claimed, fields, "escalation_rule")
	}
	if _, err := o.transition(ctx, claimed, model.StatusAIGenerated, fields, map[string]interface{}{
		"answer_id":  a.ID,
		"confidence": a.Confidence,
	}); err != nil {
		return err
	}
	_ = o.enqueue(ctx, model.StageHumanization, &model.PipelineMessage{TargetID: q.ID})
	return nil
}

// extractText fills ExtractedText for image and mixed questions. Only
// transient extractor failures are returned; anything else leaves the text
// empty and the question goes to an expert.
func (o *Orchestrator) extractText(ctx context.Context, q *model.Question, fields *model.QuestionFields) error {
	if q.InputKind == model.InputText || q.Content.ImageURL == "" || q.Content.ExtractedText != "" || o.extractor == nil {
		return nil
	}
	text, err := o.extractor.Extract(ctx, q.Content.ImageURL)
	if err != nil {
		if errs.Is(err, errs.ErrTransientProvider) {
			return err
		}
		logger.FromContext(ctx, o.log).Warn("Text extraction failed", zap.Error(err))
		return nil
	}
	q.Content.ExtractedText = strings.TrimSpace(text)
	content := q.Content
	fields.Content = &content
	return nil
}

// humanizeSource is the text the current humanization round starts from.
func humanizeSource(a *model.Answer, round int) (string, bool) {
	if round > 0 {
		if v, ok := a.Latest(model.VariantHumanized); ok {
			return v.Text(), true
		}
	}
	if v, ok := a.Latest(model.VariantAI); ok {
		return v.Text(), true
	}
	return "", false
}

// handleHumanization appends the humanized variant for the current
// compliance round, once, and hands the answer to the compliance gate.
func (o *Orchestrator) handleHumanization(ctx context.Context, msg *model.PipelineMessage) error {
	q, err := o.load(ctx, msg)
	if err != nil {
		return err
	}
	switch q.Status {
	case model.StatusAIGenerated:
		if q, err = o.transition(ctx, q, model.StatusHumanizing, model.QuestionFields{}, nil); err != nil {
			return err
		}
	case model.StatusHumanizing:
	default:
		return stale(q, model.StatusAIGenerated, model.StatusHumanizing)
	}

	a, err := o.store.GetAnswerByQuestion(ctx, q.ID)
	if err != nil {
		return err
	}
	round := a.ComplianceRetries
	if !a.HasHumanizedRound(round) {
		src, ok := humanizeSource(a, round)
		if !ok {
			return errs.Validation("answer", "no variant to humanize")
		}
		hv := model.HumanizedVariant{Text: src, Method: model.MethodSkipped, Round: round}
		if !a.MetaBool(MetaHumanizationSkip) {
			res := o.hum.Humanize(ctx, src, q.Subject)
			hv.Text, hv.Method = res.Text, res.Method
		}
		a.Variants = append(a.Variants, model.NewHumanizedVariant(hv, o.now()))
		if err := o.store.UpdateAnswer(ctx, a); err != nil {
			return err
		}
	}

	if _, err := o.transition(ctx, q, model.StatusComplianceCheck, model.QuestionFields{}, map[string]interface{}{"round": round}); err != nil {
		return err
	}
	_ = o.enqueue(ctx, model.StageOriginalityCheck, &model.PipelineMessage{TargetID: q.ID})
	return nil
}

// handleOriginalityCheck runs the compliance gate once per round. A result
// already stored for the round is replayed instead of evaluated again.
func (o *Orchestrator) handleOriginalityCheck(ctx context.Context, msg *model.PipelineMessage) error {
	q, err := o.load(ctx, msg)
	if err != nil {
		return err
	}
	if q.Status != model.StatusComplianceCheck {
		return stale(q, model.StatusComplianceCheck)
	}
	a, err := o.store.GetAnswerByQuestion(ctx, q.ID)
	if err != nil {
		return err
	}
	round := a.ComplianceRetries
	if n := len(a.Compliance); n > 0 {
		last := a.Compliance[n-1]
		if last.Round == round && last.Compliant {
			return o.routeCompliant(ctx, q)
		}
		if last.Round == round-1 && !last.Compliant && !a.HasHumanizedRound(round) {
			return o.routeNonCompliant(ctx, q, a)
		}
	}

	cur, ok := a.Current()
	if !ok {
		return errs.Validation("answer", "no variant to check")
	}
	ev := o.gate.Evaluate(ctx, cur.Text())
	bypassed := ev.Bypass(a.MetaBool(MetaAICheckBypass), a.MetaBool(MetaOriginalityPass))
	now := o.now()
	a.Compliance = append(a.Compliance, ev.Result(round, bypassed, now))
	if ev.Compliant {
		if err := o.store.UpdateAnswer(ctx, a); err != nil {
			return err
		}
		return o.routeCompliant(ctx, q)
	}

	a.ComplianceRetries++
	if err := o.store.UpdateAnswer(ctx, a); err != nil {
		return err
	}
	flags := ev.Flags(a.ID, q.ID, round, o.newID, now)
	for _, f := range flags {
		if err := o.store.CreateFlag(ctx, f); err != nil {
			logger.FromContext(ctx, o.log).Warn("Failed to store compliance flag", zap.String("reason", string(f.Reason)), zap.Error(err))
			continue
		}
		o.audit(ctx, model.ActionFlagCreated, model.SystemActor, q.ID, map[string]interface{}{
			"flag_id":  f.ID,
			"reason":   string(f.Reason),
			"severity": string(f.Severity),
		})
	}
	o.audit(ctx, model.ActionComplianceFailed, model.SystemActor, q.ID, map[string]interface{}{
		"round":             round,
		"ai_score":          ev.AIScore,
		"originality_score": ev.OriginalityScore,
		"violations":        len(ev.Violations),
	})
	return o.routeNonCompliant(ctx, q, a)
}

func (o *Orchestrator) routeCompliant(ctx context.Context, q *model.Question) error {
	return o.toExpertReview(ctx, q, model.QuestionFields{}, "compliant")
}

func (o *Orchestrator) routeNonCompliant(ctx context.Context, q *model.Question, a *model.Answer) error {
	if a.ComplianceRetries >= o.opts.MaxComplianceRetries {
		o.audit(ctx, model.ActionComplianceEscal, model.SystemActor, q.ID, map[string]interface{}{
			"retries": a.ComplianceRetries,
			"max":     o.opts.MaxComplianceRetries,
		})
		return o.toExpertReview(ctx, q, model.QuestionFields{}, "compliance_retries_exhausted")
	}
	if _, err := o.transition(ctx, q, model.StatusHumanizing, model.QuestionFields{}, map[string]interface{}{"round": a.ComplianceRetries}); err != nil {
		return err
	}
	_ = o.enqueue(ctx, model.StageHumanization, &model.PipelineMessage{TargetID: q.ID})
	return nil
}

// handleExpertReview assigns the question to an expert once and tells them.
func (o *Orchestrator) handleExpertReview(ctx context.Context, msg *model.PipelineMessage) error {
	q, err := o.load(ctx, msg)
	if err != nil {
		return err
	}
	if q.Status != model.StatusExpertReview {
		return stale(q, model.StatusExpertReview)
	}
	if q.Metadata[MetaExpertAssignment] != nil {
		return nil
	}
	var p expertPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}
	expert := msg.ExpertID
	if expert == "" {
		expert = ExpertPool
	}
	assignment := map[string]interface{}{"expert_id": expert, "reason": p.Reason, "at": o.now()}
	if _, err := o.annotate(ctx, q, map[string]interface{}{MetaExpertAssignment: assignment}); err != nil {
		return err
	}
	o.audit(ctx, model.ActionExpertAssigned, model.SystemActor, q.ID, map[string]interface{}{
		"expert_id": expert,
		"reason":    p.Reason,
	})
	o.notifyLater(ctx, q, expert, notify.EventExpertAssigned, map[string]interface{}{"reason": p.Reason, "subject": q.Subject})
	return nil
}

// handleDelivery publishes an approved answer to its submitter.
func (o *Orchestrator) handleDelivery(ctx context.Context, msg *model.PipelineMessage) error {
	q, err := o.load(ctx, msg)
	if err != nil {
		return err
	}
	if q.Status != model.StatusApproved {
		return stale(q, model.StatusApproved)
	}
	a, err := o.store.GetAnswerByQuestion(ctx, q.ID)
	if err != nil {
		return err
	}
	cur, ok := a.Current()
	if !ok {
		return errs.Validation("answer", "nothing to deliver")
	}
	now := o.now()
	if _, err := o.transition(ctx, q, model.StatusDelivered, model.QuestionFields{DeliveredAt: &now}, map[string]interface{}{
		"answer_id": a.ID,
		"variant":   string(cur.Kind),
	}); err != nil {
		return err
	}
	o.notifyLater(ctx, q, q.SubmitterID, notify.EventAnswerDelivered, map[string]interface{}{"answer_id": a.ID})
	return nil
}

// handleNotification hands one event to the notifier. It never touches
// question state.
func (o *Orchestrator) handleNotification(ctx context.Context, msg *model.PipelineMessage) error {
	var p notificationPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}
	if p.Event == "" || p.UserID == "" {
		return errs.Validation("payload", "event and user_id are required")
	}
	return o.notifier.Notify(ctx, p.UserID, notify.Event{
		Type:       p.Event,
		QuestionID: msg.TargetID,
		Data:       p.Data,
		At:         o.now(),
	})
}
