// Package pipeline drives questions through the stage graph. Every status
// change is a conditional update against the store, so redelivered or stale
// messages lose the race and are discarded instead of repeating work.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/aggregator"
	"github.com/nmxmxh/answerflow/internal/compliance"
	"github.com/nmxmxh/answerflow/internal/dispatcher"
	"github.com/nmxmxh/answerflow/internal/humanizer"
	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/notify"
	"github.com/nmxmxh/answerflow/internal/provider"
	"github.com/nmxmxh/answerflow/internal/repository"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/metrics"
)

// Question metadata keys written by the pipeline.
const (
	MetaDeadLetter       = "dead_letter"
	MetaExpertAssignment = "expert_assignment"
	MetaSweeps           = "sweeps"
	MetaRating           = "rating"
	MetaEscalation       = "escalation"
	// MetaClient holds the submitter's own metadata, kept apart from the
	// pipeline's keys.
	MetaClient = "client"
)

// Answer metadata keys. Override markers are read by the stage handlers.
const (
	MetaLowConfidence      = "low_confidence"
	MetaAICheckBypass      = model.ActionAIBypass
	MetaOriginalityPass    = model.ActionOriginalityPass
	MetaConfidenceOverride = model.ActionConfidenceOverr
	MetaHumanizationSkip   = model.ActionHumanizationSkip
	MetaExpertBypass       = model.ActionExpertBypass
)

// StatusCache caches status snapshots for polling clients.
type StatusCache interface {
	Get(ctx context.Context, questionID string) (*model.StatusSnapshot, bool)
	Set(ctx context.Context, snap *model.StatusSnapshot)
	Invalidate(ctx context.Context, questionID string)
}

// DeadLetterSink mirrors dead-lettered messages somewhere operators can see them.
type DeadLetterSink func(ctx context.Context, msg *model.PipelineMessage, err error) error

// Deps are the collaborators of an Orchestrator. Extractor, Notifier, Cache
// and DeadLetters are optional.
type Deps struct {
	Store       repository.Store
	Dispatcher  dispatcher.Dispatcher
	Aggregator  *aggregator.Aggregator
	Humanizer   *humanizer.Humanizer
	Gate        *compliance.Gate
	Extractor   provider.TextExtractor
	Notifier    notify.Notifier
	Cache       StatusCache
	DeadLetters DeadLetterSink
}

// Options are the policy knobs of the orchestrator.
type Options struct {
	MaxComplianceRetries int
	MinConfidence        float64
	StageTimeout         time.Duration
	EscalationRule       string
	SweepBatch           int
}

func (o *Options) defaults() {
	if o.MaxComplianceRetries <= 0 {
		o.MaxComplianceRetries = 3
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = 0.7
	}
	if o.StageTimeout <= 0 {
		o.StageTimeout = 15 * time.Minute
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
}

// Orchestrator owns the question state machine.
type Orchestrator struct {
	store      repository.Store
	disp       dispatcher.Dispatcher
	agg        *aggregator.Aggregator
	hum        *humanizer.Humanizer
	gate       *compliance.Gate
	extractor  provider.TextExtractor
	notifier   notify.Notifier
	cache      StatusCache
	dlq        DeadLetterSink
	escalation *EscalationRule
	opts       Options
	log        *zap.Logger

	now   func() time.Time
	newID func() string
}

// New builds an Orchestrator. It fails only on an invalid escalation rule.
func New(d Deps, opts Options, log *zap.Logger) (*Orchestrator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts.defaults()
	rule, err := CompileEscalation(opts.EscalationRule)
	if err != nil {
		return nil, err
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{Log: log}
	}
	return &Orchestrator{
		store:      d.Store,
		disp:       d.Dispatcher,
		agg:        d.Aggregator,
		hum:        d.Humanizer,
		gate:       d.Gate,
		extractor:  d.Extractor,
		notifier:   notifier,
		cache:      d.Cache,
		dlq:        d.DeadLetters,
		escalation: rule,
		opts:       opts,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
	}, nil
}

// Store exposes the backing store to the admin layer.
func (o *Orchestrator) Store() repository.Store { return o.store }

// Now returns the orchestrator clock.
func (o *Orchestrator) Now() time.Time { return o.now() }

// NewID returns a fresh entity id.
func (o *Orchestrator) NewID() string { return o.newID() }

func stale(q *model.Question, expected ...model.Status) error {
	names := make([]string, len(expected))
	for i, s := range expected {
		names[i] = string(s)
	}
	return &errs.StateConflictError{EntityID: q.ID, Expected: strings.Join(names, "|"), Actual: string(q.Status)}
}

// audit appends one entry. A failed audit write is logged, never fatal:
// the state change it describes has already been committed.
func (o *Orchestrator) audit(ctx context.Context, action, actor, questionID string, details map[string]interface{}) {
	e := &model.AuditEntry{
		ID:         o.newID(),
		Action:     action,
		ActorID:    actor,
		QuestionID: questionID,
		Details:    details,
		CreatedAt:  o.now(),
	}
	if err := o.store.AppendAudit(ctx, e); err != nil {
		o.log.Error("Failed to append audit entry",
			zap.String("action", action),
			zap.String("question_id", questionID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) changed(ctx context.Context, id string, from, to model.Status) {
	if from != to {
		metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
	o.Invalidate(ctx, id)
}

// Invalidate drops the cached status snapshot of a question whose flags or
// annotations changed outside a transition.
func (o *Orchestrator) Invalidate(ctx context.Context, questionID string) {
	if o.cache != nil && questionID != "" {
		o.cache.Invalidate(ctx, questionID)
	}
}

// transition performs a stage-consumer move along a normal edge and records
// a status_transition entry.
func (o *Orchestrator) transition(ctx context.Context, q *model.Question, next model.Status, fields model.QuestionFields, details map[string]interface{}) (*model.Question, error) {
	if !CanTransition(q.Status, next) {
		return nil, &errs.StateConflictError{EntityID: q.ID, Expected: "edge to " + string(next), Actual: string(q.Status)}
	}
	fields = resetSweeps(q, fields)
	updated, err := o.store.UpdateStatusIfEquals(ctx, q.ID, q.Status, next, fields)
	if err != nil {
		return nil, err
	}
	o.changed(ctx, q.ID, q.Status, next)
	d := map[string]interface{}{"from": string(q.Status), "to": string(next)}
	for k, v := range details {
		d[k] = v
	}
	o.audit(ctx, model.ActionStatusTransition, model.SystemActor, q.ID, d)
	return updated, nil
}

// resetSweeps clears the sweep counter when a question leaves a status.
func resetSweeps(q *model.Question, fields model.QuestionFields) model.QuestionFields {
	if metaInt(q.Metadata[MetaSweeps]) == 0 {
		return fields
	}
	meta := make(map[string]interface{}, len(fields.Metadata)+1)
	for k, v := range fields.Metadata {
		meta[k] = v
	}
	if _, ok := meta[MetaSweeps]; !ok {
		meta[MetaSweeps] = 0
	}
	fields.Metadata = meta
	return fields
}

// annotate merges metadata into the question without changing its status.
func (o *Orchestrator) annotate(ctx context.Context, q *model.Question, meta map[string]interface{}) (*model.Question, error) {
	updated, err := o.store.UpdateStatusIfEquals(ctx, q.ID, q.Status, q.Status, model.QuestionFields{Metadata: meta})
	if err != nil {
		return nil, err
	}
	o.changed(ctx, q.ID, q.Status, q.Status)
	return updated, nil
}

// Force applies an administrative transition. Instead of a status_transition
// entry it writes exactly one entry with action on behalf of actor.
func (o *Orchestrator) Force(ctx context.Context, id string, next model.Status, fields model.QuestionFields, actor, action string, details map[string]interface{}) (*model.Question, error) {
	q, err := o.store.GetQuestion(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.force(ctx, q, next, fields, actor, action, details)
}

// force is Force against an already loaded question; q.Status is the
// expected pre-state.
func (o *Orchestrator) force(ctx context.Context, q *model.Question, next model.Status, fields model.QuestionFields, actor, action string, details map[string]interface{}) (*model.Question, error) {
	id := q.ID
	if !CanOverride(q.Status, next) {
		return nil, &errs.StateConflictError{EntityID: id, Expected: "status allowing " + string(next), Actual: string(q.Status)}
	}
	fields = resetSweeps(q, fields)
	updated, err := o.store.UpdateStatusIfEquals(ctx, id, q.Status, next, fields)
	if err != nil {
		return nil, err
	}
	o.changed(ctx, id, q.Status, next)
	d := map[string]interface{}{"from": string(q.Status), "to": string(next)}
	for k, v := range details {
		d[k] = v
	}
	o.audit(ctx, action, actor, id, d)
	return updated, nil
}

// Record writes an audit entry on behalf of an actor.
func (o *Orchestrator) Record(ctx context.Context, action, actor, questionID string, details map[string]interface{}) {
	o.audit(ctx, action, actor, questionID, details)
}

func (o *Orchestrator) enqueue(ctx context.Context, stage model.Stage, msg *model.PipelineMessage) error {
	if err := o.disp.Enqueue(ctx, stage, msg); err != nil {
		return errs.LogWithError(ctx, o.log, "Failed to enqueue stage message", err,
			zap.String("stage", string(stage)), zap.String("question_id", msg.TargetID))
	}
	return nil
}

// Notify enqueues an event for userID on the notification stage.
func (o *Orchestrator) Notify(ctx context.Context, q *model.Question, userID, event string, data map[string]interface{}) {
	o.notifyLater(ctx, q, userID, event, data)
}

// Advance enqueues the stage that moves q out of its current status.
func (o *Orchestrator) Advance(ctx context.Context, q *model.Question) error {
	stage, ok := StageFor(q.Status)
	if !ok {
		return nil
	}
	return o.enqueue(ctx, stage, &model.PipelineMessage{TargetID: q.ID})
}

func (o *Orchestrator) notifyLater(ctx context.Context, q *model.Question, userID, event string, data map[string]interface{}) {
	p := notificationPayload{Event: event, UserID: userID, Data: data}
	_ = o.enqueue(ctx, model.StageNotification, &model.PipelineMessage{TargetID: q.ID, Payload: p.toMap()})
}

// SubmitRequest is a new question.
type SubmitRequest struct {
	SubmitterID string
	InputKind   model.InputKind
	Text        string
	ImageURL    string
	Subject     string
	Priority    int
	// Metadata is stored under MetaClient and never read by the pipeline.
	Metadata map[string]interface{}
}

func (r SubmitRequest) validate() error {
	if strings.TrimSpace(r.SubmitterID) == "" {
		return errs.Validation("submitter_id", "required")
	}
	kind := r.InputKind
	if kind == "" {
		kind = model.InputText
	}
	if !kind.Valid() {
		return errs.Validation("input_kind", "must be text, image or mixed")
	}
	switch kind {
	case model.InputText:
		if strings.TrimSpace(r.Text) == "" {
			return errs.Validation("text", "required for text questions")
		}
	case model.InputImage:
		if r.ImageURL == "" {
			return errs.Validation("image_url", "required for image questions")
		}
	case model.InputMixed:
		if r.ImageURL == "" && strings.TrimSpace(r.Text) == "" {
			return errs.Validation("content", "mixed questions need text or an image")
		}
	}
	if r.Priority < 0 {
		return errs.Validation("priority", "must not be negative")
	}
	return nil
}

// Submit records a new question and enqueues it for AI processing. A failed
// enqueue is logged; the sweeper picks the question up later.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*model.Question, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.InputKind == "" {
		req.InputKind = model.InputText
	}
	now := o.now()
	q := &model.Question{
		ID:          o.newID(),
		SubmitterID: req.SubmitterID,
		InputKind:   req.InputKind,
		Content:     model.Content{Text: strings.TrimSpace(req.Text), ImageURL: req.ImageURL},
		Subject:     strings.TrimSpace(req.Subject),
		Status:      model.StatusSubmitted,
		Priority:    req.Priority,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if len(req.Metadata) > 0 {
		q.Metadata = map[string]interface{}{MetaClient: req.Metadata}
	}
	if err := o.store.CreateQuestion(ctx, q); err != nil {
		return nil, errs.LogWithError(ctx, o.log, "Failed to create question", err)
	}
	o.audit(ctx, model.ActionQuestionSubmitted, req.SubmitterID, q.ID, map[string]interface{}{
		"input_kind": string(q.InputKind),
		"subject":    q.Subject,
	})
	_ = o.enqueue(ctx, model.StageAIProcessing, &model.PipelineMessage{TargetID: q.ID})
	return q, nil
}

// GetStatus returns the status snapshot of a question. The answer text is
// only exposed once delivered.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*model.StatusSnapshot, error) {
	if o.cache != nil {
		if snap, ok := o.cache.Get(ctx, id); ok {
			return snap, nil
		}
	}
	q, err := o.store.GetQuestion(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := &model.StatusSnapshot{
		QuestionID:  q.ID,
		Status:      q.Status,
		UpdatedAt:   q.UpdatedAt,
		DeliveredAt: q.DeliveredAt,
	}
	a, err := o.store.GetAnswerByQuestion(ctx, id)
	switch {
	case err == nil:
		snap.AnswerID = a.ID
		snap.Confidence = a.Confidence
		snap.Approval = a.Approval
		snap.Retries = a.ComplianceRetries
		if q.Status == model.StatusDelivered || q.Status == model.StatusRated {
			if v, ok := a.Current(); ok {
				snap.Answer = v.Text()
			}
		}
	case !errs.Is(err, errs.ErrNotFound):
		return nil, err
	}
	flags, err := o.store.ListFlags(ctx, id, true)
	if err != nil {
		return nil, err
	}
	snap.OpenFlags = len(flags)
	if o.cache != nil {
		o.cache.Set(ctx, snap)
	}
	return snap, nil
}

// ExpertDecision is an expert's verdict on a question in expert_review.
type ExpertDecision struct {
	QuestionID    string
	ExpertID      string
	Approve       bool
	CorrectedText string
	Notes         string
	Reason        string
}

// SubmitExpertReview applies an expert decision. An optional corrected text
// becomes an expert variant, which then takes precedence for delivery.
func (o *Orchestrator) SubmitExpertReview(ctx context.Context, d ExpertDecision) (*model.Question, error) {
	if d.ExpertID == "" {
		return nil, errs.Validation("expert_id", "required")
	}
	q, err := o.store.GetQuestion(ctx, d.QuestionID)
	if err != nil {
		return nil, err
	}
	if q.Status != model.StatusExpertReview {
		return nil, stale(q, model.StatusExpertReview)
	}
	now := o.now()
	a, err := o.store.GetAnswerByQuestion(ctx, q.ID)
	created := false
	if errs.Is(err, errs.ErrNotFound) {
		if d.Approve && strings.TrimSpace(d.CorrectedText) == "" {
			return nil, errs.Validation("corrected_text", "required when no generated answer exists")
		}
		a = &model.Answer{ID: o.newID(), QuestionID: q.ID, CreatedAt: now, UpdatedAt: now}
		created = true
	} else if err != nil {
		return nil, err
	}

	if text := strings.TrimSpace(d.CorrectedText); text != "" {
		a.Variants = append(a.Variants, model.NewExpertVariant(model.ExpertVariant{Text: text, ExpertID: d.ExpertID, Notes: d.Notes}, now))
	}
	next := model.StatusRejected
	a.Approval = model.ApprovalRejected
	a.RejectionReason = d.Reason
	if d.Approve {
		next = model.StatusApproved
		a.Approval = model.ApprovalApproved
		a.RejectionReason = ""
	}
	a.UpdatedAt = now
	if created {
		err = o.store.CreateAnswer(ctx, a)
	} else {
		err = o.store.UpdateAnswer(ctx, a)
	}
	if err != nil {
		return nil, err
	}

	updated, err := o.transition(ctx, q, next, model.QuestionFields{}, map[string]interface{}{"expert_id": d.ExpertID})
	if err != nil {
		return nil, err
	}
	o.audit(ctx, model.ActionExpertDecision, d.ExpertID, q.ID, map[string]interface{}{
		"approve":   d.Approve,
		"answer_id": a.ID,
		"corrected": d.CorrectedText != "",
		"reason":    d.Reason,
	})
	if d.Approve {
		_ = o.enqueue(ctx, model.StageDelivery, &model.PipelineMessage{TargetID: q.ID, ExpertID: d.ExpertID})
	} else {
		o.notifyLater(ctx, q, q.SubmitterID, notify.EventAnswerRejected, map[string]interface{}{"reason": d.Reason})
	}
	return updated, nil
}

// Rate records the submitter's score for a delivered answer.
func (o *Orchestrator) Rate(ctx context.Context, questionID, submitterID string, score int, comment string) (*model.Question, error) {
	if score < 1 || score > 5 {
		return nil, errs.Validation("score", "must be between 1 and 5")
	}
	q, err := o.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if q.SubmitterID != submitterID {
		return nil, errs.Wrap(errs.ErrForbidden, "only the submitter can rate an answer")
	}
	if q.Status != model.StatusDelivered {
		return nil, stale(q, model.StatusDelivered)
	}
	rating := map[string]interface{}{"score": score, "comment": comment, "at": o.now()}
	updated, err := o.transition(ctx, q, model.StatusRated, model.QuestionFields{Metadata: map[string]interface{}{MetaRating: rating}}, nil)
	if err != nil {
		return nil, err
	}
	o.audit(ctx, model.ActionRated, submitterID, q.ID, map[string]interface{}{"score": score})
	return updated, nil
}

// AuditTrail lists audit entries matching filter, oldest first.
func (o *Orchestrator) AuditTrail(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	return o.store.ListAudit(ctx, filter)
}

// OnDeadLetter records a message that ran out of attempts. The question is
// marked so the sweeper leaves it alone until an operator requeues it.
func (o *Orchestrator) OnDeadLetter(ctx context.Context, msg *model.PipelineMessage, err error) {
	ctx = context.WithoutCancel(ctx)
	o.audit(ctx, model.ActionStageFailed, model.SystemActor, msg.TargetID, map[string]interface{}{
		"stage":    string(msg.Stage),
		"attempts": msg.Attempt,
		"error":    errString(err),
	})
	if q, gErr := o.store.GetQuestion(ctx, msg.TargetID); gErr == nil {
		marker := map[string]interface{}{"stage": string(msg.Stage), "at": o.now(), "error": errString(err)}
		if _, aErr := o.annotate(ctx, q, map[string]interface{}{MetaDeadLetter: marker}); aErr != nil {
			o.log.Warn("Failed to mark dead-lettered question", zap.String("question_id", q.ID), zap.Error(aErr))
		}
	}
	if o.dlq != nil {
		if dErr := o.dlq(ctx, msg, err); dErr != nil {
			o.log.Warn("Failed to mirror dead letter", zap.Error(dErr))
		}
	}
}

// Requeue re-enqueues the stage for the question's current status and clears
// any dead-letter marker. A question stuck in processing is reverted first.
func (o *Orchestrator) Requeue(ctx context.Context, id, actor, reason string) (*model.Question, error) {
	q, err := o.store.GetQuestion(ctx, id)
	if err != nil {
		return nil, err
	}
	from := q.Status
	meta := map[string]interface{}{MetaDeadLetter: nil, MetaSweeps: 0}
	next := q.Status
	if q.Status == model.StatusProcessing {
		next = model.StatusSubmitted
	}
	stage, ok := StageFor(next)
	if !ok {
		return nil, &errs.StateConflictError{EntityID: id, Expected: "status with a stage", Actual: string(q.Status)}
	}
	updated, err := o.store.UpdateStatusIfEquals(ctx, id, q.Status, next, model.QuestionFields{Metadata: meta})
	if err != nil {
		return nil, err
	}
	o.changed(ctx, id, from, next)
	if err := o.enqueue(ctx, stage, &model.PipelineMessage{TargetID: id}); err != nil {
		return nil, err
	}
	o.audit(ctx, model.ActionRequeue, actor, id, map[string]interface{}{
		"from":   string(from),
		"to":     string(next),
		"stage":  string(stage),
		"reason": reason,
	})
	return updated, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
