// Package dispatcher moves pipeline messages between stages. Delivery is
// at-least-once: handlers must tolerate duplicates, which the pipeline does
// through its conditional status updates.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/metrics"
)

// Handler processes one message. A nil return acks it.
type Handler func(ctx context.Context, msg *model.PipelineMessage) error

// DeadLetterFunc is invoked once for every message parked in a dead-letter
// destination.
type DeadLetterFunc func(ctx context.Context, msg *model.PipelineMessage, err error)

// Dispatcher is the stage transport.
type Dispatcher interface {
	// Enqueue publishes msg to stage. It returns once the transport has
	// accepted the message.
	Enqueue(ctx context.Context, stage model.Stage, msg *model.PipelineMessage) error
	// Consume runs concurrency workers for stage until ctx is done.
	Consume(ctx context.Context, stage model.Stage, concurrency int, h Handler) error
	Close() error
}

// Outcome is what happened to a delivered message.
type Outcome string

const (
	OutcomeAck        Outcome = "ack"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeDiscarded  Outcome = "discarded"
)

// RetryPolicy bounds redelivery of failed messages.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns five attempts starting at two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialInterval: 2 * time.Second, MaxInterval: 2 * time.Minute}
}

// Delay returns the wait before redelivering a message that failed on
// attempt. The sequence is exponential without jitter so it is reproducible.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Decide classifies the handler result for a message on its attempt-th
// delivery.
func (p RetryPolicy) Decide(attempt int, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAck
	case errs.IsConflict(err):
		return OutcomeDiscarded
	case errs.IsPermanent(err):
		return OutcomeDeadLetter
	case attempt >= p.MaxAttempts:
		return OutcomeDeadLetter
	default:
		return OutcomeRetry
	}
}

// core is the delivery logic shared by every transport.
type core struct {
	policy RetryPolicy
	onDead DeadLetterFunc
	log    *zap.Logger
}

func newCore(policy RetryPolicy, onDead DeadLetterFunc, log *zap.Logger) core {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return core{policy: policy, onDead: onDead, log: log.With(zap.String("module", "dispatcher"))}
}

func (c *core) invoke(ctx context.Context, h Handler, msg *model.PipelineMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

// process runs h on msg and reports the outcome. The transport is
// responsible for acting on it.
// process runs h once and decides the outcome. For OutcomeDeadLetter the
// returned error is the ExhaustedRetryError the transport hands to
// deadLettered once the message is parked.
func (c *core) process(ctx context.Context, stage model.Stage, msg *model.PipelineMessage, h Handler) (Outcome, error) {
	if msg.Attempt <= 0 {
		msg.Attempt = 1
	}
	ctx, span := otel.Tracer("answerflow/dispatcher").Start(ctx, "stage."+string(stage))
	span.SetAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("target_id", msg.TargetID),
		attribute.Int("attempt", msg.Attempt),
	)
	defer span.End()

	start := time.Now()
	err := c.invoke(ctx, h, msg)
	outcome := c.policy.Decide(msg.Attempt, err)
	metrics.ObserveStage(string(stage), string(outcome), time.Since(start))

	log := c.log.With(
		zap.String("stage", string(stage)),
		zap.String("target_id", msg.TargetID),
		zap.Int("attempt", msg.Attempt),
	)
	switch outcome {
	case OutcomeDiscarded:
		log.Debug("Stale message discarded", zap.Error(err))
	case OutcomeRetry:
		span.RecordError(err)
		log.Warn("Stage handler failed, will retry", zap.Error(err), zap.Duration("delay", c.policy.Delay(msg.Attempt)))
	case OutcomeDeadLetter:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("Stage handler failed, dead-lettering", zap.Error(err))
		return outcome, &errs.ExhaustedRetryError{Stage: string(stage), Attempts: msg.Attempt, Last: err}
	}
	return outcome, nil
}

// deadLettered runs the dead-letter hook for a message that is now parked.
func (c *core) deadLettered(ctx context.Context, msg *model.PipelineMessage, err error) {
	if c.onDead != nil {
		c.onDead(ctx, msg, err)
	}
}

// retryCopy returns the message to redeliver after a failed attempt.
func retryCopy(msg *model.PipelineMessage) *model.PipelineMessage {
	next := *msg
	next.Attempt = msg.Attempt + 1
	return &next
}
