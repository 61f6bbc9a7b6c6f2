package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, p.Delay(3), p.Delay(3))
}

func TestRetryPolicy_Decide(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	transient := errs.Transient("openai", errors.New("503"))

	tests := []struct {
		name    string
		attempt int
		err     error
		want    Outcome
	}{
		{"success", 1, nil, OutcomeAck},
		{"transient", 1, transient, OutcomeRetry},
		{"transient last attempt", 3, transient, OutcomeDeadLetter},
		{"conflict", 1, &errs.StateConflictError{EntityID: "q", Expected: "a", Actual: "b"}, OutcomeDiscarded},
		{"permanent", 1, errs.Validation("text", "empty"), OutcomeDeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.attempt, tt.err))
		})
	}
}

func TestMemoryDispatcher_DrainRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	var deadErr error
	var deadMsg *model.PipelineMessage
	d := NewMemory(RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		func(_ context.Context, msg *model.PipelineMessage, err error) {
			deadMsg, deadErr = msg, err
		}, zap.NewNop())

	require.NoError(t, d.Enqueue(ctx, model.StageDelivery, &model.PipelineMessage{TargetID: "q1"}))

	var attempts []int
	n := d.Drain(ctx, map[model.Stage]Handler{
		model.StageDelivery: func(_ context.Context, msg *model.PipelineMessage) error {
			attempts = append(attempts, msg.Attempt)
			return errs.Transient("smtp", errors.New("down"))
		},
	})

	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	require.NotNil(t, deadMsg)
	assert.Equal(t, "q1", deadMsg.TargetID)
	assert.ErrorIs(t, deadErr, errs.ErrExhaustedRetries)
	assert.ErrorIs(t, deadErr, errs.ErrTransientProvider)
	assert.Len(t, d.DeadLettered(model.StageDelivery), 1)
	assert.Empty(t, d.Pending(model.StageDelivery))
}

func TestMemoryDispatcher_DrainFollowsStages(t *testing.T) {
	ctx := context.Background()
	d := NewMemory(DefaultRetryPolicy(), nil, zap.NewNop())
	require.NoError(t, d.Enqueue(ctx, model.StageAIProcessing, &model.PipelineMessage{TargetID: "q1"}))

	var seen []model.Stage
	forward := func(next model.Stage) Handler {
		return func(ctx context.Context, msg *model.PipelineMessage) error {
			seen = append(seen, msg.Stage)
			if next == "" {
				return nil
			}
			return d.Enqueue(ctx, next, &model.PipelineMessage{TargetID: msg.TargetID})
		}
	}
	d.Drain(ctx, map[model.Stage]Handler{
		model.StageAIProcessing: forward(model.StageHumanization),
		model.StageHumanization: forward(model.StageOriginalityCheck),
		// No handler for originality_check: the message stays queued.
	})

	assert.Equal(t, []model.Stage{model.StageAIProcessing, model.StageHumanization}, seen)
	require.Len(t, d.Pending(model.StageOriginalityCheck), 1)
	assert.Equal(t, 1, d.Pending(model.StageOriginalityCheck)[0].Attempt)
}

func TestMemoryDispatcher_ConflictIsAcked(t *testing.T) {
	ctx := context.Background()
	d := NewMemory(DefaultRetryPolicy(), func(context.Context, *model.PipelineMessage, error) {
		t.Fatal("conflicts must not dead-letter")
	}, zap.NewNop())
	require.NoError(t, d.Enqueue(ctx, model.StageHumanization, &model.PipelineMessage{TargetID: "q"}))
	n := d.Drain(ctx, map[model.Stage]Handler{
		model.StageHumanization: func(context.Context, *model.PipelineMessage) error {
			return &errs.StateConflictError{EntityID: "q"}
		},
	})
	assert.Equal(t, 1, n)
	assert.Empty(t, d.Pending(model.StageHumanization))
}

func TestMemoryDispatcher_PanicIsRetried(t *testing.T) {
	ctx := context.Background()
	d := NewMemory(RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil, zap.NewNop())
	require.NoError(t, d.Enqueue(ctx, model.StageNotification, &model.PipelineMessage{TargetID: "q"}))
	calls := 0
	d.Drain(ctx, map[model.Stage]Handler{
		model.StageNotification: func(context.Context, *model.PipelineMessage) error {
			calls++
			panic("boom")
		},
	})
	assert.Equal(t, 2, calls)
	assert.Len(t, d.DeadLettered(model.StageNotification), 1)
}

func TestMemoryDispatcher_ConsumeConcurrently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewMemory(RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}, nil, zap.NewNop())

	const total = 50
	var handled atomic.Int32
	var failedOnce sync.Map
	done := make(chan struct{})

	go func() {
		_ = d.Consume(ctx, model.StageAIProcessing, 4, func(_ context.Context, msg *model.PipelineMessage) error {
			// Every message fails once to exercise delayed redelivery.
			if _, loaded := failedOnce.LoadOrStore(msg.TargetID, true); !loaded {
				return errs.Transient("p", errors.New("flaky"))
			}
			if handled.Add(1) == total {
				close(done)
			}
			return nil
		})
	}()

	for i := 0; i < total; i++ {
		require.NoError(t, d.Enqueue(ctx, model.StageAIProcessing, &model.PipelineMessage{TargetID: string(rune('A' + i))}))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handled %d of %d messages", handled.Load(), total)
	}
	assert.Empty(t, d.DeadLettered(model.StageAIProcessing))
	require.NoError(t, d.Close())
}
