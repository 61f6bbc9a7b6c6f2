package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
)

// MemoryDispatcher is an in-process transport for tests and the
// single-binary dev mode. It honours the same retry and dead-letter rules
// as the AMQP transport.
type MemoryDispatcher struct {
	core
	mu     sync.Mutex
	queues map[model.Stage][]*model.PipelineMessage
	dead   map[model.Stage][]model.PipelineMessage
	notify map[model.Stage]chan struct{}
	closed bool
}

var _ Dispatcher = (*MemoryDispatcher)(nil)

// NewMemory returns an empty in-process dispatcher.
func NewMemory(policy RetryPolicy, onDead DeadLetterFunc, log *zap.Logger) *MemoryDispatcher {
	d := &MemoryDispatcher{
		core:   newCore(policy, onDead, log),
		queues: make(map[model.Stage][]*model.PipelineMessage),
		dead:   make(map[model.Stage][]model.PipelineMessage),
		notify: make(map[model.Stage]chan struct{}),
	}
	for _, s := range model.AllStages {
		d.notify[s] = make(chan struct{}, 1)
	}
	return d
}

// OnDeadLetter replaces the dead-letter hook.
func (d *MemoryDispatcher) OnDeadLetter(fn DeadLetterFunc) {
	d.mu.Lock()
	d.onDead = fn
	d.mu.Unlock()
}

func (d *MemoryDispatcher) Enqueue(ctx context.Context, stage model.Stage, msg *model.PipelineMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *msg
	cp.Stage = stage
	if cp.Attempt <= 0 {
		cp.Attempt = 1
	}
	d.push(stage, &cp)
	return nil
}

func (d *MemoryDispatcher) push(stage model.Stage, msg *model.PipelineMessage) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queues[stage] = append(d.queues[stage], msg)
	ch := d.notify[stage]
	d.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (d *MemoryDispatcher) pop(stage model.Stage) (*model.PipelineMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[stage]
	if len(q) == 0 {
		return nil, false
	}
	msg := q[0]
	d.queues[stage] = q[1:]
	return msg, true
}

// deliver processes one message. Retries are redelivered after delay, or
// immediately when delay is zero.
func (d *MemoryDispatcher) deliver(ctx context.Context, stage model.Stage, msg *model.PipelineMessage, h Handler, delay bool) Outcome {
	d.mu.Lock()
	c := d.core
	d.mu.Unlock()
	outcome, deadErr := c.process(ctx, stage, msg, h)
	switch outcome {
	case OutcomeRetry:
		next := retryCopy(msg)
		if !delay {
			d.push(stage, next)
			break
		}
		time.AfterFunc(d.policy.Delay(msg.Attempt), func() { d.push(stage, next) })
	case OutcomeDeadLetter:
		d.mu.Lock()
		d.dead[stage] = append(d.dead[stage], *msg)
		d.mu.Unlock()
		c.deadLettered(ctx, msg, deadErr)
	}
	return outcome
}

// Consume runs concurrency workers until ctx is done.
func (d *MemoryDispatcher) Consume(ctx context.Context, stage model.Stage, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch := d.notify[stage]
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				if msg, ok := d.pop(stage); ok {
					d.deliver(ctx, stage, msg, h, true)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-ch:
				case <-ticker.C:
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Drain synchronously delivers queued messages to handlers, in stage order,
// until no stage with a handler has pending messages. Retries are
// redelivered without delay. It returns the number of deliveries.
func (d *MemoryDispatcher) Drain(ctx context.Context, handlers map[model.Stage]Handler) int {
	n := 0
	for {
		progressed := false
		for _, stage := range model.AllStages {
			h, ok := handlers[stage]
			if !ok {
				continue
			}
			msg, ok := d.pop(stage)
			if !ok {
				continue
			}
			d.deliver(ctx, stage, msg, h, false)
			n++
			progressed = true
		}
		if !progressed || ctx.Err() != nil {
			return n
		}
	}
}

// Pending returns a snapshot of the messages queued for stage.
func (d *MemoryDispatcher) Pending(stage model.Stage) []model.PipelineMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.PipelineMessage, 0, len(d.queues[stage]))
	for _, m := range d.queues[stage] {
		out = append(out, *m)
	}
	return out
}

// DeadLettered returns the messages parked for stage.
func (d *MemoryDispatcher) DeadLettered(stage model.Stage) []model.PipelineMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.PipelineMessage(nil), d.dead[stage]...)
}

func (d *MemoryDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
