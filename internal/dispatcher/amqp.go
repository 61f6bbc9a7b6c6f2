package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/pkg/json"
)

const publishAttempts = 3

// RetryQueue and DeadQueue name the side queues of a stage.
func RetryQueue(stage model.Stage) string { return string(stage) + ".retry" }

func DeadQueue(stage model.Stage) string { return string(stage) + ".dead" }

// AMQPDispatcher publishes through one shared connection and consumes each
// stage on its own connection. Failed messages are parked on
// <stage>.retry with a per-message TTL; the queue dead-letters them back to
// <stage> through the default exchange when the TTL expires.
type AMQPDispatcher struct {
	core
	url string

	pubMu sync.Mutex
	pub   *amqp.Connection
	pubCh *amqp.Channel

	mu    sync.Mutex
	conns []*amqp.Connection
}

var _ Dispatcher = (*AMQPDispatcher)(nil)

// NewAMQP dials the broker and declares the queues of every stage.
func NewAMQP(url string, policy RetryPolicy, onDead DeadLetterFunc, log *zap.Logger) (*AMQPDispatcher, error) {
	d := &AMQPDispatcher{core: newCore(policy, onDead, log), url: url}
	if err := d.connectPublisher(); err != nil {
		return nil, err
	}
	if err := declareTopology(d.pubCh); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *AMQPDispatcher) connectPublisher() error {
	conn, err := amqp.Dial(d.url)
	if err != nil {
		return fmt.Errorf("amqp connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	d.pub, d.pubCh = conn, ch
	return nil
}

func declareTopology(ch *amqp.Channel) error {
	for _, stage := range model.AllStages {
		name := string(stage)
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
		retryArgs := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": name,
		}
		if _, err := ch.QueueDeclare(RetryQueue(stage), true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("declare %s: %w", RetryQueue(stage), err)
		}
		if _, err := ch.QueueDeclare(DeadQueue(stage), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", DeadQueue(stage), err)
		}
	}
	return nil
}

func publishing(msg *model.PipelineMessage, ttl time.Duration) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}
	p := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
		Headers:      amqp.Table{"x-attempt": int32(msg.Attempt)},
	}
	if ttl > 0 {
		p.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return p, nil
}

// Enqueue publishes msg to stage, reconnecting the publisher if the channel
// was lost.
func (d *AMQPDispatcher) Enqueue(ctx context.Context, stage model.Stage, msg *model.PipelineMessage) error {
	cp := *msg
	cp.Stage = stage
	if cp.Attempt <= 0 {
		cp.Attempt = 1
	}
	p, err := publishing(&cp, 0)
	if err != nil {
		return err
	}
	op := func() error {
		d.pubMu.Lock()
		defer d.pubMu.Unlock()
		if d.pubCh == nil || d.pubCh.IsClosed() {
			if d.pub != nil {
				d.pub.Close()
			}
			if err := d.connectPublisher(); err != nil {
				return err
			}
		}
		return d.pubCh.PublishWithContext(ctx, "", string(stage), false, false, p)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), publishAttempts), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("publish %s: %w", stage, err)
	}
	return nil
}

// Consume opens a dedicated connection for stage and runs concurrency
// workers on it. It returns when ctx is done or the connection drops.
func (d *AMQPDispatcher) Consume(ctx context.Context, stage model.Stage, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	conn, err := amqp.Dial(d.url)
	if err != nil {
		return fmt.Errorf("amqp connect %s: %w", stage, err)
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel %s: %w", stage, err)
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("amqp qos %s: %w", stage, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, string(stage), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", stage, err)
	}

	var (
		chMu sync.Mutex
		wg   sync.WaitGroup
	)
	republish := func(queue string, msg *model.PipelineMessage, ttl time.Duration) error {
		p, err := publishing(msg, ttl)
		if err != nil {
			return err
		}
		chMu.Lock()
		defer chMu.Unlock()
		return ch.PublishWithContext(ctx, "", queue, false, false, p)
	}

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dv := range deliveries {
				d.handleDelivery(ctx, stage, dv, h, republish)
			}
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("amqp consumer %s: delivery channel closed", stage)
}

func (d *AMQPDispatcher) handleDelivery(ctx context.Context, stage model.Stage, dv amqp.Delivery, h Handler,
	republish func(string, *model.PipelineMessage, time.Duration) error,
) {
	var msg model.PipelineMessage
	if err := json.Unmarshal(dv.Body, &msg); err != nil {
		d.log.Error("Undecodable message, rejecting", zap.String("stage", string(stage)), zap.Error(err))
		if err := dv.Reject(false); err != nil {
			d.log.Warn("Reject failed", zap.Error(err))
		}
		return
	}
	msg.Stage = stage

	var err error
	outcome, deadErr := d.process(ctx, stage, &msg, h)
	switch outcome {
	case OutcomeRetry:
		err = republish(RetryQueue(stage), retryCopy(&msg), d.policy.Delay(msg.Attempt))
	case OutcomeDeadLetter:
		if err = republish(DeadQueue(stage), &msg, 0); err == nil {
			d.deadLettered(ctx, &msg, deadErr)
		}
	}
	if err != nil {
		// Leave the message to the broker; it will be redelivered as-is.
		d.log.Warn("Republish failed, requeueing", zap.String("stage", string(stage)), zap.Error(err))
		if nackErr := dv.Nack(false, true); nackErr != nil {
			d.log.Warn("Nack failed", zap.Error(nackErr))
		}
		return
	}
	if ackErr := dv.Ack(false); ackErr != nil {
		d.log.Warn("Ack failed", zap.Error(ackErr))
	}
}

// Close closes every connection the dispatcher opened.
func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	for _, c := range d.conns {
		c.Close()
	}
	d.conns = nil
	d.mu.Unlock()

	d.pubMu.Lock()
	defer d.pubMu.Unlock()
	if d.pub != nil {
		return d.pub.Close()
	}
	return nil
}
