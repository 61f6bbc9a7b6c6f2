package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/answerflow/internal/dispatcher"
	"github.com/nmxmxh/answerflow/internal/model"
)

// RunWorkers consumes every stage in stages until ctx is done. A consumer
// whose connection drops is restarted with exponential backoff.
func RunWorkers(ctx context.Context, d dispatcher.Dispatcher, handlers map[model.Stage]dispatcher.Handler, stages []model.Stage, concurrency int, log *zap.Logger) error {
	for _, stage := range stages {
		if _, ok := handlers[stage]; !ok {
			return fmt.Errorf("no handler for stage %s", stage)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range stages {
		stage := stage
		h := handlers[stage]
		g.Go(func() error {
			log := log.With(zap.String("stage", string(stage)))
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return backoff.RetryNotify(func() error {
				log.Info("Stage consumer started", zap.Int("concurrency", concurrency))
				err := d.Consume(gctx, stage, concurrency, h)
				if gctx.Err() != nil {
					return backoff.Permanent(nil)
				}
				return err
			}, backoff.WithContext(b, gctx), func(err error, next time.Duration) {
				log.Warn("Stage consumer stopped, restarting", zap.Error(err), zap.Duration("in", next))
			})
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
