package pipeline

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/notify"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
)

// sweepable are the statuses a question can get stuck in.
var sweepable = []model.Status{
	model.StatusSubmitted,
	model.StatusProcessing,
	model.StatusAIGenerated,
	model.StatusHumanizing,
	model.StatusComplianceCheck,
	model.StatusExpertReview,
	model.StatusApproved,
}

func metaInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

// Sweep looks at questions that sat in one status longer than the stage
// timeout. The first time a question is found its stage is enqueued again;
// a question still stuck on the next sweep is escalated to expert review.
// Dead-lettered questions are left for an operator.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	before := o.now().Add(-o.opts.StageTimeout)
	stuck, err := o.store.ListStale(ctx, sweepable, before, o.opts.SweepBatch)
	if err != nil {
		return 0, errs.LogWithError(ctx, o.log, "Failed to list stale questions", err)
	}
	n := 0
	for _, q := range stuck {
		if q.Metadata[MetaDeadLetter] != nil {
			continue
		}
		if err := o.sweepOne(ctx, q); err != nil {
			if !errs.IsConflict(err) {
				o.log.Warn("Failed to sweep question", zap.String("question_id", q.ID), zap.String("status", string(q.Status)), zap.Error(err))
			}
			continue
		}
		n++
	}
	if n > 0 {
		o.log.Info("Swept stale questions", zap.Int("count", n))
	}
	return n, nil
}

func (o *Orchestrator) sweepOne(ctx context.Context, q *model.Question) error {
	sweeps := metaInt(q.Metadata[MetaSweeps])
	bump := map[string]interface{}{MetaSweeps: sweeps + 1}

	switch q.Status {
	case model.StatusSubmitted, model.StatusApproved:
		q, err := o.annotate(ctx, q, bump)
		if err != nil {
			return err
		}
		return o.Advance(ctx, q)

	case model.StatusExpertReview:
		q, err := o.annotate(ctx, q, bump)
		if err != nil {
			return err
		}
		if q.Metadata[MetaExpertAssignment] == nil {
			return o.Advance(ctx, q)
		}
		o.notifyLater(ctx, q, ExpertPool, notify.EventQuestionStuck, map[string]interface{}{"sweeps": sweeps + 1})
		return nil
	}

	if sweeps == 0 {
		if q.Status == model.StatusProcessing {
			reverted, err := o.transition(ctx, q, model.StatusSubmitted, model.QuestionFields{Metadata: bump}, map[string]interface{}{"reason": "stage_timeout"})
			if err != nil {
				return err
			}
			return o.Advance(ctx, reverted)
		}
		q, err := o.annotate(ctx, q, bump)
		if err != nil {
			return err
		}
		return o.Advance(ctx, q)
	}

	if _, err := o.force(ctx, q, model.StatusExpertReview, model.QuestionFields{}, model.SystemActor, model.ActionStageTimeout, map[string]interface{}{
		"timeout": o.opts.StageTimeout.String(),
		"sweeps":  sweeps,
	}); err != nil {
		return err
	}
	_ = o.enqueue(ctx, model.StageExpertReview, &model.PipelineMessage{
		TargetID: q.ID,
		Payload:  map[string]interface{}{"reason": "stage_timeout"},
	})
	return nil
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	o        *Orchestrator
	schedule string
	cron     *cron.Cron
	log      *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper returns a sweeper for schedule, e.g. "@every 1m".
func NewSweeper(o *Orchestrator, schedule string, log *zap.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Sweeper{
		o:        o,
		schedule: schedule,
		cron:     cron.New(),
		log:      log.With(zap.String("module", "sweeper")),
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if !s.begin() {
			s.log.Debug("Previous sweep still running")
			return
		}
		defer s.end()
		if _, err := s.o.Sweep(ctx); err != nil {
			s.log.Warn("Sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return errs.Wrap(err, "invalid sweep schedule "+s.schedule)
	}
	s.cron.Start()
	s.log.Info("Sweeper started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the scheduler and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Sweeper) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
