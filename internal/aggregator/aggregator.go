// Package aggregator fans a question out to every configured language model
// and folds the surviving answers into one canonical answer with a
// confidence score based on how much the providers agree.
package aggregator

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/provider"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/metrics"
)

// Config holds the scoring policy.
type Config struct {
	// CallTimeout bounds each provider call.
	CallTimeout time.Duration
	// SingleResponseConfidence is reported when only one provider answered.
	SingleResponseConfidence float64
	// AgreementBoost scales confidence up per response beyond the second.
	AgreementBoost float64
	// SimilarityWeight is k in weight × (1 + avgSim × k).
	SimilarityWeight float64
}

// DefaultConfig mirrors the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:              30 * time.Second,
		SingleResponseConfidence: 0.5,
		AgreementBoost:           0.1,
		SimilarityWeight:         0.5,
	}
}

// Result is the aggregated answer.
type Result struct {
	Text       string
	Provider   string
	Confidence float64
	Sources    []model.SourceResponse
	Failed     map[string]string
}

// Variant converts r into the AI variant stored on the answer.
func (r *Result) Variant(at time.Time) model.Variant {
	return model.NewAIVariant(model.AIVariant{
		Text:       r.Text,
		Provider:   r.Provider,
		Confidence: r.Confidence,
		Sources:    r.Sources,
	}, at)
}

// Aggregator queries providers in parallel. It holds no mutable state and is
// safe for concurrent use.
type Aggregator struct {
	providers []provider.LLM
	cfg       Config
	log       *zap.Logger
}

// New builds an aggregator over providers.
func New(providers []provider.LLM, cfg Config, log *zap.Logger) *Aggregator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	return &Aggregator{providers: providers, cfg: cfg, log: log.With(zap.String("module", "aggregator"))}
}

// Providers returns the number of configured providers.
func (a *Aggregator) Providers() int { return len(a.providers) }

// Aggregate asks every provider once. Failed or timed-out providers are
// dropped for this pass. With no survivors it returns errs.ErrNoResponses.
func (a *Aggregator) Aggregate(ctx context.Context, text, subject string) (*Result, error) {
	var (
		mu        sync.Mutex
		responses []*provider.Response
		weights   = make(map[string]float64, len(a.providers))
		failed    = make(map[string]string)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range a.providers {
		p := p
		weights[p.Name()] = p.Weight()
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, a.cfg.CallTimeout)
			defer cancel()
			resp, err := p.Query(callCtx, text, subject)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || resp == nil || resp.Text == "" {
				if err == nil {
					err = errs.New("empty response")
				}
				failed[p.Name()] = err.Error()
				a.log.Warn("Provider excluded from aggregation", zap.String("provider", p.Name()), zap.Error(err))
				return nil
			}
			if resp.Provider == "" {
				resp.Provider = p.Name()
			}
			responses = append(responses, resp)
			return nil
		})
	}
	// Goroutines never return errors; failures are recorded instead.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, errs.ErrNoResponses
	}
	// Provider completion order is not deterministic.
	sort.Slice(responses, func(i, j int) bool { return responses[i].Provider < responses[j].Provider })

	res := a.combine(responses, weights)
	if len(failed) > 0 {
		res.Failed = failed
	}
	metrics.AggregationConfidence.Observe(res.Confidence)
	return res, nil
}

// Combine scores already collected responses. Exposed for callers that
// gather responses themselves.
func (a *Aggregator) Combine(responses []*provider.Response, weights map[string]float64) (*Result, error) {
	if len(responses) == 0 {
		return nil, errs.ErrNoResponses
	}
	return a.combine(responses, weights), nil
}

func (a *Aggregator) combine(responses []*provider.Response, weights map[string]float64) *Result {
	n := len(responses)
	sets := make([]map[string]struct{}, n)
	for i, r := range responses {
		sets[i] = tokenSet(r.Text)
	}

	avgSim := make([]float64, n)
	var pairSum float64
	pairs := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := jaccardSets(sets[i], sets[j])
			avgSim[i] += s
			avgSim[j] += s
			pairSum += s
			pairs++
		}
	}
	if n > 1 {
		for i := range avgSim {
			avgSim[i] /= float64(n - 1)
		}
	}

	confidence := a.cfg.SingleResponseConfidence
	if pairs > 0 {
		mean := pairSum / float64(pairs)
		confidence = math.Min(1, mean*(1+a.cfg.AgreementBoost*float64(n-2)))
	}

	res := &Result{Confidence: confidence, Sources: make([]model.SourceResponse, n)}
	best := -1.0
	for i, r := range responses {
		w, ok := weights[r.Provider]
		if !ok || w <= 0 {
			w = 1
		}
		score := w * (1 + avgSim[i]*a.cfg.SimilarityWeight)
		res.Sources[i] = model.SourceResponse{
			Provider:   r.Provider,
			Text:       r.Text,
			Weight:     w,
			Similarity: avgSim[i],
			Score:      score,
			Usage:      r.Usage,
		}
		if score > best {
			best = score
			res.Text = r.Text
			res.Provider = r.Provider
		}
	}
	return res
}
