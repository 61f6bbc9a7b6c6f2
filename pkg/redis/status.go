package redis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
)

// StatusCache keeps short-lived question status snapshots. Errors are
// logged and treated as misses; the store stays the source of truth.
type StatusCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewStatusCache returns a snapshot cache on client.
func NewStatusCache(client *Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = TTLStatusSnapshot
	}
	return &StatusCache{cache: NewCache(client, NamespaceCache, ContextPipeline), ttl: ttl}
}

func (s *StatusCache) Get(ctx context.Context, questionID string) (*model.StatusSnapshot, bool) {
	var snap model.StatusSnapshot
	ok, err := s.cache.Get(ctx, EntityQuestion, questionID, &snap)
	if err != nil || !ok {
		return nil, false
	}
	return &snap, true
}

func (s *StatusCache) Set(ctx context.Context, snap *model.StatusSnapshot) {
	_ = s.cache.Set(ctx, EntityQuestion, snap.QuestionID, snap, s.ttl)
}

func (s *StatusCache) Invalidate(ctx context.Context, questionID string) {
	if err := s.cache.Delete(ctx, EntityQuestion, questionID); err != nil {
		s.cache.log.Warn("Status snapshot not invalidated", zap.String("question_id", questionID), zap.Error(err))
	}
}
