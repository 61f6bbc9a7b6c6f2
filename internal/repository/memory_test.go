package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/answerflow/internal/model"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
)

func newQuestion(id string, status model.Status) *model.Question {
	return &model.Question{
		ID:          id,
		SubmitterID: "student-1",
		InputKind:   model.InputText,
		Content:     model.Content{Text: "Why is the sky blue?"},
		Subject:     "physics",
		Status:      status,
		SubmittedAt: time.Now(),
	}
}

func TestMemoryStore_UpdateStatusIfEquals(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQuestion(ctx, newQuestion("q1", model.StatusSubmitted)))

	now := time.Now()
	q, err := store.UpdateStatusIfEquals(ctx, "q1", model.StatusSubmitted, model.StatusProcessing, model.QuestionFields{
		ProcessedAt: &now,
		Metadata:    map[string]interface{}{"worker": "w1"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, q.Status)
	assert.Equal(t, "w1", q.Metadata["worker"])

	_, err = store.UpdateStatusIfEquals(ctx, "q1", model.StatusSubmitted, model.StatusProcessing, model.QuestionFields{})
	var conflict *errs.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "processing", conflict.Actual)

	_, err = store.UpdateStatusIfEquals(ctx, "missing", model.StatusSubmitted, model.StatusProcessing, model.QuestionFields{})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMemoryStore_ConditionalUpdateHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQuestion(ctx, newQuestion("q1", model.StatusApproved)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.UpdateStatusIfEquals(ctx, "q1", model.StatusApproved, model.StatusDelivered, model.QuestionFields{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStore_Answers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := &model.Answer{ID: "a1", QuestionID: "q1"}
	a.Variants = append(a.Variants, model.NewAIVariant(model.AIVariant{Text: "blue light scatters"}, time.Now()))
	require.NoError(t, store.CreateAnswer(ctx, a))
	assert.Equal(t, 1, a.Revision)

	dup := &model.Answer{ID: "a2", QuestionID: "q1"}
	assert.True(t, errs.IsConflict(store.CreateAnswer(ctx, dup)))

	first, err := store.GetAnswerByQuestion(ctx, "q1")
	require.NoError(t, err)
	second, err := store.GetAnswer(ctx, "a1")
	require.NoError(t, err)

	first.Variants = append(first.Variants, model.NewHumanizedVariant(model.HumanizedVariant{Text: "h", Method: model.MethodRuleBased}, time.Now()))
	require.NoError(t, store.UpdateAnswer(ctx, first))
	assert.Equal(t, 2, first.Revision)

	second.Variants = append(second.Variants, model.NewHumanizedVariant(model.HumanizedVariant{Text: "late"}, time.Now()))
	assert.True(t, errs.IsConflict(store.UpdateAnswer(ctx, second)))

	stored, err := store.GetAnswer(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, stored.Variants, 2)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQuestion(ctx, newQuestion("q1", model.StatusSubmitted)))

	q, err := store.GetQuestion(ctx, "q1")
	require.NoError(t, err)
	q.Status = model.StatusDelivered

	again, err := store.GetQuestion(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, again.Status)
}

func TestMemoryStore_AuditAndFlags(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i, action := range []string{model.ActionQuestionSubmitted, model.ActionStatusTransition, model.ActionExpertBypass} {
		require.NoError(t, store.AppendAudit(ctx, &model.AuditEntry{ID: string(rune('a' + i)), Action: action, ActorID: "system", QuestionID: "q1"}))
	}
	entries, err := store.ListAudit(ctx, model.AuditFilter{QuestionID: "q1", Action: model.ActionExpertBypass})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].CreatedAt.IsZero())

	limited, err := store.ListAudit(ctx, model.AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, store.CreateFlag(ctx, &model.ComplianceFlag{ID: "f1", ContentID: "a1", QuestionID: "q1", Reason: model.FlagAIContent, Severity: model.SeverityHigh}))
	open, err := store.ListFlags(ctx, "q1", true)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	f, err := store.ResolveFlag(ctx, "f1", model.Resolution{ActorID: "admin", Note: "false positive", ResolvedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, f.Resolved)

	_, err = store.ResolveFlag(ctx, "f1", model.Resolution{ActorID: "admin"})
	assert.True(t, errs.IsConflict(err))

	open, err = store.ListFlags(ctx, "a1", true)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMemoryStore_ListStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()
	store.now = func() time.Time { return base.Add(-time.Hour) }
	require.NoError(t, store.CreateQuestion(ctx, newQuestion("old", model.StatusHumanizing)))
	store.now = func() time.Time { return base }
	require.NoError(t, store.CreateQuestion(ctx, newQuestion("fresh", model.StatusHumanizing)))
	require.NoError(t, store.CreateQuestion(ctx, newQuestion("waiting", model.StatusExpertReview)))

	stale, err := store.ListStale(ctx, []model.Status{model.StatusHumanizing, model.StatusExpertReview}, base.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}
