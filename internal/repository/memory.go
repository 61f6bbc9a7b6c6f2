package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/answerflow/internal/model"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/json"
)

// MemoryStore is an in-process Store. Values are deep-copied on the way in
// and out, so callers never share state with the store, the same as with
// Postgres. Used by tests and the single-binary dev mode.
type MemoryStore struct {
	mu        sync.RWMutex
	questions map[string]*model.Question
	answers   map[string]*model.Answer
	byQ       map[string]string
	audit     []model.AuditEntry
	flags     map[string]*model.ComplianceFlag
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		questions: make(map[string]*model.Question),
		answers:   make(map[string]*model.Answer),
		byQ:       make(map[string]string),
		flags:     make(map[string]*model.ComplianceFlag),
		now:       time.Now,
	}
}

// clone panics on values that cannot round-trip; model types always do.
func clone[T any](v *T) *T {
	out, err := json.Copy(v)
	if err != nil {
		panic(err)
	}
	return out
}

func (m *MemoryStore) CreateQuestion(_ context.Context, q *model.Question) error {
	if q.ID == "" {
		return errs.Validation("id", "required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.questions[q.ID]; ok {
		return errs.Wrap(errs.ErrInvalidInput, "question "+q.ID+" already exists")
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = m.now()
	}
	m.questions[q.ID] = clone(q)
	return nil
}

func (m *MemoryStore) GetQuestion(_ context.Context, id string) (*model.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.questions[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "question "+id)
	}
	return clone(q), nil
}

func (m *MemoryStore) UpdateStatusIfEquals(_ context.Context, id string, expected, next model.Status, fields model.QuestionFields) (*model.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "question "+id)
	}
	if q.Status != expected {
		return nil, &errs.StateConflictError{EntityID: id, Expected: string(expected), Actual: string(q.Status)}
	}
	updated := clone(q)
	updated.Status = next
	updated.UpdatedAt = m.now()
	if fields.ProcessedAt != nil {
		updated.ProcessedAt = fields.ProcessedAt
	}
	if fields.DeliveredAt != nil {
		updated.DeliveredAt = fields.DeliveredAt
	}
	if fields.Content != nil {
		updated.Content = *fields.Content
	}
	if len(fields.Metadata) > 0 {
		if updated.Metadata == nil {
			updated.Metadata = make(map[string]interface{})
		}
		for k, v := range fields.Metadata {
			updated.Metadata[k] = v
		}
	}
	stored := clone(updated)
	m.questions[id] = stored
	return clone(stored), nil
}

func (m *MemoryStore) ListStale(_ context.Context, statuses []model.Status, before time.Time, limit int) ([]*model.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[model.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*model.Question
	for _, q := range m.questions {
		if want[q.Status] && q.UpdatedAt.Before(before) {
			out = append(out, clone(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateAnswer(_ context.Context, a *model.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byQ[a.QuestionID]; ok {
		return &errs.StateConflictError{EntityID: a.QuestionID, Expected: "no answer", Actual: "answer exists"}
	}
	now := m.now()
	a.CreatedAt, a.UpdatedAt = now, now
	a.Revision = 1
	m.answers[a.ID] = clone(a)
	m.byQ[a.QuestionID] = a.ID
	return nil
}

func (m *MemoryStore) GetAnswer(_ context.Context, id string) (*model.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.answers[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "answer "+id)
	}
	return clone(a), nil
}

func (m *MemoryStore) GetAnswerByQuestion(ctx context.Context, questionID string) (*model.Answer, error) {
	m.mu.RLock()
	id, ok := m.byQ[questionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "answer for question "+questionID)
	}
	return m.GetAnswer(ctx, id)
}

func (m *MemoryStore) UpdateAnswer(_ context.Context, a *model.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.answers[a.ID]
	if !ok {
		return errs.Wrap(errs.ErrNotFound, "answer "+a.ID)
	}
	if cur.Revision != a.Revision {
		return &errs.StateConflictError{
			EntityID: a.ID,
			Expected: revision(a.Revision),
			Actual:   revision(cur.Revision),
		}
	}
	a.Revision++
	a.UpdatedAt = m.now()
	m.answers[a.ID] = clone(a)
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.audit = append(m.audit, *clone(e))
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	var out []model.AuditEntry
	for i := range m.audit {
		if filter.Match(m.audit[i]) {
			out = append(out, *clone(&m.audit[i]))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateFlag(_ context.Context, f *model.ComplianceFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = m.now()
	}
	m.flags[f.ID] = clone(f)
	return nil
}

func (m *MemoryStore) GetFlag(_ context.Context, id string) (*model.ComplianceFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flags[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "flag "+id)
	}
	return clone(f), nil
}

func (m *MemoryStore) ResolveFlag(_ context.Context, id string, res model.Resolution) (*model.ComplianceFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "flag "+id)
	}
	if f.Resolved {
		return nil, &errs.StateConflictError{EntityID: id, Expected: "open", Actual: "resolved"}
	}
	f.Resolved = true
	f.Resolution = &res
	return clone(f), nil
}

func (m *MemoryStore) ListFlags(_ context.Context, contentID string, openOnly bool) ([]*model.ComplianceFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ComplianceFlag
	for _, f := range m.flags {
		if contentID != "" && f.ContentID != contentID && f.QuestionID != contentID {
			continue
		}
		if openOnly && f.Resolved {
			continue
		}
		out = append(out, clone(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
