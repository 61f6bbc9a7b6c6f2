// Package repository persists questions, answers, audit entries and
// compliance flags. Every status change goes through UpdateStatusIfEquals,
// the single conditional primitive the pipeline relies on for ordering.
package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/nmxmxh/answerflow/internal/model"
)

// QuestionRepository stores questions.
type QuestionRepository interface {
	CreateQuestion(ctx context.Context, q *model.Question) error
	GetQuestion(ctx context.Context, id string) (*model.Question, error)
	// UpdateStatusIfEquals moves id from expected to next and applies fields
	// in one step. A mismatch yields *errors.StateConflictError and no write.
	UpdateStatusIfEquals(ctx context.Context, id string, expected, next model.Status, fields model.QuestionFields) (*model.Question, error)
	// ListStale returns questions in one of statuses not updated since before.
	ListStale(ctx context.Context, statuses []model.Status, before time.Time, limit int) ([]*model.Question, error)
}

// AnswerRepository stores answers. One question has at most one answer.
type AnswerRepository interface {
	CreateAnswer(ctx context.Context, a *model.Answer) error
	GetAnswer(ctx context.Context, id string) (*model.Answer, error)
	GetAnswerByQuestion(ctx context.Context, questionID string) (*model.Answer, error)
	// UpdateAnswer persists a when its stored revision still equals
	// a.Revision, then bumps a.Revision.
	UpdateAnswer(ctx context.Context, a *model.Answer) error
}

// AuditRepository is append-only.
type AuditRepository interface {
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
	ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error)
}

// FlagRepository stores compliance flags.
type FlagRepository interface {
	CreateFlag(ctx context.Context, f *model.ComplianceFlag) error
	GetFlag(ctx context.Context, id string) (*model.ComplianceFlag, error)
	ResolveFlag(ctx context.Context, id string, res model.Resolution) (*model.ComplianceFlag, error)
	ListFlags(ctx context.Context, contentID string, openOnly bool) ([]*model.ComplianceFlag, error)
}

// Store bundles every repository the pipeline needs.
type Store interface {
	QuestionRepository
	AnswerRepository
	AuditRepository
	FlagRepository
}

const defaultAuditLimit = 200

func revision(n int) string { return "revision " + strconv.Itoa(n) }
