package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	errs "github.com/nmxmxh/answerflow/pkg/errors"
	"github.com/nmxmxh/answerflow/pkg/json"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// PostgresStore implements Store on top of lib/pq.
type PostgresStore struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB, log *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log.With(zap.String("module", "repository"))}
}

// EnsureSchema creates the pipeline tables when they are missing. Production
// deployments manage the schema separately; this is for dev and tests.
func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schemaSQL)
	return err
}

const questionColumns = `id, submitter_id, input_kind, content, subject, status, priority, submitted_at, processed_at, delivered_at, updated_at, metadata`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanQuestion(row scanner) (*model.Question, error) {
	var (
		q                   model.Question
		content, meta       []byte
		processed, delivered sql.NullTime
	)
	if err := row.Scan(&q.ID, &q.SubmitterID, &q.InputKind, &content, &q.Subject, &q.Status, &q.Priority,
		&q.SubmittedAt, &processed, &delivered, &q.UpdatedAt, &meta); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &q.Content); err != nil {
		return nil, fmt.Errorf("decode content of %s: %w", q.ID, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &q.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", q.ID, err)
		}
	}
	if processed.Valid {
		t := processed.Time
		q.ProcessedAt = &t
	}
	if delivered.Valid {
		t := delivered.Time
		q.DeliveredAt = &t
	}
	return &q, nil
}

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (r *PostgresStore) CreateQuestion(ctx context.Context, q *model.Question) error {
	content, err := json.Marshal(q.Content)
	if err != nil {
		return err
	}
	meta, err := marshalMap(q.Metadata)
	if err != nil {
		return err
	}
	err = r.db.QueryRowContext(ctx, `INSERT INTO questions (`+questionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), $11) RETURNING updated_at`,
		q.ID, q.SubmitterID, q.InputKind, content, q.Subject, q.Status, q.Priority, q.SubmittedAt,
		q.ProcessedAt, q.DeliveredAt, meta).Scan(&q.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Wrap(errs.ErrInvalidInput, "question "+q.ID+" already exists")
	}
	return err
}

func (r *PostgresStore) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	q, err := scanQuestion(r.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.ErrNotFound, "question "+id)
	}
	return q, err
}

func (r *PostgresStore) UpdateStatusIfEquals(ctx context.Context, id string, expected, next model.Status, fields model.QuestionFields) (*model.Question, error) {
	var content []byte
	if fields.Content != nil {
		b, err := json.Marshal(fields.Content)
		if err != nil {
			return nil, err
		}
		content = b
	}
	meta, err := marshalMap(fields.Metadata)
	if err != nil {
		return nil, err
	}

	q, err := scanQuestion(r.db.QueryRowContext(ctx, `UPDATE questions SET
			status = $3,
			updated_at = now(),
			processed_at = COALESCE($4, processed_at),
			delivered_at = COALESCE($5, delivered_at),
			content = COALESCE($6::jsonb, content),
			metadata = metadata || $7::jsonb
		WHERE id = $1 AND status = $2
		RETURNING `+questionColumns,
		id, expected, next, fields.ProcessedAt, fields.DeliveredAt, nullableJSON(content), meta))
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Distinguish a missing row from a lost race.
	var actual string
	switch err := r.db.QueryRowContext(ctx, `SELECT status FROM questions WHERE id = $1`, id).Scan(&actual); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, errs.Wrap(errs.ErrNotFound, "question "+id)
	case err != nil:
		return nil, err
	}
	return nil, &errs.StateConflictError{EntityID: id, Expected: string(expected), Actual: actual}
}

func (r *PostgresStore) ListStale(ctx context.Context, statuses []model.Status, before time.Time, limit int) ([]*model.Question, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+questionColumns+` FROM questions
		WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		pq.Array(names), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

const answerColumns = `id, question_id, variants, confidence, approval, rejection_reason, metadata, compliance_retries, compliance, revision, created_at, updated_at`

func scanAnswer(row scanner) (*model.Answer, error) {
	var (
		a                          model.Answer
		variants, meta, compliance []byte
	)
	if err := row.Scan(&a.ID, &a.QuestionID, &variants, &a.Confidence, &a.Approval, &a.RejectionReason,
		&meta, &a.ComplianceRetries, &compliance, &a.Revision, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(variants, &a.Variants); err != nil {
		return nil, fmt.Errorf("decode variants of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(compliance, &a.Compliance); err != nil {
		return nil, fmt.Errorf("decode compliance of %s: %w", a.ID, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func encodeAnswer(a *model.Answer) (variants, meta, compliance []byte, err error) {
	if a.Variants == nil {
		a.Variants = []model.Variant{}
	}
	if a.Compliance == nil {
		a.Compliance = []model.ComplianceResult{}
	}
	if variants, err = json.Marshal(a.Variants); err != nil {
		return
	}
	if meta, err = marshalMap(a.Metadata); err != nil {
		return
	}
	compliance, err = json.Marshal(a.Compliance)
	return
}

func (r *PostgresStore) CreateAnswer(ctx context.Context, a *model.Answer) error {
	variants, meta, compliance, err := encodeAnswer(a)
	if err != nil {
		return err
	}
	a.Revision = 1
	err = r.db.QueryRowContext(ctx, `INSERT INTO answers (id, question_id, variants, confidence, approval, rejection_reason, metadata, compliance_retries, compliance, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1) RETURNING created_at, updated_at`,
		a.ID, a.QuestionID, variants, a.Confidence, a.Approval, a.RejectionReason, meta, a.ComplianceRetries, compliance).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return &errs.StateConflictError{EntityID: a.QuestionID, Expected: "no answer", Actual: "answer exists"}
	}
	return err
}

func (r *PostgresStore) GetAnswer(ctx context.Context, id string) (*model.Answer, error) {
	a, err := scanAnswer(r.db.QueryRowContext(ctx, `SELECT `+answerColumns+` FROM answers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.ErrNotFound, "answer "+id)
	}
	return a, err
}

func (r *PostgresStore) GetAnswerByQuestion(ctx context.Context, questionID string) (*model.Answer, error) {
	a, err := scanAnswer(r.db.QueryRowContext(ctx, `SELECT `+answerColumns+` FROM answers WHERE question_id = $1`, questionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.ErrNotFound, "answer for question "+questionID)
	}
	return a, err
}

func (r *PostgresStore) UpdateAnswer(ctx context.Context, a *model.Answer) error {
	variants, meta, compliance, err := encodeAnswer(a)
	if err != nil {
		return err
	}
	err = r.db.QueryRowContext(ctx, `UPDATE answers SET
			variants = $3, confidence = $4, approval = $5, rejection_reason = $6, metadata = $7,
			compliance_retries = $8, compliance = $9, revision = revision + 1, updated_at = now()
		WHERE id = $1 AND revision = $2
		RETURNING revision, updated_at`,
		a.ID, a.Revision, variants, a.Confidence, a.Approval, a.RejectionReason, meta, a.ComplianceRetries, compliance).
		Scan(&a.Revision, &a.UpdatedAt)
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var actual int
	switch err := r.db.QueryRowContext(ctx, `SELECT revision FROM answers WHERE id = $1`, a.ID).Scan(&actual); {
	case errors.Is(err, sql.ErrNoRows):
		return errs.Wrap(errs.ErrNotFound, "answer "+a.ID)
	case err != nil:
		return err
	}
	return &errs.StateConflictError{EntityID: a.ID, Expected: revision(a.Revision), Actual: revision(actual)}
}

func (r *PostgresStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	details, err := marshalMap(e.Details)
	if err != nil {
		return err
	}
	return r.db.QueryRowContext(ctx, `INSERT INTO audit_log (id, action, actor_id, question_id, details, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, now()) RETURNING created_at`,
		e.ID, e.Action, e.ActorID, e.QuestionID, details).Scan(&e.CreatedAt)
}

func (r *PostgresStore) ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.QuestionID != "" {
		add("question_id = $%d", filter.QuestionID)
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at <= $%d", filter.Until)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	query := `SELECT id, action, actor_id, COALESCE(question_id, ''), details, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var (
			e       model.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.QuestionID, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			r.log.Warn("Undecodable audit details", zap.String("audit_id", e.ID), zap.Error(err))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const flagColumns = `id, content_id, content_kind, COALESCE(question_id, ''), reason, severity, score, threshold, resolved, resolution, details, created_at`

func scanFlag(row scanner) (*model.ComplianceFlag, error) {
	var (
		f                   model.ComplianceFlag
		resolution, details []byte
	)
	if err := row.Scan(&f.ID, &f.ContentID, &f.ContentKind, &f.QuestionID, &f.Reason, &f.Severity, &f.Score,
		&f.Threshold, &f.Resolved, &resolution, &details, &f.CreatedAt); err != nil {
		return nil, err
	}
	if len(resolution) > 0 {
		f.Resolution = &model.Resolution{}
		if err := json.Unmarshal(resolution, f.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution of %s: %w", f.ID, err)
		}
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &f.Details); err != nil {
			return nil, fmt.Errorf("decode details of %s: %w", f.ID, err)
		}
	}
	return &f, nil
}

func (r *PostgresStore) CreateFlag(ctx context.Context, f *model.ComplianceFlag) error {
	details, err := marshalMap(f.Details)
	if err != nil {
		return err
	}
	return r.db.QueryRowContext(ctx, `INSERT INTO compliance_flags (id, content_id, content_kind, question_id, reason, severity, score, threshold, details)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9) RETURNING created_at`,
		f.ID, f.ContentID, f.ContentKind, f.QuestionID, f.Reason, f.Severity, f.Score, f.Threshold, details).Scan(&f.CreatedAt)
}

func (r *PostgresStore) GetFlag(ctx context.Context, id string) (*model.ComplianceFlag, error) {
	f, err := scanFlag(r.db.QueryRowContext(ctx, `SELECT `+flagColumns+` FROM compliance_flags WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.ErrNotFound, "flag "+id)
	}
	return f, err
}

func (r *PostgresStore) ResolveFlag(ctx context.Context, id string, res model.Resolution) (*model.ComplianceFlag, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var out *model.ComplianceFlag
	err = withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		var resolved bool
		if err := tx.QueryRowContext(ctx, `SELECT resolved FROM compliance_flags WHERE id = $1 FOR UPDATE`, id).Scan(&resolved); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.Wrap(errs.ErrNotFound, "flag "+id)
			}
			return err
		}
		if resolved {
			return &errs.StateConflictError{EntityID: id, Expected: "open", Actual: "resolved"}
		}
		f, err := scanFlag(tx.QueryRowContext(ctx, `UPDATE compliance_flags SET resolved = true, resolution = $2
			WHERE id = $1 RETURNING `+flagColumns, id, payload))
		if err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}

func (r *PostgresStore) ListFlags(ctx context.Context, contentID string, openOnly bool) ([]*model.ComplianceFlag, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+flagColumns+` FROM compliance_flags
		WHERE ($1 = '' OR content_id = $1 OR question_id = $1) AND (NOT $2 OR NOT resolved)
		ORDER BY created_at`, contentID, openOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.ComplianceFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullableJSON(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}
