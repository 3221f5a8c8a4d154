package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/entity"
)

const sessionTable = "analysis_session"

var sessionColumns = []string{
	"id", "code", "status", "analysis_type", "patient_ref", "input_filename",
	"input_url", "error_message", "created_at", "updated_at", "completed_at",
}

// ErrInvalidTransition is returned when a status change is not allowed from
// the session's current status. Terminal statuses never change.
var ErrInvalidTransition = errors.New("invalid session status transition")

// NewSession describes a session to create.
type NewSession struct {
	Code          string
	AnalysisType  constants.AnalysisType
	PatientRef    string
	InputFilename string
	InputURL      string
}

type SessionRepository interface {
	CreateSession(ctx context.Context, in NewSession) (*entity.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*entity.Session, error)
	GetSessionByCode(ctx context.Context, code string) (*entity.Session, error)
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, next constants.SessionStatus, errMsg *string) error
	SetInputURL(ctx context.Context, id uuid.UUID, url string) error
	ListSessions(ctx context.Context, limit, offset int) ([]entity.Session, error)
}

type sessionRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewSessionRepository(db *DB, logger *slog.Logger) SessionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &sessionRepo{db: db, logger: logger}
}

func (r *sessionRepo) builder() *entsql.DialectBuilder { return entsql.Dialect(r.db.dialect) }

func (r *sessionRepo) CreateSession(ctx context.Context, in NewSession) (*entity.Session, error) {
	v := common.NewValidator()
	v.Field("code", in.Code, common.Required, common.SessionCode).
		Field("analysis_type", string(in.AnalysisType), common.Required,
			common.OneOf(string(constants.AnalysisMultiDisease), string(constants.AnalysisADOnly), string(constants.AnalysisMCIOnly)))
	if v.HasErrors() {
		return nil, fmt.Errorf("%s: %w", v.ErrorMessage(), common.ErrValidation)
	}

	now := time.Now().UTC()
	s := &entity.Session{
		ID:            uuid.New(),
		Code:          in.Code,
		Status:        constants.SessionStatusPending,
		AnalysisType:  in.AnalysisType,
		PatientRef:    in.PatientRef,
		InputFilename: in.InputFilename,
		InputURL:      in.InputURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	q, args := r.builder().Insert(sessionTable).
		Columns("id", "code", "status", "analysis_type", "patient_ref", "input_filename", "input_url", "created_at", "updated_at").
		Values(s.ID, s.Code, string(s.Status), string(s.AnalysisType), s.PatientRef, s.InputFilename, s.InputURL, now, now).
		Query()
	var res sql.Result
	if err := r.db.Driver.Exec(ctx, q, args, &res); err != nil {
		r.logger.Error("failed to create session", "code", in.Code, "error", err)
		return nil, common.StageError(common.ErrPersistence, "DB_INSERT", err)
	}
	r.logger.Info("session created", "session_id", s.ID, "code", s.Code, "analysis_type", s.AnalysisType)
	return s, nil
}

func (r *sessionRepo) GetSession(ctx context.Context, id uuid.UUID) (*entity.Session, error) {
	return r.getOne(ctx, entsql.EQ("id", id))
}

func (r *sessionRepo) GetSessionByCode(ctx context.Context, code string) (*entity.Session, error) {
	return r.getOne(ctx, entsql.EQ("code", code))
}

func (r *sessionRepo) getOne(ctx context.Context, p *entsql.Predicate) (*entity.Session, error) {
	b := r.builder()
	q, args := b.Select(sessionColumns...).From(b.Table(sessionTable)).Where(p).Limit(1).Query()
	out, err := r.query(ctx, q, args)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("session: %w", common.ErrNotFound)
	}
	return &out[0], nil
}

// UpdateSessionStatus moves a session to next. The guard runs inside the
// UPDATE so concurrent writers cannot leave a terminal status.
func (r *sessionRepo) UpdateSessionStatus(ctx context.Context, id uuid.UUID, next constants.SessionStatus, errMsg *string) error {
	var from []any
	for _, s := range []constants.SessionStatus{
		constants.SessionStatusPending, constants.SessionStatusProcessing,
		constants.SessionStatusCompleted, constants.SessionStatusFailed,
	} {
		if s.CanTransition(next) {
			from = append(from, string(s))
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("%w: to %s", ErrInvalidTransition, next)
	}

	now := time.Now().UTC()
	u := r.builder().Update(sessionTable).
		Set("status", string(next)).
		Set("updated_at", now)
	if errMsg != nil {
		u.Set("error_message", *errMsg)
	}
	if next.IsTerminal() {
		u.Set("completed_at", now)
	}
	q, args := u.Where(entsql.And(entsql.EQ("id", id), entsql.In("status", from...))).Query()

	var res sql.Result
	if err := r.db.Driver.Exec(ctx, q, args, &res); err != nil {
		r.logger.Error("failed to update session status", "session_id", id, "status", next, "error", err)
		return common.StageError(common.ErrPersistence, "DB_UPDATE", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		cur, gerr := r.GetSession(ctx, id)
		if gerr != nil {
			return gerr
		}
		r.logger.Warn("session status transition refused", "session_id", id, "from", cur.Status, "to", next)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next)
	}
	r.logger.Info("session status updated", "session_id", id, "status", next)
	return nil
}

func (r *sessionRepo) SetInputURL(ctx context.Context, id uuid.UUID, url string) error {
	q, args := r.builder().Update(sessionTable).
		Set("input_url", url).
		Set("updated_at", time.Now().UTC()).
		Where(entsql.EQ("id", id)).
		Query()
	var res sql.Result
	if err := r.db.Driver.Exec(ctx, q, args, &res); err != nil {
		return common.StageError(common.ErrPersistence, "DB_UPDATE", err)
	}
	return nil
}

// ListSessions returns sessions newest first.
func (r *sessionRepo) ListSessions(ctx context.Context, limit, offset int) ([]entity.Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	b := r.builder()
	sel := b.Select(sessionColumns...).From(b.Table(sessionTable)).
		OrderBy(entsql.Desc("created_at")).
		Limit(limit)
	if offset > 0 {
		sel.Offset(offset)
	}
	q, args := sel.Query()
	return r.query(ctx, q, args)
}

func (r *sessionRepo) query(ctx context.Context, q string, args []any) ([]entity.Session, error) {
	var rows entsql.Rows
	if err := r.db.Driver.Query(ctx, q, args, &rows); err != nil {
		r.logger.Error("session query failed", "error", err)
		return nil, common.StageError(common.ErrDatabase, "DB_QUERY", err)
	}
	defer rows.Close()

	var out []entity.Session
	for rows.Next() {
		var (
			s           entity.Session
			status      string
			atype       string
			errMsg      sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.Code, &status, &atype, &s.PatientRef, &s.InputFilename,
			&s.InputURL, &errMsg, &s.CreatedAt, &s.UpdatedAt, &completedAt); err != nil {
			return nil, common.StageError(common.ErrDatabase, "DB_SCAN", err)
		}
		s.Status = constants.SessionStatus(status)
		s.AnalysisType = constants.AnalysisType(atype)
		if errMsg.Valid {
			s.ErrorMessage = &errMsg.String
		}
		if completedAt.Valid {
			t := completedAt.Time
			s.CompletedAt = &t
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, common.StageError(common.ErrDatabase, "DB_SCAN", err)
	}
	return out, nil
}
