package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/entity"
)

const resultTable = "analysis_result"

var resultColumns = []string{
	"id", "session_id", "status", "prediction", "confidence", "consensus_strength",
	"classifier_kind", "model_version", "record", "created_at", "updated_at",
}

type ResultRepository interface {
	CreateResult(ctx context.Context, r *entity.Result) error
	UpdateResult(ctx context.Context, r *entity.Result) error
	GetLatestResult(ctx context.Context, sessionID uuid.UUID) (*entity.Result, error)
	LatestResults(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]*entity.Result, error)
}

type resultRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewResultRepository(db *DB, logger *slog.Logger) ResultRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &resultRepo{db: db, logger: logger}
}

func (r *resultRepo) builder() *entsql.DialectBuilder { return entsql.Dialect(r.db.dialect) }

// CreateResult inserts res, assigning ID and timestamps when unset.
func (r *resultRepo) CreateResult(ctx context.Context, res *entity.Result) error {
	if len(res.Record) == 0 {
		return fmt.Errorf("result record is empty: %w", common.ErrInvalidInput)
	}
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	now := time.Now().UTC()
	res.CreatedAt, res.UpdatedAt = now, now

	q, args := r.builder().Insert(resultTable).
		Columns(resultColumns...).
		Values(res.ID, res.SessionID, string(res.Status), nullClass(res.Prediction), nullFloat(res.Confidence),
			nullFloat(res.ConsensusStrength), res.ClassifierKind, res.ModelVersion, string(res.Record), now, now).
		Query()
	var sr sql.Result
	if err := r.db.Driver.Exec(ctx, q, args, &sr); err != nil {
		r.logger.Error("failed to create result", "session_id", res.SessionID, "error", err)
		return common.StageError(common.ErrPersistence, "DB_INSERT", err)
	}
	r.logger.Info("result created", "result_id", res.ID, "session_id", res.SessionID, "status", res.Status)
	return nil
}

// UpdateResult overwrites the mutable columns of an existing result.
func (r *resultRepo) UpdateResult(ctx context.Context, res *entity.Result) error {
	res.UpdatedAt = time.Now().UTC()
	q, args := r.builder().Update(resultTable).
		Set("status", string(res.Status)).
		Set("prediction", nullClass(res.Prediction)).
		Set("confidence", nullFloat(res.Confidence)).
		Set("consensus_strength", nullFloat(res.ConsensusStrength)).
		Set("classifier_kind", res.ClassifierKind).
		Set("model_version", res.ModelVersion).
		Set("record", string(res.Record)).
		Set("updated_at", res.UpdatedAt).
		Where(entsql.EQ("id", res.ID)).
		Query()
	var sr sql.Result
	if err := r.db.Driver.Exec(ctx, q, args, &sr); err != nil {
		r.logger.Error("failed to update result", "result_id", res.ID, "error", err)
		return common.StageError(common.ErrPersistence, "DB_UPDATE", err)
	}
	if n, err := sr.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("result %s: %w", res.ID, common.ErrNotFound)
	}
	return nil
}

func (r *resultRepo) GetLatestResult(ctx context.Context, sessionID uuid.UUID) (*entity.Result, error) {
	b := r.builder()
	q, args := b.Select(resultColumns...).From(b.Table(resultTable)).
		Where(entsql.EQ("session_id", sessionID)).
		OrderBy(entsql.Desc("created_at")).
		Limit(1).
		Query()
	out, err := r.query(ctx, q, args)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("result for session %s: %w", sessionID, common.ErrNotFound)
	}
	return &out[0], nil
}

// LatestResults returns the newest result per session; sessions without a
// result are absent from the map.
func (r *resultRepo) LatestResults(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]*entity.Result, error) {
	out := make(map[uuid.UUID]*entity.Result, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}
	ids := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		ids[i] = id
	}
	b := r.builder()
	q, args := b.Select(resultColumns...).From(b.Table(resultTable)).
		Where(entsql.In("session_id", ids...)).
		OrderBy(entsql.Desc("created_at")).
		Query()
	rows, err := r.query(ctx, q, args)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if _, seen := out[rows[i].SessionID]; !seen {
			out[rows[i].SessionID] = &rows[i]
		}
	}
	return out, nil
}

func (r *resultRepo) query(ctx context.Context, q string, args []any) ([]entity.Result, error) {
	var rows entsql.Rows
	if err := r.db.Driver.Query(ctx, q, args, &rows); err != nil {
		r.logger.Error("result query failed", "error", err)
		return nil, common.StageError(common.ErrDatabase, "DB_QUERY", err)
	}
	defer rows.Close()

	var out []entity.Result
	for rows.Next() {
		var (
			res        entity.Result
			status     string
			prediction sql.NullString
			confidence sql.NullFloat64
			consensus  sql.NullFloat64
			record     []byte
		)
		if err := rows.Scan(&res.ID, &res.SessionID, &status, &prediction, &confidence, &consensus,
			&res.ClassifierKind, &res.ModelVersion, &record, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, common.StageError(common.ErrDatabase, "DB_SCAN", err)
		}
		res.Status = constants.ResultStatus(status)
		if prediction.Valid {
			c := constants.Class(prediction.String)
			res.Prediction = &c
		}
		if confidence.Valid {
			res.Confidence = &confidence.Float64
		}
		if consensus.Valid {
			res.ConsensusStrength = &consensus.Float64
		}
		res.Record = record
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, common.StageError(common.ErrDatabase, "DB_SCAN", err)
	}
	return out, nil
}

func nullClass(c *constants.Class) sql.NullString {
	if c == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*c), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
