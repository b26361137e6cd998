package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
)

const (
	readingsTable   = "sensor_series_norm"
	insertChunkSize = 500
)

var readingInsertColumns = []string{"job_id", "parcel_id", "sensor_id", "metric_type", "observed_at", "value", "quality_flag", "metadata"}

// ReadingRepository stores normalized sensor readings.
type ReadingRepository interface {
	// InsertBatch writes all readings in one transaction; either every row lands or none.
	InsertBatch(ctx context.Context, readings []*entity.NormalizedReading) error
	ListByJob(ctx context.Context, jobID string) ([]*entity.NormalizedReading, error)
	LatestByParcel(ctx context.Context, parcelID string, limit int) ([]*entity.NormalizedReading, error)
}

type readingRepo struct {
	db  *DB
	log *slog.Logger
}

func NewReadingRepository(db *DB, log *slog.Logger) ReadingRepository {
	if log == nil {
		log = slog.Default()
	}
	return &readingRepo{db: db, log: log}
}

func (r *readingRepo) InsertBatch(ctx context.Context, readings []*entity.NormalizedReading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := r.db.drv.Tx(ctx)
	if err != nil {
		r.log.Error("readings tx begin failed", "err", err)
		return fmt.Errorf("%w: begin readings tx: %v", common.ErrDatabase, err)
	}

	for start := 0; start < len(readings); start += insertChunkSize {
		end := min(start+insertChunkSize, len(readings))
		ins := r.db.builder().Insert(readingsTable).Columns(readingInsertColumns...)
		for _, rd := range readings[start:end] {
			extra := rd.Extra
			if extra == nil {
				extra = map[string]any{}
			}
			meta, err := json.Marshal(extra)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("marshal reading metadata: %w", err)
			}
			ins.Values(rd.JobID, nullableString(rd.ParcelID), rd.SensorID, rd.MetricType,
				r.db.timeArg(rd.Timestamp), rd.Value, nullableString(rd.QualityFlag), string(meta))
		}
		q, args := ins.Query()
		if err := tx.Exec(ctx, q, args, nil); err != nil {
			_ = tx.Rollback()
			r.log.Error("readings insert failed", "job_id", readings[0].JobID, "err", err)
			return fmt.Errorf("%w: insert readings: %v", common.ErrDatabase, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.log.Error("readings tx commit failed", "err", err)
		return fmt.Errorf("%w: commit readings: %v", common.ErrDatabase, err)
	}
	r.log.Info("readings stored", "job_id", readings[0].JobID, "count", len(readings))
	return nil
}

func (r *readingRepo) ListByJob(ctx context.Context, jobID string) ([]*entity.NormalizedReading, error) {
	b := r.db.builder()
	q, args := b.Select(readingColumns()...).
		From(b.Table(readingsTable)).
		Where(entsql.EQ("job_id", jobID)).
		OrderBy("id").
		Query()
	return r.query(ctx, q, args)
}

func (r *readingRepo) LatestByParcel(ctx context.Context, parcelID string, limit int) ([]*entity.NormalizedReading, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	b := r.db.builder()
	q, args := b.Select(readingColumns()...).
		From(b.Table(readingsTable)).
		Where(entsql.EQ("parcel_id", parcelID)).
		OrderBy(entsql.Desc("observed_at"), entsql.Desc("id")).
		Limit(limit).
		Query()
	return r.query(ctx, q, args)
}

func readingColumns() []string {
	return append([]string{"id"}, readingInsertColumns...)
}

func (r *readingRepo) query(ctx context.Context, q string, args []any) ([]*entity.NormalizedReading, error) {
	rows := &entsql.Rows{}
	if err := r.db.drv.Query(ctx, q, args, rows); err != nil {
		r.log.Error("readings query failed", "err", err)
		return nil, fmt.Errorf("%w: query readings: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var out []*entity.NormalizedReading
	for rows.Next() {
		var (
			rd           entity.NormalizedReading
			parcel, flag sql.NullString
			observedAt   any
			meta         []byte
		)
		if err := rows.Scan(&rd.ID, &rd.JobID, &parcel, &rd.SensorID, &rd.MetricType, &observedAt, &rd.Value, &flag, &meta); err != nil {
			return nil, fmt.Errorf("%w: scan reading: %v", common.ErrDatabase, err)
		}
		var err error
		if rd.Timestamp, err = scanTime(observedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rd.Extra); err != nil {
				return nil, fmt.Errorf("decode reading metadata: %w", err)
			}
		}
		rd.ParcelID = stringPtr(parcel)
		rd.QualityFlag = stringPtr(flag)
		out = append(out, &rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate readings: %v", common.ErrDatabase, err)
	}
	return out, nil
}
