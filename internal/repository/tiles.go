package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
)

const tilesTable = "uav_tiles_meta"

var tileColumns = []string{"id", "job_id", "parcel_id", "mission_id", "tile_path", "bounds", "crs", "resolution", "generated_at", "metadata"}

// TileRepository persists one metadata row per emitted tile.
type TileRepository interface {
	Insert(ctx context.Context, rec *entity.TileRecord) error
	ListByJob(ctx context.Context, jobID string) ([]*entity.TileRecord, error)
	ListByParcelMission(ctx context.Context, parcelID, missionID string) ([]*entity.TileRecord, error)
}

type tileRepo struct {
	db  *DB
	log *slog.Logger
}

func NewTileRepository(db *DB, log *slog.Logger) TileRepository {
	if log == nil {
		log = slog.Default()
	}
	return &tileRepo{db: db, log: log}
}

func (r *tileRepo) Insert(ctx context.Context, rec *entity.TileRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.GeneratedAt.IsZero() {
		rec.GeneratedAt = time.Now().UTC()
	}
	bounds, err := json.Marshal(rec.Bounds)
	if err != nil {
		return err
	}
	extra := rec.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	meta, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal tile metadata: %w", err)
	}

	q, args := r.db.builder().Insert(tilesTable).
		Columns(tileColumns...).
		Values(
			rec.ID.String(), rec.JobID, nullableString(rec.ParcelID), nullableString(rec.MissionID),
			rec.TilePath, string(bounds), nullableString(rec.CRS), nullableFloat(rec.Resolution),
			r.db.timeArg(rec.GeneratedAt), string(meta),
		).
		Query()
	if err := r.db.drv.Exec(ctx, q, args, nil); err != nil {
		r.log.Error("tile insert failed", "job_id", rec.JobID, "tile_path", rec.TilePath, "err", err)
		return fmt.Errorf("%w: insert tile: %v", common.ErrDatabase, err)
	}
	return nil
}

func (r *tileRepo) ListByJob(ctx context.Context, jobID string) ([]*entity.TileRecord, error) {
	b := r.db.builder()
	q, args := b.Select(tileColumns...).
		From(b.Table(tilesTable)).
		Where(entsql.EQ("job_id", jobID)).
		OrderBy("tile_path").
		Query()
	return r.query(ctx, q, args)
}

func (r *tileRepo) ListByParcelMission(ctx context.Context, parcelID, missionID string) ([]*entity.TileRecord, error) {
	b := r.db.builder()
	q, args := b.Select(tileColumns...).
		From(b.Table(tilesTable)).
		Where(entsql.And(entsql.EQ("parcel_id", parcelID), entsql.EQ("mission_id", missionID))).
		OrderBy("generated_at", "tile_path").
		Query()
	return r.query(ctx, q, args)
}

func (r *tileRepo) query(ctx context.Context, q string, args []any) ([]*entity.TileRecord, error) {
	rows := &entsql.Rows{}
	if err := r.db.drv.Query(ctx, q, args, rows); err != nil {
		r.log.Error("tile query failed", "err", err)
		return nil, fmt.Errorf("%w: query tiles: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var out []*entity.TileRecord
	for rows.Next() {
		var (
			rec                  entity.TileRecord
			id                   string
			parcel, mission, crs sql.NullString
			resolution           sql.NullFloat64
			bounds, meta         []byte
			generatedAt          any
		)
		if err := rows.Scan(&id, &rec.JobID, &parcel, &mission, &rec.TilePath, &bounds, &crs, &resolution, &generatedAt, &meta); err != nil {
			return nil, fmt.Errorf("%w: scan tile: %v", common.ErrDatabase, err)
		}
		var err error
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("tile id %q: %w", id, err)
		}
		if err := json.Unmarshal(bounds, &rec.Bounds); err != nil {
			return nil, fmt.Errorf("decode tile bounds: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Extra); err != nil {
				return nil, fmt.Errorf("decode tile metadata: %w", err)
			}
		}
		if rec.GeneratedAt, err = scanTime(generatedAt); err != nil {
			return nil, err
		}
		rec.ParcelID = stringPtr(parcel)
		rec.MissionID = stringPtr(mission)
		rec.CRS = stringPtr(crs)
		rec.Resolution = floatPtr(resolution)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate tiles: %v", common.ErrDatabase, err)
	}
	return out, nil
}
