package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
)

const filesTable = "imagery_files"

var fileColumns = []string{"id", "parcel_id", "mission_id", "content_hash", "source_path", "size_bytes", "object_name", "job_id", "claimed_at"}

// FileRepository deduplicates drop-folder imagery by (parcel, mission, content hash).
type FileRepository interface {
	// Claim reserves f for upload. When another row holds the same content, Claim returns
	// that row and false. A claim that never completed is taken over once older than
	// staleAfter.
	Claim(ctx context.Context, f *entity.ImageryFile, staleAfter time.Duration) (*entity.ImageryFile, bool, error)
	Complete(ctx context.Context, id uuid.UUID, objectName, jobID string) error
	// Release drops an unfinished claim so the file can be retried.
	Release(ctx context.Context, id uuid.UUID) error
	GetByHash(ctx context.Context, parcelID, missionID, hash string) (*entity.ImageryFile, error)
}

type fileRepo struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

func NewFileRepository(db *DB, log *slog.Logger) FileRepository {
	if log == nil {
		log = slog.Default()
	}
	return &fileRepo{db: db, log: log, now: time.Now}
}

func (r *fileRepo) Claim(ctx context.Context, f *entity.ImageryFile, staleAfter time.Duration) (*entity.ImageryFile, bool, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.ClaimedAt = r.now().UTC()
	f.ObjectName, f.JobID = "", ""

	q, args := r.db.builder().Insert(filesTable).
		Columns(fileColumns...).
		Values(f.ID.String(), f.ParcelID, f.MissionID, f.ContentHash, f.SourcePath, f.SizeBytes, nil, nil, r.db.timeArg(f.ClaimedAt)).
		OnConflict(entsql.ConflictColumns("parcel_id", "mission_id", "content_hash"), entsql.DoNothing()).
		Query()
	var res sql.Result
	if err := r.db.drv.Exec(ctx, q, args, &res); err != nil {
		r.log.Error("file claim failed", "parcel_id", f.ParcelID, "mission_id", f.MissionID, "hash", f.ContentHash, "err", err)
		return nil, false, fmt.Errorf("%w: claim file: %v", common.ErrDatabase, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, fmt.Errorf("%w: claim file: %v", common.ErrDatabase, err)
	} else if n == 1 {
		return f, true, nil
	}

	existing, err := r.GetByHash(ctx, f.ParcelID, f.MissionID, f.ContentHash)
	if err != nil {
		return nil, false, err
	}
	if existing.JobID != "" || staleAfter <= 0 || f.ClaimedAt.Sub(existing.ClaimedAt) < staleAfter {
		return existing, false, nil
	}

	// Take over the abandoned claim only if nobody else did in between.
	q, args = r.db.builder().Update(filesTable).
		Set("source_path", f.SourcePath).
		Set("size_bytes", f.SizeBytes).
		Set("claimed_at", r.db.timeArg(f.ClaimedAt)).
		Where(entsql.And(
			entsql.EQ("id", existing.ID.String()),
			entsql.IsNull("job_id"),
			entsql.EQ("claimed_at", r.db.timeArg(existing.ClaimedAt)),
		)).
		Query()
	if err := r.db.drv.Exec(ctx, q, args, &res); err != nil {
		return nil, false, fmt.Errorf("%w: reclaim file: %v", common.ErrDatabase, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return existing, false, nil
	}
	r.log.Warn("stale file claim taken over", "file_id", existing.ID, "source_path", f.SourcePath)
	f.ID = existing.ID
	return f, true, nil
}

func (r *fileRepo) Complete(ctx context.Context, id uuid.UUID, objectName, jobID string) error {
	q, args := r.db.builder().Update(filesTable).
		Set("object_name", objectName).
		Set("job_id", jobID).
		Where(entsql.EQ("id", id.String())).
		Query()
	var res sql.Result
	if err := r.db.drv.Exec(ctx, q, args, &res); err != nil {
		r.log.Error("file complete failed", "file_id", id, "job_id", jobID, "err", err)
		return fmt.Errorf("%w: complete file: %v", common.ErrDatabase, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.NotFound("imagery file %s not found", id)
	}
	return nil
}

func (r *fileRepo) Release(ctx context.Context, id uuid.UUID) error {
	q, args := r.db.builder().Delete(filesTable).
		Where(entsql.And(entsql.EQ("id", id.String()), entsql.IsNull("job_id"))).
		Query()
	if err := r.db.drv.Exec(ctx, q, args, nil); err != nil {
		r.log.Error("file release failed", "file_id", id, "err", err)
		return fmt.Errorf("%w: release file: %v", common.ErrDatabase, err)
	}
	return nil
}

func (r *fileRepo) GetByHash(ctx context.Context, parcelID, missionID, hash string) (*entity.ImageryFile, error) {
	b := r.db.builder()
	q, args := b.Select(fileColumns...).
		From(b.Table(filesTable)).
		Where(entsql.And(
			entsql.EQ("parcel_id", parcelID),
			entsql.EQ("mission_id", missionID),
			entsql.EQ("content_hash", hash),
		)).
		Query()
	rows := &entsql.Rows{}
	if err := r.db.drv.Query(ctx, q, args, rows); err != nil {
		return nil, fmt.Errorf("%w: query files: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: query files: %v", common.ErrDatabase, err)
		}
		return nil, common.NotFound("no imagery file with hash %s in %s/%s", hash, parcelID, missionID)
	}
	var (
		f             entity.ImageryFile
		id            string
		object, jobID sql.NullString
		claimedAt     any
	)
	if err := rows.Scan(&id, &f.ParcelID, &f.MissionID, &f.ContentHash, &f.SourcePath, &f.SizeBytes, &object, &jobID, &claimedAt); err != nil {
		return nil, fmt.Errorf("%w: scan file: %v", common.ErrDatabase, err)
	}
	var err error
	if f.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("file id %q: %w", id, err)
	}
	if f.ClaimedAt, err = scanTime(claimedAt); err != nil {
		return nil, err
	}
	f.ObjectName, f.JobID = object.String, jobID.String
	return &f, nil
}
