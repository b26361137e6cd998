package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
)

const (
	jobsTable        = "preprocess_jobs"
	DefaultListLimit = 20
	MaxListLimit     = 200
)

var jobColumns = []string{"id", "job_type", "status", "payload", "result", "error", "created_at", "updated_at"}

// JobRepository is the persisted job state machine.
type JobRepository interface {
	Create(ctx context.Context, jobType constants.JobType, payload json.RawMessage) (*entity.Job, error)
	Get(ctx context.Context, id string) (*entity.Job, error)
	List(ctx context.Context, limit, offset int) ([]*entity.Job, error)
	Count(ctx context.Context) (int, error)
	ListByStatus(ctx context.Context, status constants.JobStatus) ([]*entity.Job, error)
	Transition(ctx context.Context, id string, to constants.JobStatus, result any, jobErr *entity.JobError) (*entity.Job, error)
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log, now: time.Now}
}

// NewJobID returns "job_" followed by a UUIDv7 in hex. v7 ids sort by creation time and
// are monotonic within the process.
func NewJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return "job_" + strings.ReplaceAll(id.String(), "-", ""), nil
}

func (r *jobRepo) Create(ctx context.Context, jobType constants.JobType, payload json.RawMessage) (*entity.Job, error) {
	id, err := NewJobID()
	if err != nil {
		r.log.Error("job id generation failed", "err", err)
		return nil, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := r.now().UTC()

	q, args := r.db.builder().Insert(jobsTable).
		Columns(jobColumns...).
		Values(id, string(jobType), string(constants.JobStatusPending), string(payload), nil, nil, r.db.timeArg(now), r.db.timeArg(now)).
		Query()
	if err := r.db.drv.Exec(ctx, q, args, nil); err != nil {
		r.log.Error("job create failed", "job_type", jobType, "err", err)
		return nil, fmt.Errorf("%w: create job: %v", common.ErrDatabase, err)
	}
	r.log.Info("job created", "job_id", id, "job_type", jobType)

	return &entity.Job{
		ID:        id,
		JobType:   jobType,
		Status:    constants.JobStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (r *jobRepo) Get(ctx context.Context, id string) (*entity.Job, error) {
	b := r.db.builder()
	q, args := b.Select(jobColumns...).
		From(b.Table(jobsTable)).
		Where(entsql.EQ("id", id)).
		Query()
	jobs, err := r.query(ctx, q, args)
	if err != nil {
		r.log.Error("job get failed", "job_id", id, "err", err)
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, common.NotFound("job %s not found", id)
	}
	return jobs[0], nil
}

func (r *jobRepo) List(ctx context.Context, limit, offset int) ([]*entity.Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	b := r.db.builder()
	q, args := b.Select(jobColumns...).
		From(b.Table(jobsTable)).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("id")).
		Limit(limit).
		Offset(offset).
		Query()
	jobs, err := r.query(ctx, q, args)
	if err != nil {
		r.log.Error("job list failed", "limit", limit, "offset", offset, "err", err)
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) Count(ctx context.Context) (int, error) {
	b := r.db.builder()
	q, args := b.Select(entsql.Count("*")).From(b.Table(jobsTable)).Query()
	rows := &entsql.Rows{}
	if err := r.db.drv.Query(ctx, q, args, rows); err != nil {
		return 0, fmt.Errorf("%w: count jobs: %v", common.ErrDatabase, err)
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("%w: count jobs: %v", common.ErrDatabase, err)
		}
	}
	return n, rows.Err()
}

func (r *jobRepo) ListByStatus(ctx context.Context, status constants.JobStatus) ([]*entity.Job, error) {
	b := r.db.builder()
	q, args := b.Select(jobColumns...).
		From(b.Table(jobsTable)).
		Where(entsql.EQ("status", string(status))).
		OrderBy("created_at", "id").
		Query()
	jobs, err := r.query(ctx, q, args)
	if err != nil {
		r.log.Error("job list by status failed", "status", status, "err", err)
		return nil, err
	}
	return jobs, nil
}

// Transition moves a job to status `to` with a single guarded UPDATE, so two writers
// racing on the same job cannot both leave the same predecessor state.
func (r *jobRepo) Transition(ctx context.Context, id string, to constants.JobStatus, result any, jobErr *entity.JobError) (*entity.Job, error) {
	if !to.Valid() {
		return nil, common.InvalidInput("unknown job status %q", to)
	}
	preds := constants.Predecessors(to)
	if len(preds) == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, invalidTransition(id, "", to)
	}

	upd := r.db.builder().Update(jobsTable).
		Set("status", string(to)).
		Set("updated_at", r.db.timeArg(r.now()))
	switch to {
	case constants.JobStatusCompleted:
		doc, err := marshalResult(result)
		if err != nil {
			return nil, err
		}
		upd.Set("result", doc).SetNull("error")
	case constants.JobStatusFailed:
		if jobErr == nil {
			jobErr = &entity.JobError{Message: "unknown error", Type: "Error"}
		}
		doc, err := json.Marshal(jobErr)
		if err != nil {
			return nil, err
		}
		upd.Set("error", string(doc)).SetNull("result")
	default:
		upd.SetNull("result").SetNull("error")
	}

	from := make([]any, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}
	q, args := upd.Where(entsql.And(entsql.EQ("id", id), entsql.In("status", from...))).Query()

	var res sql.Result
	if err := r.db.drv.Exec(ctx, q, args, &res); err != nil {
		r.log.Error("job transition failed", "job_id", id, "to", to, "err", err)
		return nil, fmt.Errorf("%w: transition job: %v", common.ErrDatabase, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: transition job: %v", common.ErrDatabase, err)
	}

	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, invalidTransition(id, job.Status, to)
	}
	r.log.Info("job transitioned", "job_id", id, "status", to)
	return job, nil
}

func invalidTransition(id string, from, to constants.JobStatus) error {
	msg := fmt.Sprintf("job %s cannot move to %s", id, to)
	if from != "" {
		msg = fmt.Sprintf("job %s cannot move from %s to %s", id, from, to)
	}
	return common.NewAppError(common.CodeInvalidTransition, msg, common.ErrInvalidTransition)
}

func marshalResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "{}", nil
	case json.RawMessage:
		if len(v) == 0 {
			return "{}", nil
		}
		return string(v), nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal job result: %w", err)
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

func (r *jobRepo) query(ctx context.Context, q string, args []any) ([]*entity.Job, error) {
	rows := &entsql.Rows{}
	if err := r.db.drv.Query(ctx, q, args, rows); err != nil {
		return nil, fmt.Errorf("%w: query jobs: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		var (
			job                  entity.Job
			jobType, status      string
			payload              []byte
			result, errDoc       sql.NullString
			createdAt, updatedAt any
		)
		if err := rows.Scan(&job.ID, &jobType, &status, &payload, &result, &errDoc, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan job: %v", common.ErrDatabase, err)
		}
		job.JobType = constants.JobType(jobType)
		job.Status = constants.JobStatus(status)
		job.Payload = json.RawMessage(payload)
		if result.Valid {
			job.Result = json.RawMessage(result.String)
		}
		if errDoc.Valid {
			var je entity.JobError
			if err := json.Unmarshal([]byte(errDoc.String), &je); err != nil {
				return nil, fmt.Errorf("decode job error document: %w", err)
			}
			job.Error = &je
		}
		var err error
		if job.CreatedAt, err = scanTime(createdAt); err != nil {
			return nil, err
		}
		if job.UpdatedAt, err = scanTime(updatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate jobs: %v", common.ErrDatabase, err)
	}
	return jobs, nil
}
