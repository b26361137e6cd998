package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/export"
	jobsvc "github.com/joseph-ayodele/agro-preprocess/internal/services/jobs"
	"github.com/joseph-ayodele/agro-preprocess/internal/utils"
)

// PreprocessServer serves PreprocessService on top of the job and export services.
type PreprocessServer struct {
	jobs   *jobsvc.Service
	export *export.Service
	logger *slog.Logger
}

var _ PreprocessServiceServer = (*PreprocessServer)(nil)

func NewPreprocessServer(jobs *jobsvc.Service, exp *export.Service, logger *slog.Logger) *PreprocessServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreprocessServer{jobs: jobs, export: exp, logger: logger}
}

// SubmitJob accepts {"job_type": "...", "payload": {...}} and returns the pending job.
func (s *PreprocessServer) SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := utils.StructJSON(utils.StructField(req, "payload"))
	if err != nil {
		return nil, common.InvalidArgumentError(err.Error())
	}
	job, err := s.jobs.Submit(ctx, utils.StringField(req, "job_type"), raw)
	if err != nil {
		return nil, s.fail(ctx, "submit job failed", err)
	}
	return s.reply(job)
}

// GetJob returns the job named by "job_id".
func (s *PreprocessServer) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := s.jobs.Get(ctx, utils.StringField(req, "job_id"))
	if err != nil {
		return nil, s.fail(ctx, "get job failed", err)
	}
	return s.reply(job)
}

// ListJobs pages through jobs, newest first.
func (s *PreprocessServer) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, err := utils.IntField(req, "limit", 0)
	if err != nil {
		return nil, common.InvalidArgumentError(err.Error())
	}
	offset, err := utils.IntField(req, "offset", 0)
	if err != nil {
		return nil, common.InvalidArgumentError(err.Error())
	}
	page, err := s.jobs.List(ctx, limit, offset)
	if err != nil {
		return nil, s.fail(ctx, "list jobs failed", err)
	}
	return s.reply(page)
}

// UploadImagery stores a base64 encoded image ("data") and submits its tiling.
func (s *PreprocessServer) UploadImagery(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	data, err := base64.StdEncoding.DecodeString(utils.StringField(req, "data"))
	if err != nil {
		return nil, common.InvalidArgumentError("data must be base64 encoded")
	}
	upload := jobsvc.UploadRequest{
		ParcelID:    utils.StringField(req, "parcel_id"),
		MissionID:   utils.StringField(req, "mission_id"),
		Filename:    utils.StringField(req, "filename"),
		ContentType: utils.StringField(req, "content_type"),
		TargetCRS:   utils.StringField(req, "target_crs"),
		Data:        data,
	}
	if upload.TileSize, err = utils.OptionalIntField(req, "tile_size"); err != nil {
		return nil, common.InvalidArgumentError(err.Error())
	}
	if upload.Overlap, err = utils.OptionalIntField(req, "overlap"); err != nil {
		return nil, common.InvalidArgumentError(err.Error())
	}

	res, err := s.jobs.UploadImagery(ctx, upload)
	if err != nil {
		return nil, s.fail(ctx, "upload imagery failed", err)
	}
	return s.reply(res)
}

// ListTiles lists tiles by "job_id", or by "parcel_id" and "mission_id".
func (s *PreprocessServer) ListTiles(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var (
		tiles any
		err   error
	)
	if jobID := utils.StringField(req, "job_id"); jobID != "" {
		tiles, err = s.jobs.TilesByJob(ctx, jobID)
	} else {
		tiles, err = s.jobs.Tiles(ctx, utils.StringField(req, "parcel_id"), utils.StringField(req, "mission_id"))
	}
	if err != nil {
		return nil, s.fail(ctx, "list tiles failed", err)
	}
	return s.reply(map[string]any{"tiles": tiles})
}

// LatestReadings returns the latest normalized readings of "parcel_id".
func (s *PreprocessServer) LatestReadings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, err := utils.IntField(req, "limit", 0)
	if err != nil {
		return nil, common.InvalidArgumentError(err.Error())
	}
	readings, err := s.jobs.LatestReadings(ctx, utils.StringField(req, "parcel_id"), limit)
	if err != nil {
		return nil, s.fail(ctx, "latest readings failed", err)
	}
	return s.reply(map[string]any{"readings": readings})
}

func (s *PreprocessServer) reply(v any) (*structpb.Struct, error) {
	out, err := utils.ToStruct(v)
	if err != nil {
		s.logger.Error("encode response failed", "error", err)
		return nil, common.InternalError("encode response failed")
	}
	return out, nil
}

// fail logs err and maps it onto a gRPC status. Caller mistakes are logged at warn.
func (s *PreprocessServer) fail(ctx context.Context, msg string, err error) error {
	log := common.LoggerWithContext(ctx, s.logger)
	if errors.Is(err, common.ErrInvalidInput) || errors.Is(err, common.ErrNotFound) {
		log.Warn(msg, "error", err)
	} else {
		log.Error(msg, "error", err)
	}
	return common.ToStatus(err)
}
