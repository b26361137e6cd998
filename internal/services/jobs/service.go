package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/async"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/objectstore"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
)

const (
	defaultUploadName = "uav-image.tif"
	maxTileSize       = 16384
)

// Defaults fill the optional payload fields a caller left out.
type Defaults struct {
	TileSize  int
	Overlap   int
	TargetCRS string
	Strategy  string
}

// DefaultDefaults mirrors the values the tiling and cleaning jobs historically used.
func DefaultDefaults() Defaults {
	return Defaults{TileSize: 512, Overlap: 64, TargetCRS: "EPSG:4326", Strategy: constants.StrategyDefault}
}

// Deps are the collaborators of the service.
type Deps struct {
	Jobs       repository.JobRepository
	Tiles      repository.TileRepository
	Readings   repository.ReadingRepository
	Store      objectstore.Gateway
	Dispatcher async.Dispatcher
	Handlers   map[constants.JobType]async.Handler
}

// Service is the submission and status surface over the job store.
type Service struct {
	jobs       repository.JobRepository
	tiles      repository.TileRepository
	readings   repository.ReadingRepository
	store      objectstore.Gateway
	dispatcher async.Dispatcher
	handlers   map[constants.JobType]async.Handler
	schemas    map[constants.JobType]*jsonschema.Schema
	rawBucket  string
	defaults   Defaults
	logger     *slog.Logger
}

// NewService creates a new job service. rawBucket receives imagery uploads.
func NewService(deps Deps, rawBucket string, defaults Defaults, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Service{
		jobs:       deps.Jobs,
		tiles:      deps.Tiles,
		readings:   deps.Readings,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		handlers:   deps.Handlers,
		schemas:    schemas,
		rawBucket:  rawBucket,
		defaults:   defaults,
		logger:     logger,
	}, nil
}

// Resolve returns the handler for a job type; it satisfies async.Resolver.
func (s *Service) Resolve(jt constants.JobType) (async.Handler, bool) {
	h, ok := s.handlers[jt]
	return h, ok
}

// Submit validates raw against the schema of jobType, persists a pending job and hands it
// to the scheduler. The job is returned before any work happens.
func (s *Service) Submit(ctx context.Context, jobType string, raw json.RawMessage) (*entity.Job, error) {
	jt, ok := constants.CanonicalizeJobType(jobType)
	if !ok {
		return nil, common.InvalidInput("unknown job type %q (expected one of %s)",
			jobType, strings.Join(constants.JobTypesAsStringSlice(), ", "))
	}
	if _, ok := s.handlers[jt]; !ok {
		return nil, common.InvalidInput("job type %q is not enabled", jt)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	doc, err := validateDocument(s.schemas[jt], raw)
	if err != nil {
		s.logger.Warn("payload validation failed", "job_type", jt, "error", err)
		return nil, common.NewAppError(common.CodeValidation, err.Error(), common.ErrInvalidInput)
	}
	payload, err := entity.DecodePayload(jt, raw)
	if err != nil {
		return nil, common.NewAppError(common.CodeInvalidInput, err.Error(), common.ErrInvalidInput)
	}
	return s.enqueue(ctx, s.applyDefaults(payload, doc))
}

// SubmitTiling submits a tiling job for an image already in the object store. Zero
// TileSize, Overlap and TargetCRS take the configured defaults unless named in explicit.
func (s *Service) SubmitTiling(ctx context.Context, p entity.TilePayload, explicit ...string) (*entity.Job, error) {
	return s.submitTyped(ctx, p, explicit...)
}

// SubmitSensorCleaning submits a batch of raw readings for normalization.
func (s *Service) SubmitSensorCleaning(ctx context.Context, p entity.SensorCleaningPayload) (*entity.Job, error) {
	return s.submitTyped(ctx, p)
}

func (s *Service) submitTyped(ctx context.Context, p entity.Payload, explicit ...string) (*entity.Job, error) {
	raw, err := marshalPayload(p, explicit...)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, string(p.JobType()), raw)
}

// marshalPayload drops zero tiling fields so that defaults apply to them. Keys listed
// in keep are written even when zero.
func marshalPayload(p entity.Payload, keep ...string) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	tp, ok := p.(entity.TilePayload)
	if !ok {
		return b, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	drop := func(key string, zero bool) {
		if zero && !slices.Contains(keep, key) {
			delete(doc, key)
		}
	}
	drop("tile_size", tp.TileSize == 0)
	drop("overlap", tp.Overlap == 0)
	drop("target_crs", tp.TargetCRS == "")
	return json.Marshal(doc)
}

func (s *Service) applyDefaults(p entity.Payload, doc map[string]any) entity.Payload {
	present := func(key string) bool {
		v, ok := doc[key]
		return ok && v != nil
	}
	switch v := p.(type) {
	case entity.TilePayload:
		if !present("tile_size") {
			v.TileSize = s.defaults.TileSize
		}
		if !present("overlap") {
			v.Overlap = s.defaults.Overlap
		}
		if !present("target_crs") {
			v.TargetCRS = s.defaults.TargetCRS
		}
		return v
	case entity.SensorCleaningPayload:
		if v.Strategy == "" {
			v.Strategy = s.defaults.Strategy
		}
		return v
	}
	return p
}

func (s *Service) enqueue(ctx context.Context, payload entity.Payload) (*entity.Job, error) {
	doc, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job, err := s.jobs.Create(ctx, payload.JobType(), doc)
	if err != nil {
		return nil, err
	}

	// A job that cannot be queued stays pending and is dispatched by the next recovery sweep.
	if err := s.dispatcher.Dispatch(ctx, job.ID, s.handlers[job.JobType], payload); err != nil {
		s.logger.Warn("dispatch failed, job left pending", "job_id", job.ID, "job_type", job.JobType, "error", err)
		return job, nil
	}
	s.logger.Info("job submitted", "job_id", job.ID, "job_type", job.JobType)
	return job, nil
}

// UploadRequest carries a raw UAV image and the tiling parameters to apply to it.
// A nil TileSize or Overlap takes the configured default; an explicit zero overlap is kept.
type UploadRequest struct {
	ParcelID    string
	MissionID   string
	Filename    string
	ContentType string
	Data        []byte
	TileSize    *int
	Overlap     *int
	TargetCRS   string
}

// UploadResult reports where the raw image landed and the tiling job created for it.
type UploadResult struct {
	Bucket      string      `json:"bucket"`
	ObjectName  string      `json:"object_name"`
	SizeBytes   int         `json:"size_bytes"`
	ContentType string      `json:"content_type"`
	Job         *entity.Job `json:"job"`
}

// UploadImagery stores a raw image at {parcel}/{mission}/raw/{filename} and submits its tiling.
func (s *Service) UploadImagery(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	filename := path.Base(strings.ReplaceAll(strings.TrimSpace(req.Filename), "\\", "/"))
	if filename == "." || filename == "/" || filename == "" {
		filename = defaultUploadName
	}

	v := common.NewValidator()
	v.Field("parcel_id", req.ParcelID, common.Required, common.Identifier, common.MaxLength(128))
	v.Field("mission_id", req.MissionID, common.Required, common.Identifier, common.MaxLength(128))
	v.Field("filename", filename, common.Identifier, common.MaxLength(255))
	var explicit []string
	payload := entity.TilePayload{ParcelID: req.ParcelID, MissionID: req.MissionID, TargetCRS: req.TargetCRS}
	if req.TileSize != nil {
		v.Field("tile_size", *req.TileSize, common.IntRange(1, maxTileSize))
		payload.TileSize = *req.TileSize
		explicit = append(explicit, "tile_size")
	}
	if req.Overlap != nil {
		v.Field("overlap", *req.Overlap, common.IntRange(0, maxTileSize))
		payload.Overlap = *req.Overlap
		explicit = append(explicit, "overlap")
	}
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}
	ext := constants.NormalizeExt(path.Ext(filename))
	if _, ok := constants.AllowedRasterExtensions[ext]; !ok {
		return nil, common.InvalidInput("unsupported imagery extension %q", ext)
	}
	if len(req.Data) == 0 {
		return nil, common.InvalidInput("image is empty")
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = constants.ContentTypeTIFF
	}

	key := path.Join(req.ParcelID, req.MissionID, "raw", filename)
	if err := s.store.PutObject(ctx, s.rawBucket, key, req.Data, contentType); err != nil {
		s.logger.Error("upload imagery failed", "bucket", s.rawBucket, "object", key, "error", err)
		return nil, fmt.Errorf("store raw image: %w", err)
	}
	s.logger.Info("imagery uploaded", "bucket", s.rawBucket, "object", key, "size_bytes", len(req.Data))

	payload.Source = entity.ObjectRef{Bucket: s.rawBucket, ObjectName: key}
	job, err := s.SubmitTiling(ctx, payload, explicit...)
	if err != nil {
		return nil, err
	}
	return &UploadResult{
		Bucket:      s.rawBucket,
		ObjectName:  key,
		SizeBytes:   len(req.Data),
		ContentType: contentType,
		Job:         job,
	}, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id string) (*entity.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, common.InvalidInput("job id is required")
	}
	return s.jobs.Get(ctx, id)
}

// JobPage is one page of the job listing, newest first.
type JobPage struct {
	Jobs  []*entity.Job `json:"jobs"`
	Total int           `json:"total"`
}

// List returns a page of jobs and the total job count.
func (s *Service) List(ctx context.Context, limit, offset int) (*JobPage, error) {
	if offset < 0 {
		return nil, common.InvalidInput("offset must not be negative")
	}
	jobs, err := s.jobs.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.jobs.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &JobPage{Jobs: jobs, Total: total}, nil
}

// Tiles lists the tile records of a parcel mission.
func (s *Service) Tiles(ctx context.Context, parcelID, missionID string) ([]*entity.TileRecord, error) {
	v := common.NewValidator()
	v.Field("parcel_id", parcelID, common.Required, common.Identifier)
	v.Field("mission_id", missionID, common.Required, common.Identifier)
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}
	return s.tiles.ListByParcelMission(ctx, parcelID, missionID)
}

// TilesByJob lists the tile records a job produced.
func (s *Service) TilesByJob(ctx context.Context, jobID string) ([]*entity.TileRecord, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.tiles.ListByJob(ctx, jobID)
}

// LatestReadings returns the most recent normalized readings of a parcel.
func (s *Service) LatestReadings(ctx context.Context, parcelID string, limit int) ([]*entity.NormalizedReading, error) {
	if strings.TrimSpace(parcelID) == "" {
		return nil, common.InvalidInput("parcel_id is required")
	}
	return s.readings.LatestByParcel(ctx, parcelID, limit)
}
