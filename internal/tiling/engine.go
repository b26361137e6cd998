package tiling

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/objectstore"
	"github.com/joseph-ayodele/agro-preprocess/internal/raster"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
)

const sampleSize = 5

// Size is an image size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TileSample describes one emitted tile in a job result.
type TileSample struct {
	TileID int                `json:"tile_id"`
	Path   string             `json:"path"`
	Bounds entity.PixelBounds `json:"bounds"`
}

// Result is the document stored on a completed tiling job.
type Result struct {
	TilesCreated int          `json:"tiles_created"`
	TargetBucket string       `json:"target_bucket"`
	TilesSample  []TileSample `json:"tiles_sample"`
	OriginalSize Size         `json:"original_size"`
	CRS          string       `json:"crs"`
	Bands        int          `json:"bands"`
	DataType     string       `json:"dtype"`
	TileSize     int          `json:"tile_size"`
	Overlap      int          `json:"overlap"`
	TargetCRS    string       `json:"target_crs"`
}

// Engine tiles rasters from the object store into the tiles bucket.
type Engine struct {
	store       objectstore.Gateway
	tiles       repository.TileRepository
	bucket      string
	compression raster.Compression
	maxBytes    int64
	log         *slog.Logger
	now         func() time.Time
}

type Option func(*Engine)

// WithCompression selects the codec of written tiles. LZW by default.
func WithCompression(c raster.Compression) Option {
	return func(e *Engine) { e.compression = c }
}

// WithMaxSourceBytes caps both the fetched source object and its decoded samples.
func WithMaxSourceBytes(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBytes = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func NewEngine(store objectstore.Gateway, tiles repository.TileRepository, tilesBucket string, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		tiles:       tiles,
		bucket:      tilesBucket,
		compression: raster.CompressionLZW,
		maxBytes:    raster.DefaultMaxBytes,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle runs a tiling job; it matches the scheduler handler signature.
func (e *Engine) Handle(ctx context.Context, jobID string, payload entity.Payload) (any, error) {
	p, ok := payload.(entity.TilePayload)
	if !ok {
		return nil, common.InvalidInput("tiling handler got %s payload", payload.JobType())
	}
	return e.Run(ctx, jobID, p)
}

// Run tiles the source raster of p. Tiles and records written before a failure stay
// in place.
func (e *Engine) Run(ctx context.Context, jobID string, p entity.TilePayload) (*Result, error) {
	params := Params{TileSize: p.TileSize, Overlap: p.Overlap, TargetCRS: p.TargetCRS}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	mission := p.MissionID
	if mission == "" {
		mission = jobID
	}
	log := e.log.With("job_id", jobID, "source", p.Source.Bucket+"/"+p.Source.ObjectName)

	log.Info("tiling.start", "tile_size", p.TileSize, "overlap", p.Overlap)
	data, err := objectstore.ReadLimited(ctx, e.store, p.Source.Bucket, p.Source.ObjectName, e.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	src, err := raster.DecodeLimit(data, e.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}
	log.Info("tiling.source", "width", src.Width, "height", src.Height, "bands", src.Bands, "dtype", src.DataType.String(), "crs", src.CRS)

	windows, err := PlanWindows(src.Width, src.Height, params)
	if err != nil {
		return nil, err
	}

	var resolution *float64
	if src.Transform != nil {
		sx, _ := src.Transform.PixelSize()
		resolution = &sx
	}
	original := Size{Width: src.Width, Height: src.Height}
	res := &Result{
		TargetBucket: e.bucket,
		TilesSample:  []TileSample{},
		OriginalSize: original,
		CRS:          src.CRS,
		Bands:        src.Bands,
		DataType:     src.DataType.String(),
		TileSize:     p.TileSize,
		Overlap:      p.Overlap,
		TargetCRS:    p.TargetCRS,
	}

	for idx, w := range windows {
		tile, err := src.Window(w)
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", idx, err)
		}
		encoded, err := raster.EncodeBytes(tile, &raster.Options{Compression: e.compression, Predictor: true})
		if err != nil {
			return nil, fmt.Errorf("tile %d: encode: %w", idx, err)
		}
		key := TilePath(p.ParcelID, mission, idx)
		if err := e.store.PutObject(ctx, e.bucket, key, encoded, constants.ContentTypeTIFF); err != nil {
			return nil, fmt.Errorf("tile %d: %w", idx, err)
		}

		bounds := entity.PixelBounds{ColOff: w.ColOff, RowOff: w.RowOff, Width: w.Width, Height: w.Height}
		rec := &entity.TileRecord{
			JobID:       jobID,
			ParcelID:    optional(p.ParcelID),
			MissionID:   optional(mission),
			TilePath:    key,
			Bounds:      bounds,
			CRS:         optional(src.CRS),
			Resolution:  resolution,
			GeneratedAt: e.now().UTC(),
			Extra: map[string]any{
				"tile_id":       idx,
				"original_size": original,
				"tile_size":     p.TileSize,
				"overlap":       p.Overlap,
				"target_crs":    p.TargetCRS,
			},
		}
		if err := e.tiles.Insert(ctx, rec); err != nil {
			return nil, fmt.Errorf("tile %d: record: %w", idx, err)
		}

		res.TilesCreated++
		if len(res.TilesSample) < sampleSize {
			res.TilesSample = append(res.TilesSample, TileSample{TileID: idx, Path: key, Bounds: bounds})
		}
		log.Debug("tiling.tile.ok", "tile_id", idx, "path", key, "bytes", len(encoded))
		if res.TilesCreated%10 == 0 {
			log.Info("tiling.progress", "tiles_created", res.TilesCreated, "planned", len(windows))
		}
	}

	log.Info("tiling.done", "tiles_created", res.TilesCreated, "bucket", e.bucket)
	return res, nil
}

// TilePath is the object key of tile idx: {parcel}/{mission}/{mission}_tile_{idx:04d}.tif,
// without the parcel segment when parcel is empty.
func TilePath(parcel, mission string, idx int) string {
	name := fmt.Sprintf("%s_tile_%04d.%s", mission, idx, constants.TileExt)
	if parcel == "" {
		return path.Join(mission, name)
	}
	return path.Join(parcel, mission, name)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
