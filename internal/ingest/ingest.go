// Package ingest turns a drop folder of UAV imagery into tiling jobs. Files are laid out
// as {root}/{parcel}/{mission}/{name}.tif; missing segments fall back to Config defaults.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
	"github.com/joseph-ayodele/agro-preprocess/internal/services/jobs"
)

// DefaultClaimTTL is how long an upload claim may stay unfinished before another
// ingestor retries the file.
const DefaultClaimTTL = 15 * time.Minute

// Uploader is the part of the job service the ingestor depends on.
type Uploader interface {
	UploadImagery(ctx context.Context, req jobs.UploadRequest) (*jobs.UploadResult, error)
}

// Config controls how files under Root are mapped to uploads.
type Config struct {
	Root           string
	SkipHidden     bool
	DefaultParcel  string
	DefaultMission string
	TileSize       *int // nil uses the service default
	Overlap        *int
	TargetCRS      string
	ClaimTTL       time.Duration
}

// Result is the per-file ingest outcome.
type Result struct {
	Path       string `json:"path"`
	ParcelID   string `json:"parcel_id,omitempty"`
	MissionID  string `json:"mission_id,omitempty"`
	ObjectName string `json:"object_name,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	HashHex    string `json:"hash,omitempty"`
	// Duplicate is set when the same content was already ingested for this parcel
	// mission; JobID then names the earlier job.
	Duplicate bool   `json:"duplicate,omitempty"`
	Err       string `json:"error,omitempty"`
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32 `json:"scanned"`
	Matched      uint32 `json:"matched"`
	Succeeded    uint32 `json:"succeeded"`
	Deduplicated uint32 `json:"deduplicated"`
	Failed       uint32 `json:"failed"`
}

type Ingestor struct {
	up     Uploader
	files  repository.FileRepository
	cfg    Config
	logger *slog.Logger
}

// New creates an ingestor. With a nil files repository every matching file is uploaded
// each time it is seen.
func New(up Uploader, files repository.FileRepository, cfg Config, logger *slog.Logger) (*Ingestor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, common.InvalidInput("ingest root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	cfg.Root = root
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	return &Ingestor{up: up, files: files, cfg: cfg, logger: logger}, nil
}

// IngestPath uploads one image and submits its tiling job. Content already ingested for
// the same parcel mission is reported as a duplicate and not uploaded again.
func (i *Ingestor) IngestPath(ctx context.Context, path string) (Result, error) {
	out := Result{Path: path}
	abs, err := filepath.Abs(path)
	if err != nil {
		return out, fmt.Errorf("abs path: %w", err)
	}
	if !AllowedExt(filepath.Ext(abs)) {
		return out, common.InvalidInput("unsupported or missing extension %q", filepath.Ext(abs))
	}
	parcel, mission, err := i.locate(abs)
	if err != nil {
		return out, err
	}
	out.ParcelID, out.MissionID = parcel, mission

	data, err := os.ReadFile(abs)
	if err != nil {
		i.logger.Error("ingest read failed", "path", abs, "error", err)
		return out, fmt.Errorf("read %s: %w", abs, err)
	}
	sum := sha256.Sum256(data)
	out.HashHex = hex.EncodeToString(sum[:])

	var claim *entity.ImageryFile
	if i.files != nil {
		f, claimed, err := i.files.Claim(ctx, &entity.ImageryFile{
			ParcelID:    parcel,
			MissionID:   mission,
			ContentHash: out.HashHex,
			SourcePath:  abs,
			SizeBytes:   int64(len(data)),
		}, i.cfg.ClaimTTL)
		if err != nil {
			return out, err
		}
		if !claimed {
			out.Duplicate = true
			out.ObjectName, out.JobID = f.ObjectName, f.JobID
			i.logger.Info("ingest.file.duplicate", "path", abs, "hash", out.HashHex, "job_id", f.JobID, "first_seen", f.SourcePath)
			return out, nil
		}
		claim = f
	}

	res, err := i.up.UploadImagery(ctx, jobs.UploadRequest{
		ParcelID:  parcel,
		MissionID: mission,
		Filename:  filepath.Base(abs),
		Data:      data,
		TileSize:  i.cfg.TileSize,
		Overlap:   i.cfg.Overlap,
		TargetCRS: i.cfg.TargetCRS,
	})
	if err != nil {
		if claim != nil {
			if rerr := i.files.Release(context.WithoutCancel(ctx), claim.ID); rerr != nil {
				i.logger.Warn("ingest claim release failed", "path", abs, "error", rerr)
			}
		}
		return out, err
	}
	out.ObjectName = res.ObjectName
	out.JobID = res.Job.ID
	if claim != nil {
		// The job exists either way; an unrecorded claim only means a retry after ClaimTTL.
		if err := i.files.Complete(context.WithoutCancel(ctx), claim.ID, res.ObjectName, res.Job.ID); err != nil {
			i.logger.Error("ingest claim completion failed", "path", abs, "job_id", res.Job.ID, "error", err)
		}
	}
	i.logger.Info("ingest.file.ok", "path", abs, "object", res.ObjectName, "job_id", res.Job.ID)
	return out, nil
}

// locate derives parcel and mission from the directories between Root and the file.
func (i *Ingestor) locate(abs string) (parcel, mission string, err error) {
	rel, err := filepath.Rel(i.cfg.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", common.InvalidInput("%s is outside %s", abs, i.cfg.Root)
	}
	dirs := strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/")
	if dirs[0] == "." {
		dirs = nil
	}
	parcel, mission = i.cfg.DefaultParcel, i.cfg.DefaultMission
	switch {
	case len(dirs) >= 2:
		parcel, mission = dirs[len(dirs)-2], dirs[len(dirs)-1]
	case len(dirs) == 1:
		mission = dirs[0]
	}
	if parcel == "" || mission == "" {
		return "", "", common.InvalidInput("cannot derive parcel and mission for %s", rel)
	}
	return parcel, mission, nil
}

// AllowedExt reports whether ext names a raster format the tiler reads.
func AllowedExt(ext string) bool {
	_, ok := constants.AllowedRasterExtensions[constants.NormalizeExt(ext)]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
