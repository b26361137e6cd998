package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/core"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/ingest"
	"github.com/joseph-ayodele/agro-preprocess/internal/objectstore"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
	svc "github.com/joseph-ayodele/agro-preprocess/internal/server"
	jobsvc "github.com/joseph-ayodele/agro-preprocess/internal/services/jobs"
	"github.com/joseph-ayodele/agro-preprocess/internal/utils"
)

const pollInterval = 100 * time.Millisecond

// batchEnv is the pipeline a command runs against.
type batchEnv struct {
	cfg    *common.Config
	logger *slog.Logger
	db     *repository.DB
	mem    *objectstore.Memory // set in in-memory mode
	proc   *core.Processor
}

func openEnv(ctx context.Context, cmd *cli.Command) (*batchEnv, error) {
	cfg, err := common.LoadConfig(cmd.String("env"))
	if err != nil {
		return nil, err
	}
	if c := cmd.String("compression"); c != "" {
		cfg.Tiling.Compression = c
	}
	logger := common.NewLogger(cfg.Log)
	env := &batchEnv{cfg: cfg, logger: logger}

	var store objectstore.Gateway
	if cmd.Bool("inmem") {
		env.db, err = repository.OpenSQLite(ctx, "file:batch?mode=memory&cache=shared", logger)
		if err == nil {
			err = env.db.Migrate(ctx)
		}
		env.mem = objectstore.NewMemory(cfg.ObjectStore.RawBucket, cfg.ObjectStore.TilesBucket)
		store = env.mem
	} else {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		env.db, err = svc.ConnectDB(ctx, cfg.Database, logger)
		if err == nil {
			var gw *objectstore.MinioGateway
			gw, err = objectstore.NewMinioGateway(objectstore.MinioConfig{
				Endpoint:  cfg.ObjectStore.Endpoint,
				AccessKey: cfg.ObjectStore.AccessKey,
				SecretKey: cfg.ObjectStore.SecretKey,
				Secure:    cfg.ObjectStore.Secure,
			}, logger)
			if err == nil {
				store = gw
				err = objectstore.EnsureBuckets(ctx, gw, logger, cfg.ObjectStore.RawBucket, cfg.ObjectStore.TilesBucket)
			}
		}
	}
	if err != nil {
		env.close()
		return nil, err
	}

	env.proc, err = core.NewProcessor(env.db, store, cfg, logger)
	if err != nil {
		env.close()
		return nil, err
	}
	return env, nil
}

func (e *batchEnv) close() {
	if e.proc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.proc.Shutdown(ctx)
	}
	e.db.Close()
}

// wait polls the job store until the job reaches completed or failed.
func (e *batchEnv) wait(ctx context.Context, id string) (*entity.Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := e.proc.Jobs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *batchEnv) report(ctx context.Context, job *entity.Job, path string) error {
	if path == "" {
		return nil
	}
	xlsx, err := e.proc.Export.JobXLSX(ctx, job.ID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, xlsx, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Printf("- Report: %s\n", path)
	return nil
}

func printJob(job *entity.Job) {
	fmt.Printf("Job %s (%s): %s\n", job.ID, job.JobType, job.Status)
	if job.Error != nil {
		fmt.Printf("- Error [%s]: %s\n", job.Error.Type, job.Error.Message)
	}
}

func tileAction(ctx context.Context, cmd *cli.Command) error {
	in := cmd.String("in")
	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}

	env, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.close()

	up, err := env.proc.Service.UploadImagery(ctx, jobsvc.UploadRequest{
		ParcelID:  cmd.String("parcel"),
		MissionID: cmd.String("mission"),
		Filename:  filepath.Base(in),
		Data:      data,
		TileSize:  intFlag(cmd, "tile-size"),
		Overlap:   intFlag(cmd, "overlap"),
	})
	if err != nil {
		return err
	}
	job, err := env.wait(ctx, up.Job.ID)
	if err != nil {
		return err
	}
	printJob(job)

	if job.Status == constants.JobStatusCompleted && env.mem != nil {
		n, err := writeTiles(env, cmd.String("out-dir"))
		if err != nil {
			return err
		}
		fmt.Printf("- Tiles written: %d to %s\n", n, cmd.String("out-dir"))
	}
	if err := env.report(ctx, job, cmd.String("xlsx")); err != nil {
		return err
	}
	if job.Status == constants.JobStatusFailed {
		return fmt.Errorf("tiling failed")
	}
	return nil
}

func writeTiles(env *batchEnv, dir string) (int, error) {
	bucket := env.cfg.ObjectStore.TilesBucket
	keys := env.mem.Keys(bucket, "")
	for _, key := range keys {
		obj, _ := env.mem.Object(bucket, key)
		dst := filepath.Join(dir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return 0, err
		}
		if err := os.WriteFile(dst, obj.Data, 0o644); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func cleanAction(ctx context.Context, cmd *cli.Command) error {
	in := cmd.String("in")
	raw, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}
	payload, err := cleaningPayload(raw, cmd.String("parcel"), cmd.String("strategy"))
	if err != nil {
		return err
	}

	env, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.close()

	submitted, err := env.proc.Service.Submit(ctx, string(constants.JobTypeSensorCleaning), payload)
	if err != nil {
		return err
	}
	job, err := env.wait(ctx, submitted.ID)
	if err != nil {
		return err
	}
	printJob(job)
	if len(job.Result) > 0 {
		fmt.Printf("- Result: %s\n", job.Result)
	}
	if err := env.report(ctx, job, cmd.String("xlsx")); err != nil {
		return err
	}
	if job.Status == constants.JobStatusFailed {
		return fmt.Errorf("sensor cleaning failed")
	}
	return nil
}

// cleaningPayload accepts either a bare readings array or a full payload object; flags
// override the batch parcel and strategy.
func cleaningPayload(raw []byte, parcel, strategy string) (json.RawMessage, error) {
	var doc map[string]any
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var readings []any
		if err := json.Unmarshal(raw, &readings); err != nil {
			return nil, fmt.Errorf("parse readings: %w", err)
		}
		doc = map[string]any{"readings": readings}
	} else if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if parcel != "" {
		doc["parcel_id"] = parcel
	}
	if strategy != "" {
		doc["strategy"] = strategy
	}
	return json.Marshal(doc)
}

// intFlag returns the flag value when it was given on the command line, so an explicit
// zero is passed through instead of selecting the configured default.
func intFlag(cmd *cli.Command, name string) *int {
	if !cmd.IsSet(name) {
		return nil
	}
	return utils.Ptr(int(cmd.Int(name)))
}

func ingestAction(ctx context.Context, cmd *cli.Command) error {
	env, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.close()

	ing, err := ingest.New(env.proc.Service, env.proc.Files, ingest.Config{
		Root:           cmd.String("dir"),
		SkipHidden:     cmd.Bool("skip-hidden"),
		DefaultParcel:  cmd.String("parcel"),
		DefaultMission: cmd.String("mission"),
		TileSize:       intFlag(cmd, "tile-size"),
		Overlap:        intFlag(cmd, "overlap"),
	}, env.logger)
	if err != nil {
		return err
	}
	if cmd.Bool("watch") {
		fmt.Printf("Watching %s (Ctrl-C to stop)\n", cmd.String("dir"))
		return ing.Watch(ctx, ingest.WatchConfig{InitialScan: true, Debounce: cmd.Duration("debounce")})
	}

	results, stats, err := ing.IngestDirectory(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Scanned %d, matched %d, submitted %d, already ingested %d, failed %d\n",
		stats.Scanned, stats.Matched, stats.Succeeded, stats.Deduplicated, stats.Failed)
	failed := stats.Failed
	for _, r := range results {
		if r.Err != "" {
			fmt.Printf("- %s: %s\n", r.Path, r.Err)
			continue
		}
		if r.Duplicate {
			fmt.Printf("- %s: already ingested (job %s)\n", r.Path, r.JobID)
			continue
		}
		job, err := env.wait(ctx, r.JobID)
		if err != nil {
			return err
		}
		fmt.Printf("- %s -> ", r.Path)
		printJob(job)
		if job.Status == constants.JobStatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) failed", failed)
	}
	return nil
}

func exportAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := common.LoadConfig(cmd.String("env"))
	if err != nil {
		return err
	}
	logger := common.NewLogger(cfg.Log)
	db, err := svc.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	proc, err := core.NewProcessor(db, objectstore.NewMemory(), cfg, logger)
	if err != nil {
		return err
	}
	defer proc.Shutdown(context.Background())

	xlsx, err := proc.Export.JobXLSX(ctx, cmd.String("job-id"))
	if err != nil {
		return err
	}
	out := cmd.String("out")
	if err := os.WriteFile(out, xlsx, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("Exported %s to %s\n", cmd.String("job-id"), out)
	return nil
}
