package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
	"github.com/joseph-ayodele/agro-preprocess/internal/testutil"
)

// runStoreSuite exercises every repository against db. Each subtest creates its own jobs,
// so the suite also runs on a shared database.
func runStoreSuite(t *testing.T, db *repository.DB) {
	log := testutil.Logger()
	jobs := repository.NewJobRepository(db, log)
	tiles := repository.NewTileRepository(db, log)
	readings := repository.NewReadingRepository(db, log)
	files := repository.NewFileRepository(db, log)

	t.Run("job lifecycle", func(t *testing.T) { testJobLifecycle(t, jobs) })
	t.Run("job failure", func(t *testing.T) { testJobFailure(t, jobs) })
	t.Run("illegal transitions", func(t *testing.T) { testIllegalTransitions(t, jobs) })
	t.Run("concurrent claims", func(t *testing.T) { testConcurrentClaims(t, jobs) })
	t.Run("concurrent creates", func(t *testing.T) { testConcurrentCreates(t, jobs) })
	t.Run("tiles", func(t *testing.T) { testTiles(t, jobs, tiles) })
	t.Run("readings", func(t *testing.T) { testReadings(t, jobs, readings) })
	t.Run("file claims", func(t *testing.T) { testFileClaims(t, files) })
	t.Run("concurrent file claims", func(t *testing.T) { testConcurrentFileClaims(t, files) })
}

func testJobLifecycle(t *testing.T, jobs repository.JobRepository) {
	ctx := context.Background()
	payload := json.RawMessage(`{"readings":[],"parcel_id":"p1"}`)

	job, err := jobs.Create(ctx, constants.JobTypeSensorCleaning, payload)
	require.NoError(t, err)
	assert.Regexp(t, `^job_[0-9a-f]{32}$`, job.ID)
	assert.Equal(t, constants.JobStatusPending, job.Status)
	assert.True(t, job.CreatedAt.Equal(job.UpdatedAt))

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPending, got.Status)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Millisecond)

	processing, err := jobs.Transition(ctx, job.ID, constants.JobStatusProcessing, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusProcessing, processing.Status)
	assert.False(t, processing.UpdatedAt.Before(processing.CreatedAt))

	done, err := jobs.Transition(ctx, job.ID, constants.JobStatusCompleted, map[string]any{"normalized_count": 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, done.Status)
	assert.Nil(t, done.Error)
	var result map[string]int
	require.NoError(t, done.DecodeResult(&result))
	assert.Empty(t, cmp.Diff(map[string]int{"normalized_count": 3}, result))
}

func testJobFailure(t *testing.T, jobs repository.JobRepository) {
	ctx := context.Background()
	job, err := jobs.Create(ctx, constants.JobTypeTileUAVImage, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(job.Payload))

	_, err = jobs.Transition(ctx, job.ID, constants.JobStatusProcessing, nil, nil)
	require.NoError(t, err)
	failed, err := jobs.Transition(ctx, job.ID, constants.JobStatusFailed, nil, &entity.JobError{Message: "disk full", Type: "UploadError"})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, failed.Status)
	assert.Nil(t, failed.Result)
	assert.Equal(t, &entity.JobError{Message: "disk full", Type: "UploadError"}, failed.Error)

	// a completed job without a result stores an empty document
	other, err := jobs.Create(ctx, constants.JobTypeTileUAVImage, nil)
	require.NoError(t, err)
	_, err = jobs.Transition(ctx, other.ID, constants.JobStatusProcessing, nil, nil)
	require.NoError(t, err)
	done, err := jobs.Transition(ctx, other.ID, constants.JobStatusCompleted, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(done.Result))
}

func testIllegalTransitions(t *testing.T, jobs repository.JobRepository) {
	ctx := context.Background()
	pending, err := jobs.Create(ctx, constants.JobTypeSensorCleaning, nil)
	require.NoError(t, err)

	_, err = jobs.Transition(ctx, pending.ID, constants.JobStatusCompleted, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	_, err = jobs.Transition(ctx, pending.ID, constants.JobStatusFailed, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	_, err = jobs.Transition(ctx, pending.ID, constants.JobStatusPending, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)

	_, err = jobs.Transition(ctx, pending.ID, constants.JobStatusProcessing, nil, nil)
	require.NoError(t, err)
	_, err = jobs.Transition(ctx, pending.ID, constants.JobStatusProcessing, nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	_, err = jobs.Transition(ctx, pending.ID, constants.JobStatusCompleted, nil, nil)
	require.NoError(t, err)

	for _, to := range []constants.JobStatus{constants.JobStatusProcessing, constants.JobStatusFailed, constants.JobStatusCompleted} {
		_, err = jobs.Transition(ctx, pending.ID, to, nil, nil)
		assert.ErrorIs(t, err, common.ErrInvalidTransition, "completed -> %s", to)
	}
	stored, err := jobs.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, stored.Status)

	_, err = jobs.Transition(ctx, "job_unknown", constants.JobStatusProcessing, nil, nil)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = jobs.Get(ctx, "job_unknown")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = jobs.Transition(ctx, pending.ID, constants.JobStatus("archived"), nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func testConcurrentClaims(t *testing.T, jobs repository.JobRepository) {
	ctx := context.Background()
	job, err := jobs.Create(ctx, constants.JobTypeSensorCleaning, nil)
	require.NoError(t, err)

	var won, lost atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := jobs.Transition(ctx, job.ID, constants.JobStatusProcessing, nil, nil)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, common.ErrInvalidTransition):
				lost.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(7), lost.Load())
}

func testConcurrentCreates(t *testing.T, jobs repository.JobRepository) {
	ctx := context.Background()
	const n = 25
	ids := make([]string, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			job, err := jobs.Create(ctx, constants.JobTypeTileUAVImage, nil)
			if err != nil {
				return err
			}
			ids[i] = job.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func testTiles(t *testing.T, jobs repository.JobRepository, tiles repository.TileRepository) {
	ctx := context.Background()
	job, err := jobs.Create(ctx, constants.JobTypeTileUAVImage, nil)
	require.NoError(t, err)

	parcel, mission := "parcel-"+job.ID, "m1"
	crs, res := "EPSG:32631", 0.05
	for i, path := range []string{"b_tile_0001.tif", "a_tile_0000.tif"} {
		rec := &entity.TileRecord{
			JobID:      job.ID,
			ParcelID:   &parcel,
			MissionID:  &mission,
			TilePath:   parcel + "/" + mission + "/" + path,
			Bounds:     entity.PixelBounds{ColOff: i * 448, Width: 512, Height: 512},
			CRS:        &crs,
			Resolution: &res,
			Extra:      map[string]any{"tile_id": i, "target_crs": "EPSG:4326"},
		}
		require.NoError(t, tiles.Insert(ctx, rec))
		assert.NotZero(t, rec.ID)
		assert.False(t, rec.GeneratedAt.IsZero())
	}

	byJob, err := tiles.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, byJob, 2)
	assert.Equal(t, parcel+"/m1/a_tile_0000.tif", byJob[0].TilePath)
	assert.Equal(t, entity.PixelBounds{ColOff: 448, Width: 512, Height: 512}, byJob[0].Bounds)
	assert.Equal(t, "EPSG:32631", *byJob[0].CRS)
	assert.InDelta(t, 0.05, *byJob[0].Resolution, 1e-12)
	assert.Equal(t, "EPSG:4326", byJob[0].Extra["target_crs"])

	byMission, err := tiles.ListByParcelMission(ctx, parcel, mission)
	require.NoError(t, err)
	assert.Len(t, byMission, 2)
	none, err := tiles.ListByParcelMission(ctx, parcel, "other")
	require.NoError(t, err)
	assert.Empty(t, none)

	orphan := &entity.TileRecord{JobID: "job_missing", TilePath: "x.tif"}
	assert.Error(t, tiles.Insert(ctx, orphan))
}

func testReadings(t *testing.T, jobs repository.JobRepository, readings repository.ReadingRepository) {
	ctx := context.Background()
	job, err := jobs.Create(ctx, constants.JobTypeSensorCleaning, nil)
	require.NoError(t, err)

	parcel := "parcel-" + job.ID
	flag := "ok"
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var batch []*entity.NormalizedReading
	for i := 0; i < 620; i++ {
		batch = append(batch, &entity.NormalizedReading{
			JobID:       job.ID,
			ParcelID:    &parcel,
			SensorID:    "s1",
			MetricType:  "temperature",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Value:       float64(i) / 10,
			QualityFlag: &flag,
			Extra:       map[string]any{"source": "lorawan"},
		})
	}
	require.NoError(t, readings.InsertBatch(ctx, batch))
	require.NoError(t, readings.InsertBatch(ctx, nil))

	stored, err := readings.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, stored, 620)
	assert.True(t, base.Equal(stored[0].Timestamp))
	assert.Equal(t, "ok", *stored[0].QualityFlag)
	assert.Equal(t, "lorawan", stored[0].Extra["source"])

	latest, err := readings.LatestByParcel(ctx, parcel, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.InDelta(t, 61.9, latest[0].Value, 1e-9)
	assert.True(t, latest[0].Timestamp.After(latest[1].Timestamp))

	capped, err := readings.LatestByParcel(ctx, parcel, 0)
	require.NoError(t, err)
	assert.Len(t, capped, 200)

	// a failing row rolls back the whole batch
	bad := []*entity.NormalizedReading{
		{JobID: job.ID, SensorID: "s2", MetricType: "humidite", Timestamp: base, Value: 1},
		{JobID: "job_missing", SensorID: "s2", MetricType: "humidite", Timestamp: base, Value: 2},
	}
	assert.Error(t, readings.InsertBatch(ctx, bad))
	after, err := readings.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, after, 620)
}

func testFileClaims(t *testing.T, files repository.FileRepository) {
	ctx := context.Background()
	parcel, err := repository.NewJobID()
	require.NoError(t, err)
	hash := strings.Repeat("ab", 32)
	newFile := func(path string) *entity.ImageryFile {
		return &entity.ImageryFile{ParcelID: parcel, MissionID: "m1", ContentHash: hash, SourcePath: path, SizeBytes: 42}
	}

	first, claimed, err := files.Claim(ctx, newFile("/drop/a.tif"), time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)
	assert.NotZero(t, first.ID)

	// in flight: a second copy waits for the first
	dup, claimed, err := files.Claim(ctx, newFile("/drop/copy.tif"), time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, first.ID, dup.ID)
	assert.Empty(t, dup.JobID)

	require.NoError(t, files.Complete(ctx, first.ID, parcel+"/m1/raw/a.tif", "job_a"))
	dup, claimed, err = files.Claim(ctx, newFile("/drop/copy.tif"), time.Nanosecond)
	require.NoError(t, err)
	assert.False(t, claimed, "completed claims never go stale")
	assert.Equal(t, "job_a", dup.JobID)
	assert.Equal(t, "/drop/a.tif", dup.SourcePath)
	assert.Equal(t, int64(42), dup.SizeBytes)

	// completed rows survive Release
	require.NoError(t, files.Release(ctx, first.ID))
	got, err := files.GetByHash(ctx, parcel, "m1", hash)
	require.NoError(t, err)
	assert.Equal(t, parcel+"/m1/raw/a.tif", got.ObjectName)

	// same content in another mission is a different file
	_, claimed, err = files.Claim(ctx, &entity.ImageryFile{ParcelID: parcel, MissionID: "m2", ContentHash: hash, SourcePath: "/drop/b.tif"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	// a released claim can be taken again
	other := strings.Repeat("cd", 32)
	f, claimed, err := files.Claim(ctx, &entity.ImageryFile{ParcelID: parcel, MissionID: "m1", ContentHash: other, SourcePath: "/drop/c.tif"}, time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, files.Release(ctx, f.ID))
	_, claimed, err = files.Claim(ctx, &entity.ImageryFile{ParcelID: parcel, MissionID: "m1", ContentHash: other, SourcePath: "/drop/c.tif"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	// an abandoned claim is taken over once stale
	time.Sleep(5 * time.Millisecond)
	f, claimed, err = files.Claim(ctx, &entity.ImageryFile{ParcelID: parcel, MissionID: "m1", ContentHash: other, SourcePath: "/drop/c2.tif"}, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, claimed)
	got, err = files.GetByHash(ctx, parcel, "m1", other)
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, "/drop/c2.tif", got.SourcePath)

	_, err = files.GetByHash(ctx, parcel, "m9", hash)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, files.Complete(ctx, uuid.New(), "x", "job_x"), common.ErrNotFound)
}

func testConcurrentFileClaims(t *testing.T, files repository.FileRepository) {
	ctx := context.Background()
	parcel, err := repository.NewJobID()
	require.NoError(t, err)

	var won atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			f := &entity.ImageryFile{ParcelID: parcel, MissionID: "m1", ContentHash: strings.Repeat("ef", 32), SourcePath: "/drop/x.tif"}
			_, claimed, err := files.Claim(gctx, f, time.Hour)
			if claimed {
				won.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), won.Load())
}
