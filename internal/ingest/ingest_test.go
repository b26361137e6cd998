package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
	"github.com/joseph-ayodele/agro-preprocess/internal/services/jobs"
	"github.com/joseph-ayodele/agro-preprocess/internal/testutil"
	"github.com/joseph-ayodele/agro-preprocess/internal/utils"
)

type fakeUploader struct {
	mu    sync.Mutex
	reqs  []jobs.UploadRequest
	fails map[string]error
}

func (f *fakeUploader) UploadImagery(_ context.Context, req jobs.UploadRequest) (*jobs.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fails[req.Filename]; err != nil {
		return nil, err
	}
	f.reqs = append(f.reqs, req)
	return &jobs.UploadResult{
		Bucket:     "uav-raw",
		ObjectName: req.ParcelID + "/" + req.MissionID + "/raw/" + req.Filename,
		Job:        &entity.Job{ID: "job_" + req.Filename},
	}, nil
}

func (f *fakeUploader) requests() []jobs.UploadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]jobs.UploadRequest(nil), f.reqs...)
}

// writeFile writes a small TIFF-looking file whose content is unique to rel.
func writeFile(t *testing.T, root string, rel string) string {
	t.Helper()
	return writeContent(t, root, rel, []byte("II*\x00"+rel))
}

func writeContent(t *testing.T, root, rel string, data []byte) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestIngestPathLocatesParcelAndMission(t *testing.T) {
	root := t.TempDir()
	up := &fakeUploader{}
	ing, err := New(up, nil, Config{Root: root, DefaultParcel: "p0", DefaultMission: "m0", TileSize: utils.Ptr(256)}, testutil.Logger())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		rel             string
		parcel, mission string
	}{
		{"p1/m1/a.tif", "p1", "m1"},
		{"farm/p2/m2/b.TIFF", "p2", "m2"},
		{"m3/c.tif", "p0", "m3"},
		{"d.tif", "p0", "m0"},
	}
	for _, tt := range tests {
		res, err := ing.IngestPath(ctx, writeFile(t, root, tt.rel))
		require.NoError(t, err, tt.rel)
		assert.Equal(t, tt.parcel, res.ParcelID, tt.rel)
		assert.Equal(t, tt.mission, res.MissionID, tt.rel)
		assert.Equal(t, "job_"+filepath.Base(tt.rel), res.JobID)
	}
	reqs := up.requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, utils.Ptr(256), reqs[0].TileSize)
	assert.Nil(t, reqs[0].Overlap)
	assert.Equal(t, []byte("II*\x00p1/m1/a.tif"), reqs[0].Data)
}

func TestIngestPathRejects(t *testing.T) {
	root := t.TempDir()
	ing, err := New(&fakeUploader{}, nil, Config{Root: root}, testutil.Logger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ing.IngestPath(ctx, writeFile(t, root, "p1/m1/notes.txt"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = ing.IngestPath(ctx, writeFile(t, root, "m1/a.tif"))
	assert.ErrorIs(t, err, common.ErrInvalidInput, "no default parcel")

	outside := writeFile(t, t.TempDir(), "p1/m1/a.tif")
	_, err = ing.IngestPath(ctx, outside)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = New(&fakeUploader{}, nil, Config{Root: "  "}, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestIngestDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "p1/m1/a.tif")
	writeFile(t, root, "p1/m1/b.tiff")
	writeFile(t, root, "p1/m1/readme.md")
	writeFile(t, root, "p1/.cache/m9/x.tif")
	writeFile(t, root, "p2/m1/broken.tif")

	up := &fakeUploader{fails: map[string]error{"broken.tif": errors.New("bucket offline")}}
	ing, err := New(up, nil, Config{Root: root, SkipHidden: true}, testutil.Logger())
	require.NoError(t, err)

	results, stats, err := ing.IngestDirectory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DirStats{Scanned: 4, Matched: 3, Succeeded: 2, Failed: 1}, stats)
	require.Len(t, results, 3)

	var failed []string
	for _, r := range results {
		if r.Err != "" {
			failed = append(failed, filepath.Base(r.Path)+": "+r.Err)
		}
	}
	assert.Equal(t, []string{"broken.tif: bucket offline"}, failed)

	var objects []string
	for _, r := range up.requests() {
		objects = append(objects, r.ParcelID+"/"+r.MissionID+"/"+r.Filename)
	}
	sort.Strings(objects)
	assert.Equal(t, []string{"p1/m1/a.tif", "p1/m1/b.tiff"}, objects)
}

func TestWatchIngestsNewFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "p1/m1/existing.tif")

	up := &fakeUploader{}
	ing, err := New(up, nil, Config{Root: root}, testutil.Logger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Watch(ctx, WatchConfig{InitialScan: true, Debounce: 50 * time.Millisecond}) }()

	require.Eventually(t, func() bool { return len(up.requests()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "p2"), 0o755))
	require.Eventually(t, func() bool {
		// the new directory may be picked up after the first write attempt
		writeFile(t, root, "p2/m2/fresh.tif")
		for _, r := range up.requests() {
			if r.Filename == "fresh.tif" {
				return true
			}
		}
		return false
	}, 5*time.Second, 200*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}

	for _, r := range up.requests() {
		if r.Filename == "fresh.tif" {
			assert.Equal(t, "p2", r.ParcelID)
			assert.Equal(t, "m2", r.MissionID)
		}
	}
}

func TestIngestDirectorySkipsKnownContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "p1/m1/a.tif")
	writeFile(t, root, "p1/m1/b.tif")
	writeContent(t, root, "p1/m1/broken.tif", []byte("II*\x00broken"))
	files := repository.NewFileRepository(testutil.NewSQLite(t), testutil.Logger())

	up := &fakeUploader{fails: map[string]error{"broken.tif": errors.New("bucket offline")}}
	ing, err := New(up, files, Config{Root: root}, testutil.Logger())
	require.NoError(t, err)
	ctx := context.Background()

	_, stats, err := ing.IngestDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, DirStats{Scanned: 3, Matched: 3, Succeeded: 2, Failed: 1}, stats)
	require.Len(t, up.requests(), 2)

	// a restart rescans the folder: known content is not uploaded again, the failed file is retried
	delete(up.fails, "broken.tif")
	results, stats, err := ing.IngestDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, DirStats{Scanned: 3, Matched: 3, Succeeded: 1, Deduplicated: 2}, stats)
	require.Len(t, up.requests(), 3)
	for _, r := range results {
		if r.Duplicate {
			assert.Equal(t, "job_"+filepath.Base(r.Path), r.JobID)
			assert.Len(t, r.HashHex, 64)
		}
	}

	// the same bytes under a new name in the same mission are a duplicate too
	res, err := ing.IngestPath(ctx, writeContent(t, root, "p1/m1/a-copy.tif", []byte("II*\x00p1/m1/a.tif")))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "job_a.tif", res.JobID)
	assert.Equal(t, "p1/m1/raw/a.tif", res.ObjectName)

	// while another mission gets its own upload
	res, err = ing.IngestPath(ctx, writeContent(t, root, "p1/m2/a.tif", []byte("II*\x00p1/m1/a.tif")))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Len(t, up.requests(), 4)
}

func TestWatchWaitsForSlowCopy(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "p1", "m1"), 0o755))
	files := repository.NewFileRepository(testutil.NewSQLite(t), testutil.Logger())

	up := &fakeUploader{}
	ing, err := New(up, files, Config{Root: root}, testutil.Logger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	const debounce = 100 * time.Millisecond
	go func() { done <- ing.Watch(ctx, WatchConfig{Debounce: debounce}) }()
	time.Sleep(debounce)

	// the copy stalls for longer than one quiet period but less than two
	path := filepath.Join(root, "p1", "m1", "slow.tif")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = f.Write([]byte("II*\x00first half"))
	require.NoError(t, err)
	time.Sleep(debounce + debounce/3)
	_, err = f.Write([]byte(" second half"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(up.requests()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("II*\x00first half second half"), up.requests()[0].Data)

	// touching the file without changing it does not tile it again
	now := time.Now()
	require.NoError(t, os.Chtimes(path, now, now))
	require.NoError(t, os.WriteFile(path, []byte("II*\x00first half second half"), 0o644))
	time.Sleep(4 * debounce)
	assert.Len(t, up.requests(), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
