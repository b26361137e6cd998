package ingest

import (
	"context"
	"io/fs"
	"path/filepath"
)

// IngestDirectory walks Root and ingests every matching file. A failing file is recorded
// and the walk continues; only a cancelled context stops it early.
func (i *Ingestor) IngestDirectory(ctx context.Context) ([]Result, DirStats, error) {
	var (
		results []Result
		stats   DirStats
	)
	err := filepath.WalkDir(i.cfg.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			stats.Failed++
			results = append(results, Result{Path: path, Err: walkErr.Error()})
			return nil
		}
		if i.cfg.SkipHidden && path != i.cfg.Root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		stats.Scanned++
		if !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		res, err := i.IngestPath(ctx, path)
		if err != nil {
			stats.Failed++
			res.Err = err.Error()
			i.logger.Warn("ingest.file.failed", "path", path, "error", err)
		} else if res.Duplicate {
			stats.Deduplicated++
		} else {
			stats.Succeeded++
		}
		results = append(results, res)
		return nil
	})
	i.logger.Info("ingest.dir.done", "root", i.cfg.Root, "scanned", stats.Scanned,
		"matched", stats.Matched, "succeeded", stats.Succeeded, "deduplicated", stats.Deduplicated, "failed", stats.Failed)
	return results, stats, err
}
