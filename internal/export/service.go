package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
)

const (
	jobSheet      = "Job"
	tilesSheet    = "Tiles"
	readingsSheet = "Readings"

	maxCellText = 2000
)

// Service is a tiny façade over repositories that produces XLSX bytes for job exports.
type Service struct {
	jobs     repository.JobRepository
	tiles    repository.TileRepository
	readings repository.ReadingRepository
	logger   *slog.Logger
}

func NewService(jobs repository.JobRepository, tiles repository.TileRepository, readings repository.ReadingRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, tiles: tiles, readings: readings, logger: logger}
}

// JobXLSX returns a workbook with a "Job" summary sheet followed by the tiles or the
// normalized readings the job produced.
func (s *Service) JobXLSX(ctx context.Context, jobID string) ([]byte, error) {
	start := time.Now()

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", jobSheet); err != nil {
		return nil, err
	}
	writeSummary(f, job)

	rows := 0
	switch job.JobType {
	case constants.JobTypeTileUAVImage:
		recs, err := s.tiles.ListByJob(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("query tiles: %w", err)
		}
		if err := writeTiles(f, recs); err != nil {
			return nil, err
		}
		rows = len(recs)
	case constants.JobTypeSensorCleaning:
		recs, err := s.readings.ListByJob(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("query readings: %w", err)
		}
		if err := writeReadings(f, recs); err != nil {
			return nil, err
		}
		rows = len(recs)
	}

	if index, _ := f.GetSheetIndex(jobSheet); index != -1 {
		f.SetActiveSheet(index)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"job_id", job.ID,
		"job_type", job.JobType,
		"rows", rows,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, job *entity.Job) {
	pairs := [][2]any{
		{"Job ID", job.ID},
		{"Job Type", string(job.JobType)},
		{"Status", string(job.Status)},
		{"Created At", job.CreatedAt.UTC().Format(time.RFC3339)},
		{"Updated At", job.UpdatedAt.UTC().Format(time.RFC3339)},
		{"Payload", truncate(string(job.Payload), maxCellText)},
	}
	if len(job.Result) > 0 {
		pairs = append(pairs, [2]any{"Result", truncate(string(job.Result), maxCellText)})
	}
	if job.Error != nil {
		pairs = append(pairs,
			[2]any{"Error", truncate(job.Error.Message, maxCellText)},
			[2]any{"Error Type", job.Error.Type},
		)
	}
	for i, p := range pairs {
		_ = f.SetCellValue(jobSheet, fmt.Sprintf("A%d", i+1), p[0])
		_ = f.SetCellValue(jobSheet, fmt.Sprintf("B%d", i+1), p[1])
	}
	_ = f.SetColWidth(jobSheet, "A", "A", 14)
	_ = f.SetColWidth(jobSheet, "B", "B", 80)
}

func writeTiles(f *excelize.File, recs []*entity.TileRecord) error {
	headers := []string{"Tile ID", "Tile Path", "Col Offset", "Row Offset", "Width", "Height", "CRS", "Resolution", "Generated At"}
	write, err := newSheet(f, tilesSheet, headers)
	if err != nil {
		return err
	}
	for i, r := range recs {
		row := i + 2
		write(row, 1, r.ID.String())
		write(row, 2, r.TilePath)
		write(row, 3, r.Bounds.ColOff)
		write(row, 4, r.Bounds.RowOff)
		write(row, 5, r.Bounds.Width)
		write(row, 6, r.Bounds.Height)
		write(row, 7, deref(r.CRS))
		if r.Resolution != nil {
			write(row, 8, *r.Resolution)
		}
		write(row, 9, r.GeneratedAt.UTC().Format(time.RFC3339))
	}
	_ = f.SetColWidth(tilesSheet, "A", "A", 38)
	_ = f.SetColWidth(tilesSheet, "B", "B", 48)
	_ = f.SetColWidth(tilesSheet, "I", "I", 22)
	return nil
}

func writeReadings(f *excelize.File, recs []*entity.NormalizedReading) error {
	headers := []string{"Sensor ID", "Metric", "Observed At", "Value", "Parcel ID", "Quality Flag", "Metadata"}
	write, err := newSheet(f, readingsSheet, headers)
	if err != nil {
		return err
	}
	for i, r := range recs {
		row := i + 2
		write(row, 1, r.SensorID)
		write(row, 2, r.MetricType)
		write(row, 3, r.Timestamp.UTC().Format(time.RFC3339Nano))
		write(row, 4, r.Value)
		write(row, 5, deref(r.ParcelID))
		write(row, 6, deref(r.QualityFlag))
		if len(r.Extra) > 0 {
			b, _ := json.Marshal(r.Extra)
			write(row, 7, truncate(string(b), maxCellText))
		}
	}
	_ = f.SetColWidth(readingsSheet, "C", "C", 30)
	_ = f.SetColWidth(readingsSheet, "G", "G", 48)
	return nil
}

func newSheet(f *excelize.File, sheet string, headers []string) (func(row, col int, v any), error) {
	if _, err := f.NewSheet(sheet); err != nil {
		return nil, err
	}
	write := func(row, col int, v any) {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
	for i, h := range headers {
		write(1, i+1, h)
	}
	return write, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
