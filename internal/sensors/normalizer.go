package sensors

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
)

const maxDroppedSample = 10

// MetricSummary aggregates the normalized values of one metric type.
type MetricSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Result is the document stored on a completed sensor cleaning job.
type Result struct {
	NormalizedCount int                      `json:"normalized_count"`
	DroppedCount    int                      `json:"dropped_count"`
	ParcelID        *string                  `json:"parcel_id"`
	Metrics         map[string]MetricSummary `json:"metrics"`
	Dropped         []RowError               `json:"dropped_sample,omitempty"`
}

// Normalizer runs sensor cleaning jobs.
type Normalizer struct {
	readings repository.ReadingRepository
	log      *slog.Logger
}

func NewNormalizer(readings repository.ReadingRepository, log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{readings: readings, log: log}
}

// Handle runs a sensor cleaning job; it matches the scheduler handler signature.
func (n *Normalizer) Handle(ctx context.Context, jobID string, payload entity.Payload) (any, error) {
	p, ok := payload.(entity.SensorCleaningPayload)
	if !ok {
		return nil, common.InvalidInput("sensor cleaning handler got %s payload", payload.JobType())
	}
	return n.Run(ctx, jobID, p)
}

// Run normalizes every entry independently. Malformed entries are counted and skipped;
// only a batch-level fault, such as the store failing, returns an error.
func (n *Normalizer) Run(ctx context.Context, jobID string, p entity.SensorCleaningPayload) (*Result, error) {
	strategy := p.Strategy
	if strategy == "" {
		strategy = constants.StrategyDefault
	}
	if strategy != constants.StrategyDefault && strategy != constants.StrategyBounded {
		return nil, common.ConfigurationError("unknown cleaning strategy %q", p.Strategy)
	}
	from, err := optionalTime(p.FromTimestamp, "fromTimestamp")
	if err != nil {
		return nil, err
	}
	to, err := optionalTime(p.ToTimestamp, "toTimestamp")
	if err != nil {
		return nil, err
	}

	res := &Result{ParcelID: optional(p.ParcelID), Metrics: map[string]MetricSummary{}}
	valid := make([]*entity.NormalizedReading, 0, len(p.Readings))
	drop := func(e *RowError) {
		res.DroppedCount++
		if len(res.Dropped) < maxDroppedSample {
			res.Dropped = append(res.Dropped, *e)
		}
	}

	for i, entry := range p.Readings {
		rd, rowErr := Normalize(jobID, i, entry, p.ParcelID)
		if rowErr != nil {
			drop(rowErr)
			continue
		}
		if (from != nil && rd.Timestamp.Before(*from)) || (to != nil && rd.Timestamp.After(*to)) {
			drop(&RowError{Index: i, Field: "timestamp", Reason: "outside requested window"})
			continue
		}
		if strategy == constants.StrategyBounded {
			if b, ok := constants.ValueBounds[rd.MetricType]; ok && (rd.Value < b[0] || rd.Value > b[1]) {
				drop(&RowError{Index: i, Field: "value", Reason: "outside accepted range"})
				continue
			}
		}
		valid = append(valid, rd)
	}

	if err := n.readings.InsertBatch(ctx, valid); err != nil {
		return nil, err
	}
	res.NormalizedCount = len(valid)
	res.Metrics = summarize(valid)

	n.log.Info("sensors.cleaned",
		"job_id", jobID, "normalized", res.NormalizedCount, "dropped", res.DroppedCount, "strategy", strategy)
	return res, nil
}

func optionalTime(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return nil, common.ConfigurationError("%s: %v", field, err)
	}
	return &t, nil
}

func summarize(readings []*entity.NormalizedReading) map[string]MetricSummary {
	out := map[string]MetricSummary{}
	for _, rd := range readings {
		s, ok := out[rd.MetricType]
		if !ok {
			s = MetricSummary{Min: math.Inf(1), Max: math.Inf(-1)}
		}
		s.Count++
		s.Min = math.Min(s.Min, rd.Value)
		s.Max = math.Max(s.Max, rd.Value)
		s.Mean += (rd.Value - s.Mean) / float64(s.Count)
		out[rd.MetricType] = s
	}
	return out
}
