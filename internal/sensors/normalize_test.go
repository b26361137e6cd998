package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
	"github.com/joseph-ayodele/agro-preprocess/internal/testutil"
)

func reading(sensor, metric, value, ts string, md map[string]any) entity.RawReading {
	return entity.RawReading{SensorID: sensor, Type: metric, Value: json.RawMessage(value), Timestamp: ts, Metadata: md}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-05-01T10:00:00Z", want},
		{"2024-05-01T10:00:00+00:00", want},
		{"2024-05-01T12:00:00+02:00", want},
		{"2024-05-01T10:00:00", want},
		{"2024-05-01 10:00:00", want},
		{"2024-05-01T10:00", want},
		{"2024-05-01T10:00:00.250Z", want.Add(250 * time.Millisecond)},
		{"2024-05-01T11:00:00+0100", want},
		{"2024-05-01", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
		assert.Equal(t, time.UTC, got.Location())
	}

	for _, bad := range []string{"", "yesterday", "2024-13-01T00:00:00Z", "01/05/2024"} {
		_, err := ParseTimestamp(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseValue(t *testing.T) {
	for in, want := range map[string]float64{`21.5`: 21.5, `"18.25"`: 18.25, `" 7 "`: 7, `-3`: -3, `1e3`: 1000} {
		got, err := ParseValue(json.RawMessage(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{``, `"abc"`, `"NaN"`, `"Inf"`, `null`, `true`, `{}`} {
		_, err := ParseValue(json.RawMessage(bad))
		assert.Error(t, err, bad)
	}
}

func TestNormalizeParcelResolution(t *testing.T) {
	md := map[string]any{"parcel_id": "meta-parcel", "quality_flag": "ok"}

	rd, rowErr := Normalize("job_1", 0, reading("s1", "temperature", `20`, "2024-05-01T10:00:00Z", md), "batch-parcel")
	require.Nil(t, rowErr)
	assert.Equal(t, "batch-parcel", *rd.ParcelID)
	assert.Equal(t, "ok", *rd.QualityFlag)
	assert.Equal(t, md, rd.Extra)

	rd, rowErr = Normalize("job_1", 0, reading("s1", "temperature", `20`, "2024-05-01T10:00:00Z", md), "")
	require.Nil(t, rowErr)
	assert.Equal(t, "meta-parcel", *rd.ParcelID)

	rd, rowErr = Normalize("job_1", 0, reading(" s1 ", " humidite ", `55`, "2024-05-01T10:00:00Z", nil), "")
	require.Nil(t, rowErr)
	assert.Nil(t, rd.ParcelID)
	assert.Nil(t, rd.QualityFlag)
	assert.Equal(t, "s1", rd.SensorID)
	assert.Equal(t, "humidite", rd.MetricType)
}

func TestNormalizeReportsField(t *testing.T) {
	tests := []struct {
		entry entity.RawReading
		field string
	}{
		{reading("", "temperature", `20`, "2024-05-01T10:00:00Z", nil), "sensor_id"},
		{reading("s1", "  ", `20`, "2024-05-01T10:00:00Z", nil), "type"},
		{reading("s1", "temperature", `20`, "not-a-date", nil), "timestamp"},
		{reading("s1", "temperature", `"warm"`, "2024-05-01T10:00:00Z", nil), "value"},
	}
	for i, tt := range tests {
		rd, rowErr := Normalize("job_1", i, tt.entry, "")
		assert.Nil(t, rd)
		require.NotNil(t, rowErr)
		assert.Equal(t, tt.field, rowErr.Field)
		assert.Equal(t, i, rowErr.Index)
	}
}

func newNormalizer(t *testing.T) (*Normalizer, repository.JobRepository, repository.ReadingRepository) {
	db := testutil.NewSQLite(t)
	jobs := repository.NewJobRepository(db, testutil.Logger())
	readings := repository.NewReadingRepository(db, testutil.Logger())
	return NewNormalizer(readings, testutil.Logger()), jobs, readings
}

func newJob(t *testing.T, jobs repository.JobRepository) string {
	job, err := jobs.Create(context.Background(), constants.JobTypeSensorCleaning, json.RawMessage(`{}`))
	require.NoError(t, err)
	return job.ID
}

func TestRunCountsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	n, jobs, readings := newNormalizer(t)
	jobID := newJob(t, jobs)

	payload := entity.SensorCleaningPayload{
		ParcelID: "parcel-7",
		Readings: []entity.RawReading{
			reading("s1", "temperature", `21.5`, "2024-05-01T10:00:00Z", nil),
			reading("s1", "temperature", `22`, "bad timestamp", nil),
			reading("s2", "humidite", `"64.2"`, "2024-05-01T10:05:00Z", nil),
			reading("s2", "humidite", `"sixty"`, "2024-05-01T10:10:00Z", nil),
			reading("s3", "luminosite", `1200`, "2024-05-01 10:15:00", nil),
			reading("", "luminosite", `1300`, "2024-05-01T10:20:00Z", nil),
			reading("s3", "luminosite", `1250`, "2024-05-01T10:25:00+00:00", nil),
		},
	}

	res, err := n.Run(ctx, jobID, payload)
	require.NoError(t, err)
	assert.Equal(t, 4, res.NormalizedCount)
	assert.Equal(t, 3, res.DroppedCount)
	assert.Equal(t, len(payload.Readings), res.NormalizedCount+res.DroppedCount)
	assert.Equal(t, "parcel-7", *res.ParcelID)
	assert.Equal(t, 1, res.Metrics["temperature"].Count)
	assert.Equal(t, 2, res.Metrics["luminosite"].Count)
	assert.InDelta(t, 1225.0, res.Metrics["luminosite"].Mean, 1e-9)
	assert.Len(t, res.Dropped, 3)

	stored, err := readings.ListByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	assert.Equal(t, "s1", stored[0].SensorID)
	assert.Equal(t, 21.5, stored[0].Value)
	assert.True(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Equal(stored[0].Timestamp))
	assert.Equal(t, "parcel-7", *stored[0].ParcelID)
}

func TestRunAllValid(t *testing.T) {
	n, jobs, _ := newNormalizer(t)
	jobID := newJob(t, jobs)

	var entries []entity.RawReading
	for i := 0; i < 5; i++ {
		ts := time.Date(2024, 5, 1, 10, i, 0, 0, time.UTC).Format(time.RFC3339)
		entries = append(entries, reading("s1", "temperature", `18`, ts, map[string]any{"parcel_id": "p9"}))
	}

	res, err := n.Run(context.Background(), jobID, entity.SensorCleaningPayload{Readings: entries})
	require.NoError(t, err)
	assert.Equal(t, 5, res.NormalizedCount)
	assert.Equal(t, 0, res.DroppedCount)
	assert.Nil(t, res.ParcelID)
	assert.Empty(t, res.Dropped)
}

func TestRunBoundedStrategyAndWindow(t *testing.T) {
	ctx := context.Background()
	n, jobs, readings := newNormalizer(t)
	jobID := newJob(t, jobs)

	payload := entity.SensorCleaningPayload{
		ParcelID:      "p1",
		Strategy:      constants.StrategyBounded,
		FromTimestamp: "2024-05-01T00:00:00Z",
		ToTimestamp:   "2024-05-02T00:00:00Z",
		Readings: []entity.RawReading{
			reading("s1", "temperature", `25`, "2024-05-01T10:00:00Z", nil),
			reading("s1", "temperature", `120`, "2024-05-01T11:00:00Z", nil),
			reading("s2", "humidite", `101`, "2024-05-01T11:00:00Z", nil),
			reading("s3", "ph", `9000`, "2024-05-01T11:00:00Z", nil),
			reading("s1", "temperature", `20`, "2024-04-30T23:59:59Z", nil),
			reading("s1", "temperature", `20`, "2024-05-02T00:00:01Z", nil),
		},
	}

	res, err := n.Run(ctx, jobID, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NormalizedCount)
	assert.Equal(t, 4, res.DroppedCount)

	latest, err := readings.LatestByParcel(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "ph", latest[0].MetricType)
}

func TestRunRejectsUnknownStrategy(t *testing.T) {
	n, _, _ := newNormalizer(t)
	_, err := n.Run(context.Background(), "job_1", entity.SensorCleaningPayload{Strategy: "aggressive"})
	assert.True(t, errors.Is(err, common.ErrConfiguration))
}

type failingReadings struct{ repository.ReadingRepository }

func (failingReadings) InsertBatch(context.Context, []*entity.NormalizedReading) error {
	return common.ErrDatabase
}

func TestRunFailsOnStoreFault(t *testing.T) {
	n := NewNormalizer(failingReadings{}, testutil.Logger())
	_, err := n.Run(context.Background(), "job_1", entity.SensorCleaningPayload{
		Readings: []entity.RawReading{reading("s1", "temperature", `20`, "2024-05-01T10:00:00Z", nil)},
	})
	assert.ErrorIs(t, err, common.ErrDatabase)
}

func TestMalformedEntriesAreIsolated(t *testing.T) {
	var p entity.SensorCleaningPayload
	require.NoError(t, json.Unmarshal([]byte(`{"readings":[
		{"sensor_id":"s1","type":"temperature","value":20,"timestamp":"2024-05-01T10:00:00Z"},
		{"sensor_id":42,"type":"temperature","value":20,"timestamp":"2024-05-01T10:00:00Z"},
		{"sensor_id":"s1","type":"temperature","value":20,"timestamp":"2024-05-01T10:00:00Z","metadata":"oops"},
		"not an object",
		null
	]}`), &p))
	require.Len(t, p.Readings, 5)

	var fields []string
	for i, entry := range p.Readings {
		if _, rowErr := Normalize("job_1", i, entry, ""); rowErr != nil {
			fields = append(fields, rowErr.Field)
		}
	}
	assert.Equal(t, []string{"sensor_id", "metadata", "entry", "entry"}, fields)
}
