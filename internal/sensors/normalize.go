// Package sensors validates and reshapes raw sensor batches into normalized readings.
package sensors

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
)

// RowError explains why one entry of a batch was dropped.
type RowError struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *RowError) Error() string {
	return fmt.Sprintf("entry %d: %s: %s", e.Index, e.Field, e.Reason)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp accepts ISO-8601 date and date-time strings. A trailing Z is read as
// +00:00 and values without an offset are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	s = strings.Replace(s, "Z", "+00:00", 1)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseValue reads a JSON number or a numeric string. NaN and infinities are rejected.
func ParseValue(raw json.RawMessage) (float64, error) {
	var v any
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing value")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("malformed value: %v", err)
	}

	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", x)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("value of type %T is not a number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %v is not finite", f)
	}
	return f, nil
}

// Normalize validates entry i of a batch. batchParcel, when set, overrides the parcel
// carried in the entry metadata.
func Normalize(jobID string, i int, entry entity.RawReading, batchParcel string) (*entity.NormalizedReading, *RowError) {
	if bad := entry.Malformed(); len(bad) > 0 {
		return nil, &RowError{Index: i, Field: bad[0], Reason: "wrong JSON type"}
	}
	sensorID := strings.TrimSpace(entry.SensorID)
	if sensorID == "" {
		return nil, &RowError{Index: i, Field: "sensor_id", Reason: "required"}
	}
	metric := strings.TrimSpace(entry.Type)
	if metric == "" {
		return nil, &RowError{Index: i, Field: "type", Reason: "required"}
	}
	ts, err := ParseTimestamp(entry.Timestamp)
	if err != nil {
		return nil, &RowError{Index: i, Field: "timestamp", Reason: err.Error()}
	}
	value, err := ParseValue(entry.Value)
	if err != nil {
		return nil, &RowError{Index: i, Field: "value", Reason: err.Error()}
	}

	parcel := batchParcel
	if parcel == "" {
		parcel = metadataString(entry.Metadata, "parcel_id")
	}

	return &entity.NormalizedReading{
		JobID:       jobID,
		ParcelID:    optional(parcel),
		SensorID:    sensorID,
		MetricType:  metric,
		Timestamp:   ts,
		Value:       value,
		QualityFlag: optional(metadataString(entry.Metadata, "quality_flag")),
		Extra:       entry.Metadata,
	}, nil
}

func metadataString(md map[string]any, key string) string {
	if s, ok := md[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
