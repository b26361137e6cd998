package entity

import "time"

// NormalizedReading is a validated, type-coerced sensor observation.
type NormalizedReading struct {
	ID          int64          `json:"id,omitempty"`
	JobID       string         `json:"job_id"`
	ParcelID    *string        `json:"parcel_id,omitempty"`
	SensorID    string         `json:"sensor_id"`
	MetricType  string         `json:"metric_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Value       float64        `json:"value"`
	QualityFlag *string        `json:"quality_flag,omitempty"`
	Extra       map[string]any `json:"metadata,omitempty"`
}
