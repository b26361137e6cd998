package entity

import (
	"encoding/json"
	"fmt"

	"github.com/joseph-ayodele/agro-preprocess/constants"
)

// Payload is implemented by every job-type specific payload.
type Payload interface {
	JobType() constants.JobType
}

// ObjectRef points at an object inside a bucket.
type ObjectRef struct {
	Bucket     string `json:"bucket"`
	ObjectName string `json:"object_name"`
}

// TilePayload requests the tiling of a UAV raster already stored in the object store.
type TilePayload struct {
	Source    ObjectRef `json:"source"`
	ParcelID  string    `json:"parcel_id,omitempty"`
	MissionID string    `json:"mission_id,omitempty"`
	TileSize  int       `json:"tile_size"`
	Overlap   int       `json:"overlap"`
	TargetCRS string    `json:"target_crs"`
}

func (TilePayload) JobType() constants.JobType { return constants.JobTypeTileUAVImage }

// RawReading is one sensor entry as submitted; nothing in it is trusted yet.
type RawReading struct {
	SensorID  string          `json:"sensor_id"`
	Type      string          `json:"type"`
	Value     json.RawMessage `json:"value"`
	Timestamp string          `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`

	malformed []string
}

// Malformed lists the fields that carried the wrong JSON type when decoded.
func (r RawReading) Malformed() []string { return r.malformed }

// UnmarshalJSON never fails on a single entry, so one bad reading cannot reject the
// whole batch; type mismatches are reported through Malformed.
func (r *RawReading) UnmarshalJSON(b []byte) error {
	*r = RawReading{}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil || fields == nil {
		r.malformed = append(r.malformed, "entry")
		return nil
	}
	str := func(key string) string {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			return ""
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			r.malformed = append(r.malformed, key)
		}
		return s
	}
	r.SensorID = str("sensor_id")
	r.Type = str("type")
	r.Timestamp = str("timestamp")
	r.Value = fields["value"]
	if md, ok := fields["metadata"]; ok && string(md) != "null" {
		if err := json.Unmarshal(md, &r.Metadata); err != nil {
			r.malformed = append(r.malformed, "metadata")
		}
	}
	return nil
}

// SensorCleaningPayload is a batch of raw readings to normalize.
type SensorCleaningPayload struct {
	Readings      []RawReading `json:"readings"`
	ParcelID      string       `json:"parcel_id,omitempty"`
	FromTimestamp string       `json:"fromTimestamp,omitempty"`
	ToTimestamp   string       `json:"toTimestamp,omitempty"`
	Strategy      string       `json:"strategy,omitempty"`
}

func (SensorCleaningPayload) JobType() constants.JobType { return constants.JobTypeSensorCleaning }

// DecodePayload decodes a stored payload document into the concrete type for jobType.
func DecodePayload(jobType constants.JobType, raw json.RawMessage) (Payload, error) {
	switch jobType {
	case constants.JobTypeTileUAVImage:
		var p TilePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		return p, nil
	case constants.JobTypeSensorCleaning:
		var p SensorCleaningPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
}
