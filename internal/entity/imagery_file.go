package entity

import (
	"time"

	"github.com/google/uuid"
)

// ImageryFile records a drop-folder file by content so the same bytes are tiled once per
// parcel mission. JobID is empty while the upload is in flight.
type ImageryFile struct {
	ID          uuid.UUID `json:"id"`
	ParcelID    string    `json:"parcel_id"`
	MissionID   string    `json:"mission_id"`
	ContentHash string    `json:"content_hash"`
	SourcePath  string    `json:"source_path"`
	SizeBytes   int64     `json:"size_bytes"`
	ObjectName  string    `json:"object_name,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	ClaimedAt   time.Time `json:"claimed_at"`
}
