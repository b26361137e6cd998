package entity

import (
	"time"

	"github.com/google/uuid"
)

// PixelBounds is a window in source pixel space.
type PixelBounds struct {
	ColOff int `json:"col_off"`
	RowOff int `json:"row_off"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TileRecord describes one tile written to the tiles bucket.
type TileRecord struct {
	ID          uuid.UUID      `json:"id"`
	JobID       string         `json:"job_id"`
	ParcelID    *string        `json:"parcel_id,omitempty"`
	MissionID   *string        `json:"mission_id,omitempty"`
	TilePath    string         `json:"tile_path"`
	Bounds      PixelBounds    `json:"bounds"`
	CRS         *string        `json:"crs,omitempty"`
	Resolution  *float64       `json:"resolution,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
	Extra       map[string]any `json:"metadata,omitempty"`
}
