// Package tiling cuts a georeferenced raster into overlapping square tiles.
package tiling

import (
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/raster"
)

// Params are the tiling parameters of one job.
type Params struct {
	TileSize  int
	Overlap   int
	TargetCRS string
}

// Stride is the pixel step between successive tile origins.
func (p Params) Stride() int { return p.TileSize - p.Overlap }

// Validate rejects parameters that cannot produce a scan.
func (p Params) Validate() error {
	if p.TileSize <= 0 {
		return common.ConfigurationError("tile_size must be positive, got %d", p.TileSize)
	}
	if p.Overlap < 0 {
		return common.ConfigurationError("overlap must not be negative, got %d", p.Overlap)
	}
	if p.Stride() < 1 {
		return common.ConfigurationError("stride tile_size-overlap must be at least 1, got %d-%d=%d", p.TileSize, p.Overlap, p.Stride())
	}
	return nil
}

// PlanWindows lists tile windows in row-major scan order. A window with either side
// shorter than TileSize/2 is skipped, so trailing slivers of the source are dropped.
func PlanWindows(width, height int, p Params) ([]raster.Window, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	stride, minSide := p.Stride(), p.TileSize/2

	var windows []raster.Window
	for row := 0; row < height; row += stride {
		h := min(p.TileSize, height-row)
		if h < minSide {
			continue
		}
		for col := 0; col < width; col += stride {
			w := min(p.TileSize, width-col)
			if w < minSide {
				continue
			}
			windows = append(windows, raster.Window{ColOff: col, RowOff: row, Width: w, Height: h})
		}
	}
	return windows, nil
}
