package constants

import "strings"

const (
	// ContentTypeTIFF is used for raw uploads without a declared type and for every tile.
	ContentTypeTIFF = "image/tiff"
	// ContentTypeXLSX is the media type of job exports.
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	TileExt = "tif"
)

// AllowedRasterExtensions holds the file extensions accepted for imagery uploads.
var AllowedRasterExtensions = map[string]struct{}{
	"tif":  {},
	"tiff": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
