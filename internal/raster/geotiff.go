package raster

import (
	"fmt"
	"strconv"
	"strings"
)

// GeoKey ids.
const (
	keyModelType       = 1024
	keyRasterType      = 1025
	keyGeographicType  = 2048
	keyProjectedCSType = 3072

	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
	userDefined         = 32767
)

// crsFromGeoKeys returns "EPSG:<code>" for the projected or geographic CRS recorded
// in a GeoKeyDirectory, or "" when neither is an EPSG code.
func crsFromGeoKeys(dir []uint64) string {
	if len(dir) < 4 {
		return ""
	}
	n := int(dir[3])
	var projected, geographic uint64
	for i := 0; i < n && 4+4*i+3 < len(dir); i++ {
		e := dir[4+4*i : 4+4*i+4]
		if e[1] != 0 {
			// value stored in another tag; EPSG codes are always inline
			continue
		}
		switch e[0] {
		case keyProjectedCSType:
			projected = e[3]
		case keyGeographicType:
			geographic = e[3]
		}
	}
	switch {
	case projected != 0 && projected != userDefined:
		return fmt.Sprintf("EPSG:%d", projected)
	case geographic != 0 && geographic != userDefined:
		return fmt.Sprintf("EPSG:%d", geographic)
	}
	return ""
}

// ParseEPSG extracts the numeric code of an "EPSG:<code>" label.
func ParseEPSG(crs string) (int, bool) {
	s := strings.TrimSpace(crs)
	if len(s) < 6 || !strings.EqualFold(s[:5], "EPSG:") {
		return 0, false
	}
	code, err := strconv.Atoi(s[5:])
	if err != nil || code <= 0 || code >= userDefined {
		return 0, false
	}
	return code, true
}

// geoKeysFor builds a GeoKeyDirectory for crs. Codes 4000-4999 are geographic CRSs in
// the EPSG registry; everything else is written as projected.
func geoKeysFor(crs string) []uint16 {
	code, ok := ParseEPSG(crs)
	if !ok {
		return []uint16{1, 1, 0, 1, keyRasterType, 0, 1, rasterPixelIsArea}
	}
	modelType, crsKey := uint16(modelTypeProjected), uint16(keyProjectedCSType)
	if code >= 4000 && code < 5000 {
		modelType, crsKey = modelTypeGeographic, keyGeographicType
	}
	return []uint16{
		1, 1, 0, 3,
		keyModelType, 0, 1, modelType,
		keyRasterType, 0, 1, rasterPixelIsArea,
		crsKey, 0, 1, uint16(code),
	}
}
