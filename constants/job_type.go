package constants

import (
	"strings"
)

type JobType string

const (
	JobTypeTileUAVImage   JobType = "tile_uav_image"
	JobTypeSensorCleaning JobType = "sensor_cleaning"
)

var allJobTypes = []JobType{
	JobTypeTileUAVImage,
	JobTypeSensorCleaning,
}

func JobTypesAsStringSlice() []string {
	result := make([]string, len(allJobTypes))
	for i, jt := range allJobTypes {
		result[i] = string(jt)
	}
	return result
}

// CanonicalizeJobType maps user supplied spellings onto a known job type.
func CanonicalizeJobType(input string) (JobType, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return "", false
	}

	synonyms := map[string]JobType{
		"sensor-cleaning": JobTypeSensorCleaning,
		"sensor_clean":    JobTypeSensorCleaning,
		"clean":           JobTypeSensorCleaning,
		"tile-uav-image":  JobTypeTileUAVImage,
		"tiling":          JobTypeTileUAVImage,
		"tile":            JobTypeTileUAVImage,
	}
	if jt, ok := synonyms[normalized]; ok {
		return jt, true
	}

	for _, jt := range allJobTypes {
		if normalized == string(jt) {
			return jt, true
		}
	}
	return "", false
}
