// Package calib holds the planning rules for flat calibration: exposure
// grouping, dark inventory, dark matching and rejection policy selection.
package calib

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MinSamples is the smallest stack ever submitted for combination.
const MinSamples = 3

// RoundExposure rounds seconds to three decimals.
func RoundExposure(exp float64) float64 {
	return math.Round(exp*1000) / 1000
}

// ExposureKey is the fixed-width bucket key for an exposure, e.g. "30.000".
func ExposureKey(exp float64) string {
	return fmt.Sprintf("%.3f", RoundExposure(exp))
}

// ExposureLabel is the short form used in file names, e.g. "30" or "1.5".
func ExposureLabel(exp float64) string {
	s := ExposureKey(exp)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// parseKey converts a bucket key back to seconds.
func parseKey(key string) float64 {
	f, _ := strconv.ParseFloat(key, 64)
	return f
}
