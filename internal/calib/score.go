package calib

import (
	"math"

	"flatmaster/internal/frames"
)

// MatchPolicy toggles the scoring terms and the nearest-exposure fallback.
type MatchPolicy struct {
	EnforceBinning   bool    `json:"enforceBinning"`
	MatchGain        bool    `json:"matchGain"`
	MatchOffset      bool    `json:"matchOffset"`
	MatchTemperature bool    `json:"matchTemperature"`
	MaxTempDelta     float64 `json:"maxTempDeltaC"`
	AllowNearest     bool    `json:"allowNearestExposureWithOptimize"`
}

// DefaultMatchPolicy enables every term with a 5 °C window.
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{
		EnforceBinning:   true,
		MatchGain:        true,
		MatchOffset:      true,
		MatchTemperature: true,
		MaxTempDelta:     5.0,
		AllowNearest:     true,
	}
}

const (
	binningBonus  = 3.0
	gainBonus     = 2.0
	offsetBonus   = 2.0
	tempBase      = 1.5
	tempSlope     = 0.2
	gainEpsilon   = 0.01
	offsetEpsilon = 0.5
)

// Score rates how well candidate fits want. Unknown values on either side
// never contribute.
func Score(candidate, want frames.Metadata, p MatchPolicy) float64 {
	s := 0.0
	if p.EnforceBinning && candidate.Binning != nil && want.Binning != nil &&
		*candidate.Binning != "" && *candidate.Binning == *want.Binning {
		s += binningBonus
	}
	if p.MatchGain && candidate.Gain != nil && want.Gain != nil &&
		math.Abs(*candidate.Gain-*want.Gain) < gainEpsilon {
		s += gainBonus
	}
	if p.MatchOffset && candidate.Offset != nil && want.Offset != nil &&
		math.Abs(*candidate.Offset-*want.Offset) < offsetEpsilon {
		s += offsetBonus
	}
	if p.MatchTemperature && candidate.Temperature != nil && want.Temperature != nil {
		if dt := math.Abs(*candidate.Temperature - *want.Temperature); dt <= p.MaxTempDelta {
			s += tempBase - tempSlope*dt
		}
	}
	return s
}

// best returns the highest scoring entry; ties keep the earliest.
func best(entries []Entry, want frames.Metadata, p MatchPolicy) (Entry, float64) {
	var chosen Entry
	top := math.Inf(-1)
	for _, e := range entries {
		if s := Score(e.Metadata(), want, p); s > top {
			top = s
			chosen = e
		}
	}
	return chosen, top
}
