package calib

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"flatmaster/internal/frames"
)

// Spread summarizes one numeric header across a group.
type Spread struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// GroupStats describes how consistent a group's acquisition settings are.
// Nil fields mean no file in the group carried the value.
type GroupStats struct {
	Temperature *Spread `json:"temperature,omitempty"`
	Gain        *Spread `json:"gain,omitempty"`
	Offset      *Spread `json:"offset,omitempty"`
}

// ComputeGroupStats gathers temperature, gain and offset spreads.
func ComputeGroupStats(files []string, meta map[string]frames.Metadata) GroupStats {
	var temps, gains, offsets []float64
	for _, p := range files {
		m := meta[p]
		if m.Temperature != nil {
			temps = append(temps, *m.Temperature)
		}
		if m.Gain != nil {
			gains = append(gains, *m.Gain)
		}
		if m.Offset != nil {
			offsets = append(offsets, *m.Offset)
		}
	}
	return GroupStats{
		Temperature: spread(temps),
		Gain:        spread(gains),
		Offset:      spread(offsets),
	}
}

func spread(xs []float64) *Spread {
	if len(xs) == 0 {
		return nil
	}
	s := &Spread{N: len(xs), Min: floats.Min(xs), Max: floats.Max(xs)}
	if len(xs) == 1 {
		s.Mean = xs[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	return s
}
