package calib

import (
	"sort"

	"flatmaster/internal/frames"
)

// ExposureGroup is a set of flats from one directory sharing an exposure.
type ExposureGroup struct {
	Key      string          `json:"key"`
	Exposure float64         `json:"exposure"`
	Files    []string        `json:"files"`
	Want     frames.Metadata `json:"want"`
}

// RejectedGroup records a bucket dropped for having too few frames.
type RejectedGroup struct {
	Key      string  `json:"key"`
	Exposure float64 `json:"exposure"`
	Count    int     `json:"count"`
}

// Grouping is the result of bucketing one directory's flats.
type Grouping struct {
	Dir             string          `json:"dir"`
	Groups          []ExposureGroup `json:"groups"`   // ascending exposure
	Rejected        []RejectedGroup `json:"rejected"` // ascending exposure
	MissingExposure int             `json:"missing_exposure"`
}

// Empty reports whether no bucket survived.
func (g Grouping) Empty() bool { return len(g.Groups) == 0 }

// Grouped returns the number of files that ended up in a surviving group.
func (g Grouping) Grouped() int {
	n := 0
	for _, grp := range g.Groups {
		n += len(grp.Files)
	}
	return n
}

// GroupExposures buckets files by rounded exposure and drops buckets with
// fewer than minSamples members (values below MinSamples are raised).
// Files without an exposure are counted and left out. The want profile of
// each group is the metadata of its first file in path order.
func GroupExposures(dir string, files []string, meta map[string]frames.Metadata, minSamples int) Grouping {
	if minSamples < MinSamples {
		minSamples = MinSamples
	}

	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	g := Grouping{Dir: dir}
	buckets := make(map[string][]string)
	for _, p := range sorted {
		m := meta[p]
		if m.Exposure == nil {
			g.MissingExposure++
			continue
		}
		k := ExposureKey(*m.Exposure)
		buckets[k] = append(buckets[k], p)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return parseKey(keys[i]) < parseKey(keys[j]) })

	for _, k := range keys {
		members := buckets[k]
		if len(members) < minSamples {
			g.Rejected = append(g.Rejected, RejectedGroup{Key: k, Exposure: parseKey(k), Count: len(members)})
			continue
		}
		g.Groups = append(g.Groups, ExposureGroup{
			Key:      k,
			Exposure: parseKey(k),
			Files:    members,
			Want:     meta[members[0]],
		})
	}
	return g
}
