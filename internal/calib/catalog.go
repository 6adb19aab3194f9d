package calib

import (
	"path/filepath"
	"sort"
	"strings"

	"flatmaster/internal/frames"
)

// Kind is a dark frame category.
type Kind string

const (
	KindMasterDarkFlat Kind = "MASTERDARKFLAT"
	KindMasterDark     Kind = "MASTERDARK"
	KindDarkFlat       Kind = "DARKFLAT"
	KindDark           Kind = "DARK"
)

// Kinds lists every category in tier order.
var Kinds = []Kind{KindMasterDarkFlat, KindMasterDark, KindDarkFlat, KindDark}

// ClassifyDark categorizes a file by name; the most specific marker wins.
func ClassifyDark(path string) (Kind, bool) {
	u := strings.ToUpper(filepath.Base(path))
	for _, k := range Kinds {
		if strings.Contains(u, string(k)) {
			return k, true
		}
	}
	return "", false
}

// Entry is one classified dark with a known exposure.
type Entry struct {
	Path        string   `json:"path"`
	Kind        Kind     `json:"type"`
	Exposure    float64  `json:"exposure"`
	Binning     *string  `json:"binning"`
	Gain        *float64 `json:"gain"`
	Offset      *float64 `json:"offset"`
	Temperature *float64 `json:"temperature"`
}

// Key returns the entry's exposure bucket.
func (e Entry) Key() string { return ExposureKey(e.Exposure) }

// Metadata returns the entry's acquisition profile.
func (e Entry) Metadata() frames.Metadata {
	exp := e.Exposure
	return frames.Metadata{
		Exposure:    &exp,
		Binning:     e.Binning,
		Gain:        e.Gain,
		Offset:      e.Offset,
		Temperature: e.Temperature,
	}
}

// CatalogStats summarizes how dark candidates were classified.
type CatalogStats struct {
	Candidates      int `json:"candidates"`
	Unclassified    int `json:"unclassified"`
	MissingExposure int `json:"missing_exposure"`
	Indexed         int `json:"indexed"`
}

// Catalog indexes darks by kind and exposure key. Entry order everywhere is
// path order, which makes score ties deterministic.
type Catalog struct {
	entries []Entry
	index   map[Kind]map[string][]Entry
}

// NewCatalog indexes entries after sorting them by path.
func NewCatalog(entries []Entry) *Catalog {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	c := &Catalog{entries: sorted, index: make(map[Kind]map[string][]Entry)}
	for _, e := range sorted {
		byKey, ok := c.index[e.Kind]
		if !ok {
			byKey = make(map[string][]Entry)
			c.index[e.Kind] = byKey
		}
		byKey[e.Key()] = append(byKey[e.Key()], e)
	}
	return c
}

// BuildCatalog classifies files by name and keeps those with an exposure.
func BuildCatalog(files []string, meta map[string]frames.Metadata) (*Catalog, CatalogStats) {
	var stats CatalogStats
	var entries []Entry
	for _, p := range files {
		stats.Candidates++
		kind, ok := ClassifyDark(p)
		if !ok {
			stats.Unclassified++
			continue
		}
		m := meta[p]
		if m.Exposure == nil {
			stats.MissingExposure++
			continue
		}
		entries = append(entries, Entry{
			Path:        p,
			Kind:        kind,
			Exposure:    *m.Exposure,
			Binning:     m.Binning,
			Gain:        m.Gain,
			Offset:      m.Offset,
			Temperature: m.Temperature,
		})
	}
	stats.Indexed = len(entries)
	return NewCatalog(entries), stats
}

// Len returns the number of indexed darks.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Entries returns all darks in path order.
func (c *Catalog) Entries() []Entry {
	if c == nil {
		return nil
	}
	return append([]Entry(nil), c.entries...)
}

// At returns the darks of kind at the exposure key, in path order.
func (c *Catalog) At(kind Kind, key string) []Entry {
	if c == nil {
		return nil
	}
	return c.index[kind][key]
}

// Keys returns the exposure keys present for kind in ascending order.
func (c *Catalog) Keys(kind Kind) []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.index[kind]))
	for k := range c.index[kind] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return parseKey(keys[i]) < parseKey(keys[j]) })
	return keys
}

// Count returns how many darks of kind are indexed.
func (c *Catalog) Count(kind Kind) int {
	n := 0
	for _, k := range c.Keys(kind) {
		n += len(c.index[kind][k])
	}
	return n
}
