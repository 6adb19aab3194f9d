package planner

import (
	"path/filepath"

	"flatmaster/internal/fsutil"
)

// Mapping places a flat directory's products in the mirrored output tree.
type Mapping struct {
	Base         string `json:"base"` // empty when dir is outside every root
	OutputRoot   string `json:"output_root"`
	RelativePath string `json:"relative_path"` // slash separated, empty for the root itself
}

// OutputDir is where the directory's master flats are written.
func (m Mapping) OutputDir() string {
	if m.RelativePath == "" {
		return m.OutputRoot
	}
	return filepath.Join(m.OutputRoot, filepath.FromSlash(m.RelativePath))
}

// MapOutput finds the longest root containing dir and mirrors dir beneath
// a sibling of that root named <root><suffix>. A directory outside every
// root is its own base.
func MapOutput(dir string, roots []string, suffix string) Mapping {
	dir = filepath.Clean(dir)
	base := ""
	for _, r := range roots {
		r = filepath.Clean(r)
		if fsutil.IsWithin(r, dir) && len(r) > len(base) {
			base = r
		}
	}

	m := Mapping{Base: base}
	own := base
	if own == "" {
		own = dir
	}
	m.OutputRoot = filepath.Join(filepath.Dir(own), filepath.Base(own)+suffix)
	if base != "" {
		if rel, err := filepath.Rel(base, dir); err == nil && rel != "." {
			m.RelativePath = filepath.ToSlash(rel)
		}
	}
	return m
}
