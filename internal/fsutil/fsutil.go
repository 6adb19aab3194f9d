package fsutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var frameExts = map[string]struct{}{
	".xisf": {},
	".fits": {},
	".fit":  {},
}

// DefaultSkipDirs are directory names (lowercase) never descended into.
var DefaultSkipDirs = []string{"_darkmasters", "_calibratedflats", "masters"}

var masterFlatRe = regexp.MustCompile(`(?i)^MasterFlat_.*`)

// IsFrameFile checks if a file has a supported astronomical container extension.
func IsFrameFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := frameExts[ext]
	return ok
}

// IsXISF reports whether path is an XISF container.
func IsXISF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".xisf")
}

// IsMasterFlat matches previously produced master flats so they are not re-ingested.
func IsMasterFlat(path string) bool {
	return masterFlatRe.MatchString(filepath.Base(path))
}

// SkipSet decides which subdirectories a walk prunes.
type SkipSet map[string]struct{}

// NewSkipSet builds a SkipSet from the defaults plus extra names.
func NewSkipSet(extra ...string) SkipSet {
	s := make(SkipSet, len(DefaultSkipDirs)+len(extra))
	for _, name := range DefaultSkipDirs {
		s[name] = struct{}{}
	}
	for _, name := range extra {
		if name = strings.TrimSpace(name); name != "" {
			s[strings.ToLower(name)] = struct{}{}
		}
	}
	return s
}

// Skip reports whether a directory with the given base name is pruned.
// Hidden directories are always pruned.
func (s SkipSet) Skip(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := s[strings.ToLower(name)]
	return ok
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// CanonicalDir returns an absolute, cleaned, symlink-resolved form of dir
// suitable as a dedup key. Resolution failures fall back to the cleaned path.
func CanonicalDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = filepath.Clean(dir)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// IsWithin reports whether path equals base or lies beneath it.
func IsWithin(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
