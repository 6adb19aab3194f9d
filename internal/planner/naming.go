package planner

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"flatmaster/internal/calib"
)

const (
	unknownDate   = "UNKNOWNDATE"
	unknownFilter = "UNKNOWN"
)

var (
	filterRe  = regexp.MustCompile(`(?:^|[_\-])(?:FILTER|Filter)[_\-]?([A-Za-z0-9]+)`)
	dateRe    = regexp.MustCompile(`\b(20\d{2}-\d{2}-\d{2})\b`)
	isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// DetectDate finds the first 20YY-MM-DD in the directory, then in the files.
func DetectDate(dir string, files []string) string {
	if m := dateRe.FindStringSubmatch(filepath.ToSlash(dir)); m != nil {
		return m[1]
	}
	for _, f := range files {
		if m := dateRe.FindStringSubmatch(filepath.ToSlash(f)); m != nil {
			return m[1]
		}
	}
	return unknownDate
}

// DetectFilter reads a FILTER token from the file names, falling back to
// the directory's last segment unless that segment is a date.
func DetectFilter(dir string, files []string) string {
	for _, f := range files {
		if m := filterRe.FindStringSubmatch(filepath.Base(f)); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	last := filepath.Base(filepath.Clean(dir))
	if last != "" && last != "." && last != string(filepath.Separator) && !isoDateRe.MatchString(last) {
		return strings.ToUpper(last)
	}
	return unknownFilter
}

// MasterFlatName is MasterFlat_<date>_<filter>_<exp>s.xisf.
func MasterFlatName(dir string, files []string, exposure float64) string {
	return fmt.Sprintf("MasterFlat_%s_%s_%ss.xisf", DetectDate(dir, files), DetectFilter(dir, files), calib.ExposureLabel(exposure))
}

// CachedMasterName names a synthesized master dark or dark-flat.
func CachedMasterName(kind calib.Kind, exposure float64) string {
	prefix := "MasterDark"
	if kind == calib.KindMasterDarkFlat {
		prefix = "MasterDarkFlat"
	}
	return fmt.Sprintf("%s_%ss.xisf", prefix, calib.ExposureLabel(exposure))
}

// CalibratedDirName is <base>_<exp>s.
func CalibratedDirName(base string, exposure float64) string {
	return fmt.Sprintf("%s_%ss", base, calib.ExposureLabel(exposure))
}
