package frames

import (
	"path/filepath"
	"regexp"
	"strconv"
)

// Tried in order; the first pattern that yields a number wins.
var exposureNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)EXPOSURE[_\-=: ]?(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)(?:^|[^A-Za-z0-9.])(\d+(?:\.\d+)?)\s*s(?:[_\- .]|$)`),
	regexp.MustCompile(`(?i)(?:^|[^A-Za-z])S(?:IN)?\s*(\d+(?:\.\d+)?)\s*s(?:[_\- .]|$)`),
}

// ExposureFromName infers an exposure in seconds from tokens in the file name.
func ExposureFromName(path string) *float64 {
	name := filepath.Base(path)
	for _, re := range exposureNamePatterns {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			return &f
		}
	}
	return nil
}
