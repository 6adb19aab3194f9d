// Package frames extracts acquisition metadata from FITS and XISF headers.
package frames

import (
	"math"
	"strconv"
	"strings"

	"flatmaster/internal/fsutil"
)

// DefaultMaxHeaderBytes bounds how much of a file is scanned for a header.
const DefaultMaxHeaderBytes int64 = 4 << 20

// Metadata is the acquisition profile of one frame. A nil field means the
// value could not be determined; zero is a legitimate reading.
type Metadata struct {
	Exposure    *float64 `json:"exposure"`
	Binning     *string  `json:"binning"`
	Gain        *float64 `json:"gain"`
	Offset      *float64 `json:"offset"`
	Temperature *float64 `json:"temperature"`
}

// HasExposure reports whether the exposure is known.
func (m Metadata) HasExposure() bool { return m.Exposure != nil }

// Header key aliases per logical field, tried in order.
var (
	exposureKeys = []string{"EXPTIME", "EXPOSURE", "EXPOSURETIME", "X_EXPOSURE"}
	binningKeys  = []string{"XBINNING", "BINNING", "CCDBINNING", "BINNING_MODE"}
	gainKeys     = []string{"GAIN", "EGAIN"}
	offsetKeys   = []string{"OFFSET", "BLACKLEVEL"}
	tempKeys     = []string{"CCD-TEMP", "CCD_TEMP", "SENSOR_TEMP", "SENSOR-TEMP"}
)

// XISF property id fragments consulted when no keyword matched.
var (
	exposureProps = []string{"EXPOSURE", "EXPTIME"}
	binningProps  = []string{"BINNING"}
	gainProps     = []string{"GAIN"}
	offsetProps   = []string{"OFFSET", "BLACKLEVEL"}
	tempProps     = []string{"TEMP"}
)

// Extractor reads headers with a bounded byte budget.
type Extractor struct {
	MaxHeaderBytes int64
}

// NewExtractor returns an Extractor with the given cap; non-positive means the default.
func NewExtractor(maxHeaderBytes int64) *Extractor {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &Extractor{MaxHeaderBytes: maxHeaderBytes}
}

// Extract uses a default Extractor.
func Extract(path string) Metadata {
	return NewExtractor(DefaultMaxHeaderBytes).Extract(path)
}

// Extract never fails. Unreadable or malformed headers degrade to filename
// inference for the exposure and nil for every other field.
func (e *Extractor) Extract(path string) Metadata {
	var hdr *header
	switch {
	case fsutil.IsXISF(path):
		hdr = readXISFHeader(path, e.limit())
	case fsutil.IsFrameFile(path):
		hdr = readFITSHeader(path, e.limit())
	}

	var meta Metadata
	if hdr != nil {
		meta.Exposure = coerceFloat(hdr.pick(exposureKeys, exposureProps))
		if bin, ok := hdr.pick(binningKeys, binningProps); ok {
			upper := strings.ToUpper(strings.TrimSpace(unquote(bin)))
			meta.Binning = &upper
		}
		meta.Gain = coerceFloat(hdr.pick(gainKeys, gainProps))
		meta.Offset = coerceFloat(hdr.pick(offsetKeys, offsetProps))
		meta.Temperature = coerceFloat(hdr.pick(tempKeys, tempProps))
	}
	if meta.Exposure == nil {
		meta.Exposure = ExposureFromName(path)
	}
	return meta
}

func (e *Extractor) limit() int64 {
	if e == nil || e.MaxHeaderBytes <= 0 {
		return DefaultMaxHeaderBytes
	}
	return e.MaxHeaderBytes
}

// header is the format-neutral view of a parsed header block.
type header struct {
	keywords map[string]string // upper-cased name -> value
	props    []property        // document order
}

type property struct {
	id    string // upper-cased
	value string
}

func newHeader() *header {
	return &header{keywords: make(map[string]string)}
}

// addKeyword records a FITS card; the first card of a name wins.
func (h *header) addKeyword(name, value string) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return
	}
	if _, ok := h.keywords[name]; !ok {
		h.keywords[name] = value
	}
}

// setKeyword records an XISF FITSKeyword element; a later element of the
// same name replaces an earlier one.
func (h *header) setKeyword(name, value string) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return
	}
	h.keywords[name] = value
}

func (h *header) addProperty(id, value string) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return
	}
	h.props = append(h.props, property{id: id, value: value})
}

func (h *header) pick(keys, propHints []string) (string, bool) {
	for _, k := range keys {
		if v, ok := h.keywords[k]; ok {
			return v, true
		}
	}
	for _, hint := range propHints {
		for _, p := range h.props {
			if strings.Contains(p.id, hint) {
				return p.value, true
			}
		}
	}
	return "", false
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			v = strings.TrimSpace(v[1 : len(v)-1])
		}
	}
	return v
}

// coerceFloat accepts plain and quoted numeric strings; anything else is nil.
func coerceFloat(v string, ok bool) *float64 {
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(unquote(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }
