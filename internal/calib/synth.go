package calib

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTooFewFrames is returned when a stack is smaller than MinSamples.
var ErrTooFewFrames = errors.New("too few frames to combine")

// SynthesisRequest asks for a master dark to be produced from raw frames.
type SynthesisRequest struct {
	Kind      Kind // KindMasterDarkFlat or KindMasterDark
	Key       string
	Exposure  float64
	Sources   []Entry
	Rejection Rejection
}

// Synthesizer produces (or declares) a master from a stack of raw darks and
// returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, req SynthesisRequest) (string, error)

// Synthesize calls f.
func (f SynthesizerFunc) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	return f(ctx, req)
}

type synthResult struct {
	path string
	err  error
}

// SynthesisCache memoizes synthesis per (kind, exposure key) for one run.
// Failures are memoized as well, so a broken stack is attempted once.
type SynthesisCache struct {
	next    Synthesizer
	mu      sync.Mutex
	results map[string]synthResult
	calls   int
}

// NewSynthesisCache wraps next.
func NewSynthesisCache(next Synthesizer) *SynthesisCache {
	return &SynthesisCache{next: next, results: make(map[string]synthResult)}
}

// Synthesize returns the cached result for the request's kind and key, or
// invokes the wrapped synthesizer once.
func (c *SynthesisCache) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	id := string(req.Kind) + "|" + req.Key

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.results[id]; ok {
		return r.path, r.err
	}

	var r synthResult
	if len(req.Sources) < MinSamples {
		r.err = fmt.Errorf("%s %ss: %w (%d < %d)", req.Kind, req.Key, ErrTooFewFrames, len(req.Sources), MinSamples)
	} else {
		c.calls++
		r.path, r.err = c.next.Synthesize(ctx, req)
	}
	c.results[id] = r
	return r.path, r.err
}

// Calls returns how many times the wrapped synthesizer was invoked.
func (c *SynthesisCache) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
