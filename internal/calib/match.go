package calib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"flatmaster/internal/frames"
)

// ErrNoDark means no tier produced a dark for the requested exposure.
var ErrNoDark = errors.New("no suitable dark")

// Provenance describes how a dark was obtained.
type Provenance string

const (
	ProvMasterDarkFlatExact Provenance = "MasterDarkFlat(exact)"
	ProvMasterDarkFlatBuilt Provenance = "MasterDarkFlat(built)"
	ProvMasterDarkExact     Provenance = "MasterDark(exact)"
	ProvMasterDarkBuilt     Provenance = "MasterDark(built)"
	ProvMasterDarkNearest   Provenance = "MasterDark(nearest+optimize)"
)

// Selection is the dark chosen for one exposure group.
type Selection struct {
	Path                 string     `json:"path"`
	Kind                 Kind       `json:"kind"`
	Exposure             float64    `json:"exposure"`
	RequiresOptimization bool       `json:"optimize"`
	Provenance           Provenance `json:"provenance"`
	Synthesized          bool       `json:"synthesized"`
	Score                float64    `json:"score"`
}

// Request describes what a group needs.
type Request struct {
	Exposure float64
	Key      string
	Want     frames.Metadata
}

// Tier is one step of the selection order. Resolve reports false when the
// tier does not apply or could not produce a dark.
type Tier struct {
	Name    string
	Resolve func(ctx context.Context, s *Selector, req Request) (Selection, bool)
}

// DefaultTiers is the selection order, first match wins.
var DefaultTiers = []Tier{
	{Name: "master-dark-flat", Resolve: exactMaster(KindMasterDarkFlat, ProvMasterDarkFlatExact)},
	{Name: "dark-flat-stack", Resolve: builtStack(KindDarkFlat, KindMasterDarkFlat, ProvMasterDarkFlatBuilt)},
	{Name: "master-dark", Resolve: exactMaster(KindMasterDark, ProvMasterDarkExact)},
	{Name: "dark-stack", Resolve: builtStack(KindDark, KindMasterDark, ProvMasterDarkBuilt)},
	{Name: "nearest", Resolve: nearest},
}

// Selector resolves darks for exposure groups against one catalog.
type Selector struct {
	catalog *Catalog
	policy  MatchPolicy
	synth   Synthesizer
	log     *slog.Logger
	tiers   []Tier
}

// NewSelector builds a selector using DefaultTiers. synth should be a
// SynthesisCache so each stack is attempted at most once per run.
func NewSelector(catalog *Catalog, policy MatchPolicy, synth Synthesizer, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		catalog: catalog,
		policy:  policy,
		synth:   synth,
		log:     logger,
		tiers:   DefaultTiers,
	}
}

// Select walks the tiers for the exposure and returns the first match.
func (s *Selector) Select(ctx context.Context, exposure float64, want frames.Metadata) (Selection, error) {
	req := Request{Exposure: RoundExposure(exposure), Key: ExposureKey(exposure), Want: want}
	for _, t := range s.tiers {
		if err := ctx.Err(); err != nil {
			return Selection{}, err
		}
		if sel, ok := t.Resolve(ctx, s, req); ok {
			s.log.Debug("dark selected", "exposure", req.Key, "tier", t.Name, "path", sel.Path, "optimize", sel.RequiresOptimization)
			return sel, nil
		}
	}
	return Selection{}, fmt.Errorf("exposure %ss: %w", req.Key, ErrNoDark)
}

func exactMaster(kind Kind, prov Provenance) func(context.Context, *Selector, Request) (Selection, bool) {
	return func(_ context.Context, s *Selector, req Request) (Selection, bool) {
		entries := s.catalog.At(kind, req.Key)
		if len(entries) == 0 {
			return Selection{}, false
		}
		e, score := best(entries, req.Want, s.policy)
		return Selection{
			Path:       e.Path,
			Kind:       kind,
			Exposure:   req.Exposure,
			Provenance: prov,
			Score:      score,
		}, true
	}
}

func builtStack(raw, master Kind, prov Provenance) func(context.Context, *Selector, Request) (Selection, bool) {
	return func(ctx context.Context, s *Selector, req Request) (Selection, bool) {
		sources := s.catalog.At(raw, req.Key)
		if len(sources) == 0 || s.synth == nil {
			return Selection{}, false
		}
		path, err := s.synthesize(ctx, master, req.Key, req.Exposure, sources)
		if err != nil {
			return Selection{}, false
		}
		return Selection{
			Path:        path,
			Kind:        master,
			Exposure:    req.Exposure,
			Provenance:  prov,
			Synthesized: true,
		}, true
	}
}

func (s *Selector) synthesize(ctx context.Context, kind Kind, key string, exposure float64, sources []Entry) (string, error) {
	path, err := s.synth.Synthesize(ctx, SynthesisRequest{
		Kind:      kind,
		Key:       key,
		Exposure:  exposure,
		Sources:   sources,
		Rejection: SelectRejection(len(sources), true),
	})
	if err != nil {
		s.log.Warn("dark synthesis failed", "kind", kind, "exposure", key, "frames", len(sources), "error", err)
	}
	return path, err
}

// nearestCandidate is either an existing master or a raw stack that still
// has to be combined.
type nearestCandidate struct {
	exposure float64
	key      string
	score    float64
	path     string // master path, or first source path for a stack
	sources  []Entry
}

func nearest(ctx context.Context, s *Selector, req Request) (Selection, bool) {
	if !s.policy.AllowNearest {
		return Selection{}, false
	}

	var cands []nearestCandidate
	for _, e := range s.catalog.Entries() {
		if e.Kind != KindMasterDark {
			continue
		}
		cands = append(cands, nearestCandidate{
			exposure: RoundExposure(e.Exposure),
			key:      e.Key(),
			score:    Score(e.Metadata(), req.Want, s.policy),
			path:     e.Path,
		})
	}
	if s.synth != nil {
		for _, k := range s.catalog.Keys(KindDark) {
			stack := s.catalog.At(KindDark, k)
			if len(stack) < MinSamples {
				continue
			}
			_, score := best(stack, req.Want, s.policy)
			cands = append(cands, nearestCandidate{
				exposure: parseKey(k),
				key:      k,
				score:    score,
				path:     stack[0].Path,
				sources:  stack,
			})
		}
	}
	if len(cands) == 0 {
		return Selection{}, false
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		da, db := math.Abs(a.exposure-req.Exposure), math.Abs(b.exposure-req.Exposure)
		if da != db {
			return da < db
		}
		if a.score != b.score {
			return a.score > b.score
		}
		if a.exposure != b.exposure {
			return a.exposure < b.exposure
		}
		return a.path < b.path
	})

	for _, c := range cands {
		sel := Selection{
			Path:                 c.path,
			Kind:                 KindMasterDark,
			Exposure:             c.exposure,
			RequiresOptimization: true,
			Provenance:           ProvMasterDarkNearest,
			Score:                c.score,
		}
		if c.sources != nil {
			path, err := s.synthesize(ctx, KindMasterDark, c.key, c.exposure, c.sources)
			if err != nil {
				continue
			}
			sel.Path = path
			sel.Synthesized = true
		}
		return sel, true
	}
	return Selection{}, false
}
