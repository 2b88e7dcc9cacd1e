package placement

import (
	"context"
	"fmt"
	log "log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/cel"
)

// Simple is an in-process placement service. It keeps a table of locations with attributes,
// matches queries by compiling them to CEL, and allocates on the chosen location's endpoint
// through a BlockStore. Candidates are visited round-robin so allocations spread out.
type Simple struct {
	store segstore.BlockStore

	mu        sync.RWMutex
	locations map[string]Location
	order     []string
	cursor    int

	version atomic.Uint64

	evalMu     sync.Mutex
	evaluators map[string]*cel.Evaluator
}

// NewSimple returns a placement service that allocates through store.
func NewSimple(store segstore.BlockStore, locations ...Location) *Simple {
	s := &Simple{
		store:      store,
		locations:  make(map[string]Location),
		evaluators: make(map[string]*cel.Evaluator),
	}
	for _, l := range locations {
		s.AddLocation(l)
	}
	return s
}

// AddLocation adds or replaces a location.
func (s *Simple) AddLocation(l Location) {
	attrs := make(map[string]string, len(l.Attrs)+1)
	for k, v := range l.Attrs {
		attrs[k] = v
	}
	attrs[RidKey] = l.Key
	l.Attrs = attrs

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.locations[l.Key]; ok && old.Endpoint != l.Endpoint {
		s.version.Add(1)
	}
	if _, ok := s.locations[l.Key]; !ok {
		s.order = append(s.order, l.Key)
		sort.Strings(s.order)
	}
	s.locations[l.Key] = l
}

// RemoveLocation drops a location. Extents already on it are not touched.
func (s *Simple) RemoveLocation(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[key]; !ok {
		return
	}
	delete(s.locations, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// MoveLocation points a location at a new endpoint and bumps the map version.
func (s *Simple) MoveLocation(key string, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locations[key]
	if !ok {
		return fmt.Errorf("location %s not found", key)
	}
	if l.Endpoint == endpoint {
		return nil
	}
	l.Endpoint = endpoint
	s.locations[key] = l
	s.version.Add(1)
	log.Debug(fmt.Sprintf("placement: location %s moved to %s, map version %d", key, endpoint, s.version.Load()))
	return nil
}

// SetAttribute changes one attribute of a location, e.g. to make it violate a policy.
// Locations already returned by Lookup or Locations keep their old attributes.
func (s *Simple) SetAttribute(key, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locations[key]
	if !ok {
		return fmt.Errorf("location %s not found", key)
	}
	attrs := make(map[string]string, len(l.Attrs)+1)
	for k, v := range l.Attrs {
		attrs[k] = v
	}
	attrs[name] = value
	l.Attrs = attrs
	s.locations[key] = l
	return nil
}

// Lookup resolves a location key.
func (s *Simple) Lookup(key string) (Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locations[key]
	return l, ok
}

// Locations returns every location in key order.
func (s *Simple) Locations() []Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := make([]Location, 0, len(s.order))
	for _, k := range s.order {
		r = append(r, s.locations[k])
	}
	return r
}

// MapVersion changes whenever a location's endpoint changes.
func (s *Simple) MapVersion() uint64 {
	return s.version.Load()
}

func (s *Simple) evaluator(q segstore.Query) (*cel.Evaluator, error) {
	expr, err := Compile(q)
	if err != nil {
		return nil, err
	}
	s.evalMu.Lock()
	defer s.evalMu.Unlock()
	if e, ok := s.evaluators[expr]; ok {
		return e, nil
	}
	e, err := cel.NewEvaluator(expr)
	if err != nil {
		return nil, err
	}
	s.evaluators[expr] = e
	return e, nil
}

func (s *Simple) matches(e *cel.Evaluator, l Location) bool {
	ok, err := e.Evaluate(l.Attrs)
	if err != nil {
		log.Debug(fmt.Sprintf("placement: evaluating %s against %s failed, details: %v", e.Expression, l.Key, err))
		return false
	}
	return ok
}

// checkHints classifies every fixed hint and feeds matching ones to mods.
func (s *Simple) checkHints(def *cel.Evaluator, hints []Hint, mods *modifiers, used map[string]bool) []Status {
	statuses := make([]Status, len(hints))
	for i, h := range hints {
		statuses[i] = OK
		if h.Location == "" {
			continue
		}
		used[h.Location] = true
		l, ok := s.locations[h.Location]
		if !ok {
			statuses[i] = FixedNotFound
			continue
		}
		e := def
		if !h.Query.IsEmpty() {
			var err error
			if e, err = s.evaluator(h.Query); err != nil {
				statuses[i] = HintsInvalidLocal
				continue
			}
		}
		if !s.matches(e, l) || !mods.allows(l.Attrs) {
			statuses[i] = FixedMatchFail
			continue
		}
		mods.consume(l.Attrs)
	}
	return statuses
}

// Check returns, per hint, whether its fixed location satisfies the query.
func (s *Simple) Check(ctx context.Context, query segstore.Query, hints []Hint) ([]Status, error) {
	def, err := s.evaluator(query)
	if err != nil {
		return nil, statusError(EmptyStack, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkHints(def, hints, newModifiers(query), map[string]bool{}), nil
}

// Request picks a location for every Ask, never reusing a location within the request,
// then allocates all extents concurrently.
func (s *Simple) Request(ctx context.Context, req Request) (Result, error) {
	def, err := s.evaluator(req.Query)
	if err != nil {
		return Result{}, statusError(EmptyStack, err)
	}
	mods := newModifiers(req.Query)
	used := map[string]bool{}

	s.mu.Lock()
	statuses := s.checkHints(def, req.Hints, mods, used)
	chosen := make([]Location, len(req.Asks))
	for ai, a := range req.Asks {
		e := def
		if a.Slot >= 0 && a.Slot < len(req.Hints) && !req.Hints[a.Slot].Query.IsEmpty() {
			if e, err = s.evaluator(req.Hints[a.Slot].Query); err != nil {
				s.mu.Unlock()
				return Result{}, statusError(HintsInvalidLocal, err)
			}
		}
		found := false
		for j := 0; j < len(s.order); j++ {
			k := s.order[(s.cursor+j)%len(s.order)]
			l := s.locations[k]
			if used[k] || !s.matches(e, l) || !mods.allows(l.Attrs) {
				continue
			}
			used[k] = true
			mods.consume(l.Attrs)
			chosen[ai] = l
			s.cursor = (s.cursor + j + 1) % len(s.order)
			found = true
			break
		}
		if !found {
			s.mu.Unlock()
			return Result{Statuses: statuses}, statusError(NotEnoughLocations,
				fmt.Errorf("no location left for slot %d matching %s", a.Slot, req.Query))
		}
	}
	s.mu.Unlock()

	results := segstore.RunAll(ctx, segstore.DefaultConcurrency, len(req.Asks), func(ctx context.Context, i int) (segstore.Capabilities, error) {
		return s.store.Allocate(ctx, segstore.AllocateRequest{
			Endpoint:    chosen[i].Endpoint,
			Location:    chosen[i].Key,
			Size:        req.Asks[i].Size,
			Duration:    req.Duration,
			Reliability: segstore.Hard,
		})
	})
	r := Result{
		Allocations: make([]Allocation, len(req.Asks)),
		Statuses:    statuses,
	}
	for i, a := range req.Asks {
		r.Allocations[i] = Allocation{
			Slot:     a.Slot,
			Location: chosen[i].Key,
			Endpoint: chosen[i].Endpoint,
			Caps:     results[i].Value,
			Err:      results[i].Err,
		}
	}
	return r, nil
}
