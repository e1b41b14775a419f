// Package policy decides whether a plugin instance may take another job,
// given its execution mode and what is already running.
//
// The engine keeps its own reservation counts rather than reading instance
// states, so a check and the reservation it leads to happen under one lock.
package policy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/plugin"
)

const DefaultParallelLimit = 4

var ErrNoCandidates = errors.New("no candidate instances")

// Config sets concurrency limits for parallel-mode plugins.
type Config struct {
	DefaultParallelLimit int
	ParallelLimits       map[string]int
}

// Target identifies an instance to the engine.
type Target struct {
	Instance string
	Name     string
	Type     plugin.PluginType
	Mode     plugin.ExecutionMode
}

// TargetOf describes a plugin instance.
func TargetOf(in *plugin.Instance) Target {
	return Target{
		Instance: in.ID,
		Name:     in.Meta.Name,
		Type:     in.Meta.Type,
		Mode:     in.Meta.Mode,
	}
}

// Engine tracks admitted jobs and admits new ones. Reservations are kept per
// plugin type, each type under its own lock, since no mode looks past its
// type except the parallel tag limit. Tag counters have their own locks and
// are always taken after the type lock.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	shardsMu sync.RWMutex
	shards   map[plugin.PluginType]*shard

	tagsMu sync.RWMutex
	tags   map[string]*tagCount

	active atomic.Int64

	wakeMu sync.Mutex
	wake   chan struct{}
}

// shard holds the reservations for one plugin type.
type shard struct {
	mu         sync.Mutex
	byInstance map[string]int
	byName     map[string]int
	total      int
	exclusive  int
}

type tagCount struct {
	mu sync.Mutex
	n  int
}

func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.DefaultParallelLimit <= 0 {
		cfg.DefaultParallelLimit = DefaultParallelLimit
	}
	if logger == nil {
		logger = log.WithComponent("policy")
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		shards: make(map[plugin.PluginType]*shard),
		tags:   make(map[string]*tagCount),
		wake:   make(chan struct{}),
	}
}

// Limit returns the concurrency limit for a parallel tag.
func (e *Engine) Limit(tag string) int {
	if n, ok := e.cfg.ParallelLimits[tag]; ok && n > 0 {
		return n
	}
	return e.cfg.DefaultParallelLimit
}

func (e *Engine) shard(t plugin.PluginType) *shard {
	e.shardsMu.RLock()
	sh, ok := e.shards[t]
	e.shardsMu.RUnlock()
	if ok {
		return sh
	}
	e.shardsMu.Lock()
	defer e.shardsMu.Unlock()
	if sh, ok := e.shards[t]; ok {
		return sh
	}
	sh = &shard{byInstance: make(map[string]int), byName: make(map[string]int)}
	e.shards[t] = sh
	return sh
}

func (e *Engine) tag(name string) *tagCount {
	e.tagsMu.RLock()
	tc, ok := e.tags[name]
	e.tagsMu.RUnlock()
	if ok {
		return tc
	}
	e.tagsMu.Lock()
	defer e.tagsMu.Unlock()
	if tc, ok := e.tags[name]; ok {
		return tc
	}
	tc = &tagCount{}
	e.tags[name] = tc
	return tc
}

// admissible must be called with sh.mu held. The parallel tag limit is
// checked separately by claimTag.
func (sh *shard) admissible(t Target) bool {
	// A running exclusive job owns its whole plugin type.
	if sh.exclusive > 0 {
		return false
	}
	switch t.Mode.Kind {
	case plugin.ModeUnrestricted:
		return true
	case plugin.ModeExclusive:
		return sh.total == 0
	}

	if sh.byInstance[t.Instance] > 0 {
		return false
	}
	switch t.Mode.Kind {
	case plugin.ModeSequential:
		return sh.byName[t.Name] == 0
	case plugin.ModeParallel:
		return true
	}
	return false
}

// claimTag takes one unit of the tag's limit if any is left.
func (e *Engine) claimTag(tag string) bool {
	tc := e.tag(tag)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.n >= e.Limit(tag) {
		return false
	}
	tc.n++
	return true
}

// tryOne checks and reserves t under its type's lock.
func (e *Engine) tryOne(t Target) *Slot {
	sh := e.shard(t.Type)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if !sh.admissible(t) {
		return nil
	}
	if t.Mode.Kind == plugin.ModeParallel && !e.claimTag(t.Mode.Tag) {
		return nil
	}
	sh.byInstance[t.Instance]++
	sh.byName[t.Name]++
	sh.total++
	if t.Mode.Kind == plugin.ModeExclusive {
		sh.exclusive++
	}
	e.active.Add(1)
	return &Slot{engine: e, target: t}
}

func (e *Engine) release(t Target) {
	sh := e.shard(t.Type)
	sh.mu.Lock()
	decr(sh.byInstance, t.Instance)
	decr(sh.byName, t.Name)
	sh.total--
	if t.Mode.Kind == plugin.ModeExclusive {
		sh.exclusive--
	}
	if t.Mode.Kind == plugin.ModeParallel {
		tc := e.tag(t.Mode.Tag)
		tc.mu.Lock()
		tc.n--
		tc.mu.Unlock()
	}
	sh.mu.Unlock()
	e.active.Add(-1)

	e.wakeMu.Lock()
	close(e.wake)
	e.wake = make(chan struct{})
	e.wakeMu.Unlock()
}

// waiter returns the channel closed by the next release.
func (e *Engine) waiter() <-chan struct{} {
	e.wakeMu.Lock()
	defer e.wakeMu.Unlock()
	return e.wake
}

func decr[K comparable](m map[K]int, k K) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

// TryAdmit reserves the first admissible candidate, in order. It returns nil
// when none is admissible right now.
func (e *Engine) TryAdmit(candidates []Target) *Slot {
	for i, t := range candidates {
		if s := e.tryOne(t); s != nil {
			s.index = i
			return s
		}
	}
	return nil
}

// Admit blocks until one of the candidates is admissible or ctx ends. Every
// release re-runs the decision for blocked callers.
func (e *Engine) Admit(ctx context.Context, candidates []Target) (*Slot, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	logged := false
	for {
		// Taken before the attempt so a release racing it still wakes us.
		wake := e.waiter()
		if s := e.TryAdmit(candidates); s != nil {
			e.logger.Debug("admitted", "instance", s.target.Instance, "mode", s.target.Mode.String())
			return s, nil
		}

		if !logged {
			e.logger.Debug("admission blocked", "candidates", len(candidates), "first", candidates[0].Instance)
			logged = true
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Active returns the number of reserved slots.
func (e *Engine) Active() int {
	return int(e.active.Load())
}

// Slot is one admitted job's reservation.
type Slot struct {
	engine   *Engine
	target   Target
	index    int
	released atomic.Bool
}

func (s *Slot) Target() Target { return s.target }

// Index is the position of the admitted target in the candidate list.
func (s *Slot) Index() int { return s.index }

// Release returns the reservation. Only the first call has any effect.
func (s *Slot) Release() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	s.engine.release(s.target)
}
