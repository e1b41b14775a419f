// Package resource leases sandbox VMs from bounded per-spec pools.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/log"
)

const (
	defaultAcquireTimeout   = 2 * time.Minute
	defaultProvisionBackoff = 500 * time.Millisecond
	teardownTimeout         = 2 * time.Minute
)

// Allocator hands out sandboxes. Each spec has its own sub-pool and lock, so
// acquisitions for different platforms never contend.
type Allocator struct {
	cfg    Config
	prov   Provisioner
	pools  map[Spec]*pool
	logger *slog.Logger

	acquired atomic.Uint64
	released atomic.Uint64
}

// New builds an allocator. Pools are filled lazily: a sandbox is provisioned
// the first time capacity is needed and then reused across leases.
func New(cfg Config, prov Provisioner, logger *slog.Logger) (*Allocator, error) {
	if prov == nil {
		return nil, errors.New("resource: provisioner is required")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.ProvisionBackoff <= 0 {
		cfg.ProvisionBackoff = defaultProvisionBackoff
	}
	if cfg.ProvisionRetries < 0 {
		cfg.ProvisionRetries = 0
	}
	if logger == nil {
		logger = log.WithComponent("resource")
	}

	a := &Allocator{
		cfg:    cfg,
		prov:   prov,
		pools:  make(map[Spec]*pool, len(cfg.Pools)),
		logger: logger,
	}
	for _, pc := range cfg.Pools {
		if pc.Size <= 0 {
			return nil, fmt.Errorf("resource: pool %s has size %d", pc.Spec, pc.Size)
		}
		if _, dup := a.pools[pc.Spec]; dup {
			return nil, fmt.Errorf("resource: duplicate pool %s", pc.Spec)
		}
		a.pools[pc.Spec] = &pool{spec: pc.Spec, size: pc.Size}
	}
	return a, nil
}

// Acquire leases a sandbox matching spec. It waits in arrival order behind
// earlier callers and fails with resource_exhausted once the acquire timeout
// elapses. If ctx itself ends first, ctx.Err() is returned.
func (a *Allocator) Acquire(ctx context.Context, spec Spec) (*Allocation, error) {
	p, ok := a.pools[spec]
	if !ok {
		return nil, fault.Newf(fault.CodeResourceExhausted, "no sandbox pool for %s", spec)
	}

	g, err := a.wait(ctx, p)
	if err != nil {
		return nil, err
	}

	sb := g.sb
	if sb == nil {
		sb, err = a.provision(ctx, spec)
		if err != nil {
			p.mu.Lock()
			p.provisioning--
			p.vacate()
			p.mu.Unlock()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		p.mu.Lock()
		p.provisioning--
		p.inUse++
		p.mu.Unlock()
	}

	alloc := &Allocation{
		LeaseID:  uuid.NewString(),
		Spec:     spec,
		Endpoint: sb.endpoint,
		pool:     p,
		sb:       sb,
	}
	alloc.state.Store(int32(StateInUse))
	a.acquired.Add(1)
	a.logger.Debug("sandbox leased", "lease_id", alloc.LeaseID, "spec", spec.String(), "address", sb.endpoint.Address)
	return alloc, nil
}

func (a *Allocator) wait(ctx context.Context, p *pool) (grant, error) {
	p.mu.Lock()
	if g, ok := p.take(); ok {
		p.mu.Unlock()
		return g, nil
	}
	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(a.cfg.AcquireTimeout)
	defer timer.Stop()

	var cause error
	select {
	case g := <-w.ch:
		return g, nil
	case <-timer.C:
		cause = fault.Newf(fault.CodeResourceExhausted, "no %s sandbox available within %s", p.spec, a.cfg.AcquireTimeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removeWaiter(w) {
		return grant{}, cause
	}
	// A grant raced the timeout. Pass it on rather than leak it.
	g := <-w.ch
	if g.sb != nil {
		p.inUse--
		p.put(g.sb)
	} else {
		p.provisioning--
		p.vacate()
	}
	return grant{}, cause
}

func (a *Allocator) provision(ctx context.Context, spec Spec) (*sandbox, error) {
	backoff := a.cfg.ProvisionBackoff
	var lastErr error
	attempts := a.cfg.ProvisionRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		ep, err := a.prov.Provision(ctx, spec)
		if err == nil {
			return &sandbox{id: uuid.NewString(), endpoint: ep}, nil
		}
		lastErr = err
		a.logger.Warn("provision failed", "spec", spec.String(), "attempt", attempt, "error", err)
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fault.Wrap(fault.CodeResourceExhausted, lastErr,
		fmt.Sprintf("provision %s failed after %d attempts", spec, attempts))
}

// Release returns the allocation to its pool. A failed allocation is torn down
// and replaced asynchronously. Calling Release again returns
// ErrAlreadyReleased and leaves pool capacity untouched.
func (a *Allocator) Release(alloc *Allocation) error {
	if alloc == nil || alloc.pool == nil {
		return errors.New("resource: release of unknown allocation")
	}
	if !alloc.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	a.released.Add(1)
	p := alloc.pool

	if reason := alloc.FailReason(); reason != "" {
		p.mu.Lock()
		p.inUse--
		p.provisioning++
		p.mu.Unlock()
		a.logger.Warn("sandbox failed, recycling", "lease_id", alloc.LeaseID, "spec", p.spec.String(), "reason", reason)
		go a.recycle(p, alloc.sb)
		return nil
	}

	alloc.state.Store(int32(StateReleasing))
	p.mu.Lock()
	p.inUse--
	p.put(alloc.sb)
	p.mu.Unlock()
	alloc.state.Store(int32(StateReady))
	a.logger.Debug("sandbox released", "lease_id", alloc.LeaseID, "spec", p.spec.String())
	return nil
}

// recycle deprovisions a failed sandbox and provisions its replacement. The
// slot stays counted as provisioning throughout.
func (a *Allocator) recycle(p *pool, old *sandbox) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := a.prov.Deprovision(ctx, old.endpoint); err != nil {
		a.logger.Error("deprovision failed", "spec", p.spec.String(), "address", old.endpoint.Address, "error", err)
	}

	sb, err := a.provision(ctx, p.spec)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisioning--
	if err != nil {
		a.logger.Error("reprovision failed, capacity freed", "spec", p.spec.String(), "error", err)
		p.vacate()
		return
	}
	p.put(sb)
}

// Close deprovisions idle sandboxes. Leased ones are left to their owners.
func (a *Allocator) Close(ctx context.Context) error {
	var errs []error
	for _, p := range a.pools {
		p.mu.Lock()
		idle := p.idle
		p.idle = nil
		p.mu.Unlock()
		for _, sb := range idle {
			if err := a.prov.Deprovision(ctx, sb.endpoint); err != nil {
				errs = append(errs, fmt.Errorf("deprovision %s: %w", sb.endpoint.Address, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Specs lists the configured pool specs.
func (a *Allocator) Specs() []Spec {
	out := make([]Spec, 0, len(a.pools))
	for s := range a.pools {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Has reports whether a pool exists for spec.
func (a *Allocator) Has(spec Spec) bool {
	_, ok := a.pools[spec]
	return ok
}

func (a *Allocator) Stats() Stats {
	st := Stats{Acquired: a.acquired.Load(), Released: a.released.Load()}
	for _, spec := range a.Specs() {
		p := a.pools[spec]
		p.mu.Lock()
		st.Pools = append(st.Pools, PoolStats{
			Platform:     spec.Platform,
			Arch:         spec.Arch,
			Size:         p.size,
			Idle:         len(p.idle),
			InUse:        p.inUse,
			Provisioning: p.provisioning,
			Waiting:      len(p.waiters),
		})
		p.mu.Unlock()
	}
	return st
}
