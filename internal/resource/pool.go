package resource

import "sync"

// grant is delivered to a waiter. A nil sb means the waiter owns a reserved
// slot and must provision the sandbox itself.
type grant struct {
	sb *sandbox
}

type waiter struct {
	ch chan grant
}

// pool tracks one spec. Capacity is len(idle)+inUse+provisioning <= size.
type pool struct {
	spec Spec
	size int

	mu           sync.Mutex
	idle         []*sandbox
	inUse        int
	provisioning int
	waiters      []*waiter
}

// take grants immediately when nobody is queued ahead. Caller holds mu.
func (p *pool) take() (grant, bool) {
	if len(p.waiters) > 0 {
		return grant{}, false
	}
	if len(p.idle) > 0 {
		sb := p.idle[0]
		p.idle = p.idle[1:]
		p.inUse++
		return grant{sb: sb}, true
	}
	if len(p.idle)+p.inUse+p.provisioning < p.size {
		p.provisioning++
		return grant{}, true
	}
	return grant{}, false
}

// put hands a ready sandbox to the oldest waiter or parks it idle. The caller
// holds mu and has already removed sb from inUse/provisioning.
func (p *pool) put(sb *sandbox) {
	if w := p.popWaiter(); w != nil {
		p.inUse++
		w.ch <- grant{sb: sb}
		return
	}
	p.idle = append(p.idle, sb)
}

// vacate passes a freed slot to the oldest waiter as a provisioning grant.
// The caller holds mu and has already dropped the slot from the counters.
func (p *pool) vacate() {
	if w := p.popWaiter(); w != nil {
		p.provisioning++
		w.ch <- grant{}
	}
}

func (p *pool) popWaiter() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	return w
}

func (p *pool) removeWaiter(w *waiter) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}
