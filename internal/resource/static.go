package resource

import (
	"context"
	"fmt"
	"sync"
)

// StaticProvisioner leases pre-provisioned sandbox addresses from
// configuration. A spec with no configured addresses gets synthetic
// sandbox:// endpoints, which is enough for plugins that run on the host.
type StaticProvisioner struct {
	mu    sync.Mutex
	free  map[Spec][]string
	used  map[string]Spec
	seq   map[Spec]int
	synth map[Spec]bool
}

func NewStaticProvisioner(endpoints map[Spec][]string) *StaticProvisioner {
	sp := &StaticProvisioner{
		free:  make(map[Spec][]string),
		used:  make(map[string]Spec),
		seq:   make(map[Spec]int),
		synth: make(map[Spec]bool),
	}
	for spec, addrs := range endpoints {
		if len(addrs) == 0 {
			sp.synth[spec] = true
			continue
		}
		sp.free[spec] = append([]string(nil), addrs...)
	}
	return sp
}

func (sp *StaticProvisioner) Provision(ctx context.Context, spec Spec) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.synth[spec] {
		sp.seq[spec]++
		addr := fmt.Sprintf("sandbox://%s/%s/%d", spec.Platform, spec.Arch, sp.seq[spec])
		sp.used[addr] = spec
		return Endpoint{Address: addr, Meta: map[string]string{"kind": "synthetic"}}, nil
	}

	free := sp.free[spec]
	if len(free) == 0 {
		return Endpoint{}, fmt.Errorf("no free static endpoint for %s", spec)
	}
	addr := free[0]
	sp.free[spec] = free[1:]
	sp.used[addr] = spec
	return Endpoint{Address: addr, Meta: map[string]string{"kind": "static"}}, nil
}

func (sp *StaticProvisioner) Deprovision(_ context.Context, ep Endpoint) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	spec, ok := sp.used[ep.Address]
	if !ok {
		return fmt.Errorf("endpoint %s is not leased", ep.Address)
	}
	delete(sp.used, ep.Address)
	if !sp.synth[spec] {
		sp.free[spec] = append(sp.free[spec], ep.Address)
	}
	return nil
}
