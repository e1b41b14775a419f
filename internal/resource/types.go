package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrAlreadyReleased is returned by a second Release of the same allocation.
var ErrAlreadyReleased = errors.New("allocation already released")

// Spec selects a sandbox flavour.
type Spec struct {
	Platform string
	Arch     string
}

func (s Spec) String() string { return s.Platform + "/" + s.Arch }

// Endpoint addresses a running sandbox.
type Endpoint struct {
	Address string
	Meta    map[string]string
}

// State is the lifecycle state of an allocation.
type State int32

const (
	StateProvisioning State = iota
	StateReady
	StateInUse
	StateReleasing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateInUse:
		return "in_use"
	case StateReleasing:
		return "releasing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Provisioner turns a Spec into a running sandbox and tears it down.
// Implementations may retry internally; the allocator adds its own bounded
// retry on top.
//
//go:generate mockgen -destination=mocks/mock_provisioner.go -package=mocks github.com/mattjoyce/airlock/internal/resource Provisioner
type Provisioner interface {
	Provision(ctx context.Context, spec Spec) (Endpoint, error)
	Deprovision(ctx context.Context, ep Endpoint) error
}

// Config controls pool sizing and provisioning retries.
type Config struct {
	AcquireTimeout   time.Duration
	ProvisionRetries int
	ProvisionBackoff time.Duration
	Pools            []PoolConfig
}

type PoolConfig struct {
	Spec Spec
	Size int
}

type sandbox struct {
	id       string
	endpoint Endpoint
}

// Allocation is a leased sandbox. It is owned by exactly one job until
// Release.
type Allocation struct {
	LeaseID  string
	Spec     Spec
	Endpoint Endpoint

	pool     *pool
	sb       *sandbox
	state    atomic.Int32
	released atomic.Bool
	failed   atomic.Pointer[string]
}

func (a *Allocation) State() State { return State(a.state.Load()) }

// MarkFailed flags the sandbox as unusable. Release then tears it down and
// reprovisions in the background instead of returning it to the pool.
func (a *Allocation) MarkFailed(reason string) {
	a.failed.CompareAndSwap(nil, &reason)
	a.state.Store(int32(StateFailed))
}

// FailReason returns the reason given to MarkFailed, if any.
func (a *Allocation) FailReason() string {
	if r := a.failed.Load(); r != nil {
		return *r
	}
	return ""
}

// PoolStats is a point-in-time view of one sub-pool.
type PoolStats struct {
	Platform     string `json:"platform"`
	Arch         string `json:"arch"`
	Size         int    `json:"size"`
	Idle         int    `json:"idle"`
	InUse        int    `json:"in_use"`
	Provisioning int    `json:"provisioning"`
	Waiting      int    `json:"waiting"`
}

type Stats struct {
	Pools    []PoolStats `json:"pools"`
	Acquired uint64      `json:"acquired"`
	Released uint64      `json:"released"`
}
