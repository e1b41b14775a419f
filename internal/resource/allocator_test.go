package resource_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/resource"
	"github.com/mattjoyce/airlock/internal/resource/mocks"
)

var win10 = resource.Spec{Platform: "windows", Arch: "amd64"}

func newAllocator(t *testing.T, size int, timeout time.Duration, prov resource.Provisioner) *resource.Allocator {
	t.Helper()
	if prov == nil {
		prov = resource.NewStaticProvisioner(map[resource.Spec][]string{win10: nil})
	}
	a, err := resource.New(resource.Config{
		AcquireTimeout:   timeout,
		ProvisionRetries: 2,
		ProvisionBackoff: time.Millisecond,
		Pools:            []resource.PoolConfig{{Spec: win10, Size: size}},
	}, prov, log.Discard())
	require.NoError(t, err)
	return a
}

func TestAcquireReleaseReusesSandbox(t *testing.T) {
	a := newAllocator(t, 1, time.Second, nil)
	ctx := context.Background()

	first, err := a.Acquire(ctx, win10)
	require.NoError(t, err)
	assert.Equal(t, resource.StateInUse, first.State())
	assert.NotEmpty(t, first.LeaseID)
	require.NoError(t, a.Release(first))
	assert.Equal(t, resource.StateReady, first.State())

	second, err := a.Acquire(ctx, win10)
	require.NoError(t, err)
	assert.Equal(t, first.Endpoint.Address, second.Endpoint.Address)
	assert.NotEqual(t, first.LeaseID, second.LeaseID)
	require.NoError(t, a.Release(second))

	st := a.Stats()
	assert.Equal(t, uint64(2), st.Acquired)
	assert.Equal(t, uint64(2), st.Released)
	require.Len(t, st.Pools, 1)
	assert.Equal(t, 1, st.Pools[0].Idle)
	assert.Equal(t, 0, st.Pools[0].InUse)
}

func TestAcquireUnknownSpec(t *testing.T) {
	a := newAllocator(t, 1, time.Second, nil)
	_, err := a.Acquire(context.Background(), resource.Spec{Platform: "linux", Arch: "arm64"})
	assert.ErrorIs(t, err, fault.ErrResourceExhausted)
	assert.Equal(t, uint64(0), a.Stats().Acquired)
}

func TestAcquireTimesOutAsExhausted(t *testing.T) {
	a := newAllocator(t, 1, 30*time.Millisecond, nil)
	held, err := a.Acquire(context.Background(), win10)
	require.NoError(t, err)

	start := time.Now()
	_, err = a.Acquire(context.Background(), win10)
	assert.ErrorIs(t, err, fault.ErrResourceExhausted)
	assert.True(t, fault.Retryable(err))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, a.Stats().Pools[0].Waiting)

	require.NoError(t, a.Release(held))
}

func TestAcquireCallerCancelled(t *testing.T) {
	a := newAllocator(t, 1, time.Minute, nil)
	held, err := a.Acquire(context.Background(), win10)
	require.NoError(t, err)
	defer a.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx, win10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitersServedInArrivalOrder(t *testing.T) {
	a := newAllocator(t, 1, 5*time.Second, nil)
	held, err := a.Acquire(context.Background(), win10)
	require.NoError(t, err)

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			alloc, err := a.Acquire(context.Background(), win10)
			if !assert.NoError(t, err) {
				return
			}
			order <- n
			time.Sleep(5 * time.Millisecond)
			assert.NoError(t, a.Release(alloc))
		}(i)
		require.Eventually(t, func() bool { return a.Stats().Pools[0].Waiting == i }, time.Second, time.Millisecond)
	}

	require.NoError(t, a.Release(held))
	wg.Wait()
	close(order)

	var got []int
	for n := range order {
		got = append(got, n)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestDoubleReleaseDoesNotFreeTwice(t *testing.T) {
	a := newAllocator(t, 1, 20*time.Millisecond, nil)
	alloc, err := a.Acquire(context.Background(), win10)
	require.NoError(t, err)

	require.NoError(t, a.Release(alloc))
	assert.ErrorIs(t, a.Release(alloc), resource.ErrAlreadyReleased)

	st := a.Stats()
	assert.Equal(t, uint64(1), st.Released)
	assert.Equal(t, 1, st.Pools[0].Idle)

	// Capacity is still one: a second concurrent lease must wait and time out.
	x, err := a.Acquire(context.Background(), win10)
	require.NoError(t, err)
	_, err = a.Acquire(context.Background(), win10)
	assert.ErrorIs(t, err, fault.ErrResourceExhausted)
	require.NoError(t, a.Release(x))
}

func TestProvisionRetriesThenFreesCapacity(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	prov := mocks.NewMockProvisioner(ctrl)
	boom := errors.New("hypervisor unreachable")
	gomock.InOrder(
		prov.EXPECT().Provision(gomock.Any(), win10).Return(resource.Endpoint{}, boom).Times(3),
		prov.EXPECT().Provision(gomock.Any(), win10).Return(resource.Endpoint{Address: "10.0.0.5"}, nil),
	)

	a := newAllocator(t, 1, time.Second, prov)

	_, err := a.Acquire(context.Background(), win10)
	assert.ErrorIs(t, err, fault.ErrResourceExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, a.Stats().Pools[0].Provisioning)

	alloc, err := a.Acquire(context.Background(), win10)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", alloc.Endpoint.Address)
	require.NoError(t, a.Release(alloc))
}

func TestFailedAllocationIsRecycled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	prov := mocks.NewMockProvisioner(ctrl)
	bad := resource.Endpoint{Address: "10.0.0.1"}
	good := resource.Endpoint{Address: "10.0.0.2"}
	gomock.InOrder(
		prov.EXPECT().Provision(gomock.Any(), win10).Return(bad, nil),
		prov.EXPECT().Deprovision(gomock.Any(), bad).Return(nil),
		prov.EXPECT().Provision(gomock.Any(), win10).Return(good, nil),
	)

	a := newAllocator(t, 1, time.Second, prov)
	alloc, err := a.Acquire(context.Background(), win10)
	require.NoError(t, err)

	alloc.MarkFailed("guest agent crashed")
	assert.Equal(t, resource.StateFailed, alloc.State())
	require.NoError(t, a.Release(alloc))

	next, err := a.Acquire(context.Background(), win10)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", next.Endpoint.Address)
	require.NoError(t, a.Release(next))
}

func TestConcurrentLeasesStayWithinCapacity(t *testing.T) {
	const size = 3
	a := newAllocator(t, size, 5*time.Second, nil)

	var inUse, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := a.Acquire(context.Background(), win10)
			if !assert.NoError(t, err) {
				return
			}
			n := inUse.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inUse.Add(-1)
			assert.NoError(t, a.Release(alloc))
		}()
	}
	wg.Wait()

	st := a.Stats()
	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.Equal(t, st.Acquired, st.Released)
	assert.Equal(t, uint64(40), st.Acquired)
	assert.Equal(t, 0, st.Pools[0].InUse)
	assert.LessOrEqual(t, st.Pools[0].Idle, size)
}

func TestStaticProvisionerEndpoints(t *testing.T) {
	sp := resource.NewStaticProvisioner(map[resource.Spec][]string{win10: {"10.1.0.1"}})
	ctx := context.Background()

	ep, err := sp.Provision(ctx, win10)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.1", ep.Address)

	_, err = sp.Provision(ctx, win10)
	assert.Error(t, err)

	require.NoError(t, sp.Deprovision(ctx, ep))
	assert.Error(t, sp.Deprovision(ctx, ep))

	ep, err = sp.Provision(ctx, win10)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.1", ep.Address)
}
