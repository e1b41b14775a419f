package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/plugin"
)

func target(instance string, typ plugin.PluginType, mode plugin.ExecutionMode) Target {
	name := instance
	if i := len(instance) - 2; i > 0 && instance[i] == '-' {
		name = instance[:i]
	}
	return Target{Instance: instance, Name: name, Type: typ, Mode: mode}
}

func newEngine(limits map[string]int) *Engine {
	return New(Config{DefaultParallelLimit: 2, ParallelLimits: limits}, log.Discard())
}

func TestAdmissibility(t *testing.T) {
	yara0 := target("yara-0", plugin.TypeAnalysis, plugin.Sequential)
	yara1 := target("yara-1", plugin.TypeAnalysis, plugin.Sequential)
	capa := target("capa-0", plugin.TypeAnalysis, plugin.Unrestricted)
	mem := target("mem-0", plugin.TypeAnalysis, plugin.Exclusive)
	pcap := target("pcap-0", plugin.TypeNetwork, plugin.Exclusive)
	net0 := target("net-0", plugin.TypeNetwork, plugin.Parallel("io"))
	net1 := target("net-1", plugin.TypeNetwork, plugin.Parallel("io"))
	dns := target("dns-0", plugin.TypeMonitor, plugin.Parallel("io"))

	tests := []struct {
		name  string
		busy  []Target
		check Target
		want  bool
	}{
		{"idle sequential", nil, yara0, true},
		{"sequential blocks same name other replica", []Target{yara0}, yara1, false},
		{"sequential instance serves one job", []Target{yara0}, yara0, false},
		{"unrestricted serves many", []Target{capa, capa}, capa, true},
		{"exclusive blocked by busy type", []Target{capa}, mem, false},
		{"exclusive ignores other types", []Target{net0}, mem, true},
		{"busy exclusive blocks its type", []Target{mem}, capa, false},
		{"busy exclusive blocks sequential of type", []Target{mem}, yara0, false},
		{"busy exclusive leaves other types", []Target{mem}, net0, true},
		{"parallel under limit", []Target{net0}, net1, true},
		{"parallel at limit across types", []Target{net0, dns}, net1, false},
		{"parallel instance serves one job", []Target{net0}, net0, false},
		{"exclusive network blocked by parallel network", []Target{net0}, pcap, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(nil)
			for _, b := range tt.busy {
				require.NotNil(t, e.TryAdmit([]Target{b}), "busy %s", b.Instance)
			}
			got := e.TryAdmit([]Target{tt.check})
			assert.Equal(t, tt.want, got != nil)
		})
	}
}

func TestTypesAdmitUnderSeparateLocks(t *testing.T) {
	e := newEngine(nil)
	mem := target("mem-0", plugin.TypeAnalysis, plugin.Exclusive)
	pcap := target("pcap-0", plugin.TypeNetwork, plugin.Exclusive)

	sh := e.shard(plugin.TypeAnalysis)
	sh.mu.Lock()
	got := make(chan *Slot, 1)
	go func() { got <- e.TryAdmit([]Target{pcap}) }()
	select {
	case s := <-got:
		require.NotNil(t, s)
		s.Release()
	case <-time.After(time.Second):
		t.Fatal("network admission waited on the analysis lock")
	}
	sh.mu.Unlock()

	s := e.TryAdmit([]Target{mem})
	require.NotNil(t, s)
	s.Release()
	assert.Zero(t, e.Active())
}

func TestTryAdmitPicksFirstAdmissible(t *testing.T) {
	e := newEngine(nil)
	a := target("yara-0", plugin.TypeAnalysis, plugin.Sequential)
	b := target("capa-0", plugin.TypeAnalysis, plugin.Sequential)

	s1 := e.TryAdmit([]Target{a, b})
	require.NotNil(t, s1)
	assert.Equal(t, 0, s1.Index())

	s2 := e.TryAdmit([]Target{a, b})
	require.NotNil(t, s2)
	assert.Equal(t, 1, s2.Index())
	assert.Equal(t, "capa-0", s2.Target().Instance)

	assert.Nil(t, e.TryAdmit([]Target{a, b}))
	assert.Equal(t, 2, e.Active())
}

func TestSlotReleaseIsIdempotent(t *testing.T) {
	e := newEngine(nil)
	a := target("yara-0", plugin.TypeAnalysis, plugin.Sequential)

	s := e.TryAdmit([]Target{a})
	require.NotNil(t, s)
	s.Release()
	s.Release()
	assert.Equal(t, 0, e.Active())

	first := e.TryAdmit([]Target{a})
	require.NotNil(t, first)
	s.Release()
	assert.Nil(t, e.TryAdmit([]Target{a}), "stale slot must not free a live reservation")
	first.Release()

	var nilSlot *Slot
	nilSlot.Release()
}

func TestAdmitBlocksUntilRelease(t *testing.T) {
	e := newEngine(nil)
	mem := target("mem-0", plugin.TypeAnalysis, plugin.Exclusive)

	held, err := e.Admit(context.Background(), []Target{mem})
	require.NoError(t, err)

	got := make(chan *Slot, 1)
	go func() {
		s, err := e.Admit(context.Background(), []Target{mem})
		if err == nil {
			got <- s
		}
	}()

	select {
	case <-got:
		t.Fatal("second exclusive admission must wait")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()
	select {
	case s := <-got:
		s.Release()
	case <-time.After(time.Second):
		t.Fatal("admission not woken by release")
	}
}

func TestAdmitHonoursContext(t *testing.T) {
	e := newEngine(nil)
	mem := target("mem-0", plugin.TypeAnalysis, plugin.Exclusive)
	held := e.TryAdmit([]Target{mem})
	require.NotNil(t, held)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Admit(ctx, []Target{mem})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = e.Admit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

// runConcurrently admits jobs from many goroutines and records the peak
// number of simultaneous holders per key.
func runConcurrently(t *testing.T, e *Engine, jobs int, candidates []Target, key func(Target) string) map[string]int {
	t.Helper()
	var (
		mu   sync.Mutex
		cur  = map[string]int{}
		peak = map[string]int{}
		wg   sync.WaitGroup
		done atomic.Int32
	)
	for range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s, err := e.Admit(ctx, candidates)
			if !assert.NoError(t, err) {
				return
			}
			k := key(s.Target())
			mu.Lock()
			cur[k]++
			if cur[k] > peak[k] {
				peak[k] = cur[k]
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			cur[k]--
			mu.Unlock()
			s.Release()
			done.Add(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(jobs), done.Load())
	assert.Equal(t, 0, e.Active())
	return peak
}

func TestExclusiveNeverOverlapsWithinType(t *testing.T) {
	e := newEngine(nil)
	candidates := []Target{
		target("mem-0", plugin.TypeAnalysis, plugin.Exclusive),
		target("mem-1", plugin.TypeAnalysis, plugin.Exclusive),
		target("vol-0", plugin.TypeAnalysis, plugin.Exclusive),
	}
	peak := runConcurrently(t, e, 50, candidates, func(t Target) string { return string(t.Type) })
	assert.Equal(t, 1, peak[string(plugin.TypeAnalysis)])
}

func TestSequentialNeverOverlapsWithinName(t *testing.T) {
	e := newEngine(nil)
	candidates := []Target{
		target("yara-0", plugin.TypeAnalysis, plugin.Sequential),
		target("yara-1", plugin.TypeAnalysis, plugin.Sequential),
		target("capa-0", plugin.TypeAnalysis, plugin.Sequential),
	}
	peak := runConcurrently(t, e, 50, candidates, func(t Target) string { return t.Name })
	assert.LessOrEqual(t, peak["yara"], 1)
	assert.LessOrEqual(t, peak["capa"], 1)
}

func TestParallelRespectsTagLimit(t *testing.T) {
	e := newEngine(map[string]int{"io": 3})
	var candidates []Target
	for i := range 6 {
		candidates = append(candidates, target(fmt.Sprintf("net-%d", i), plugin.TypeNetwork, plugin.Parallel("io")))
	}
	peak := runConcurrently(t, e, 60, candidates, func(t Target) string { return t.Mode.Tag })
	assert.LessOrEqual(t, peak["io"], 3)
	assert.Equal(t, 3, e.Limit("io"))
	assert.Equal(t, 2, e.Limit("other"))
}
