// Package e2e drives a full engine (HTTP API, scheduler, worker pool,
// sandbox allocator, in-process plugin, sqlite store) through real requests.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/airlock/internal/api"
	"github.com/mattjoyce/airlock/internal/channel"
	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/job"
	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/notify"
	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/policy"
	"github.com/mattjoyce/airlock/internal/queue"
	"github.com/mattjoyce/airlock/internal/resource"
	"github.com/mattjoyce/airlock/internal/scheduler"
	"github.com/mattjoyce/airlock/internal/storage"
	"github.com/mattjoyce/airlock/internal/task"
	"github.com/mattjoyce/airlock/internal/worker"
	"github.com/mattjoyce/airlock/pkg/sdk"
)

const apiKey = "e2e-key"

type memorySink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (s *memorySink) Send(_ context.Context, payload []byte) error {
	var n notify.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) find(taskID string) (notify.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.sent {
		if n.TaskID == taskID {
			return n, true
		}
	}
	return notify.Notification{}, false
}

// triage answers "static" at once and blocks on "detonate" until cancelled.
func triage(ctx context.Context, t *sdk.Task) (map[string]any, error) {
	switch t.Capability {
	case "static":
		_ = t.Progress(ctx, 50, "hashing")
		return map[string]any{"sample": t.SampleRef, "sandbox": t.Sandbox}, nil
	default:
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type engine struct {
	srv  *httptest.Server
	sink *memorySink
	hub  *events.Hub
}

func startEngine(t *testing.T) *engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	store := task.NewSQLStore(db)
	hub := events.NewHub(512)

	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(&plugin.Metadata{
		Name:         "triage",
		Version:      "1.0.0",
		Type:         plugin.TypeAnalysis,
		Capabilities: plugin.Capabilities{{Name: "static"}, {Name: "detonate"}},
		Mode:         plugin.Sequential,
		Transport:    plugin.TransportInProc,
		Replicas:     2,
	}))
	launcher := plugin.NewInProcessLauncher()
	launcher.Register("triage", func(ctx context.Context, ep channel.Endpoint) error {
		return sdk.Serve(ctx, ep, sdk.Info{ID: "triage", Type: "analysis"}, sdk.HandlerFunc(triage), sdk.WithLogger(log.Discard()))
	})
	mgr := plugin.NewManager(reg, launcher, plugin.ManagerConfig{
		StartupTimeout: 2 * time.Second,
		StopGrace:      200 * time.Millisecond,
	}, hub, log.Discard())

	spec := resource.Spec{Platform: "windows", Arch: "amd64"}
	alloc, err := resource.New(resource.Config{
		Pools:          []resource.PoolConfig{{Spec: spec, Size: 2}},
		AcquireTimeout: 2 * time.Second,
	}, resource.NewStaticProvisioner(map[resource.Spec][]string{spec: {"10.0.0.1", "10.0.0.2"}}), log.Discard())
	require.NoError(t, err)

	sched := scheduler.New(store, queue.New(), reg, alloc, hub, log.Discard())
	pool := worker.NewPool(2, worker.Config{
		TaskDeadline: 10 * time.Second,
		MaxRequeues:  1,
		PingTimeout:  time.Second,
	}, worker.Deps{
		Source:    sched,
		Store:     store,
		Resources: alloc,
		Plugins:   mgr,
		Policy:    policy.New(policy.Config{DefaultParallelLimit: 2}, log.Discard()),
		Events:    hub,
	}, log.Discard())

	sink := &memorySink{}
	notifier := notify.New(hub, sink, log.Discard())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = notifier.Run(ctx) }()
	require.NoError(t, mgr.StartAll(ctx))
	go func() { defer wg.Done(); _ = pool.Run(ctx) }()

	srv := httptest.NewServer(api.New(api.Config{APIKey: apiKey}, api.Deps{
		Tasks:     sched,
		Workers:   pool,
		Plugins:   mgr,
		Resources: alloc,
		Events:    hub,
	}, log.Discard()).Handler())

	t.Cleanup(func() {
		srv.Close()
		cancel()
		wg.Wait()
		sched.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = mgr.Shutdown(sctx)
		_ = alloc.Close(sctx)
		_ = db.Close()
	})
	return &engine{srv: srv, sink: sink, hub: hub}
}

func (e *engine) call(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *engine) submit(t *testing.T, capability string) string {
	t.Helper()
	var resp api.SubmitResponse
	code := e.call(t, http.MethodPost, "/tasks", api.SubmitRequest{
		SampleRef:  "/samples/dropper.exe",
		Capability: capability,
	}, &resp)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, resp.TaskID)
	return resp.TaskID
}

func (e *engine) waitStatus(t *testing.T, id string, want task.Status) task.Record {
	t.Helper()
	var rec task.Record
	require.Eventually(t, func() bool {
		rec = task.Record{}
		e.call(t, http.MethodGet, "/tasks/"+id, nil, &rec)
		return rec.Status == want
	}, 5*time.Second, 20*time.Millisecond, "task %s never reached %s", id, want)
	return rec
}

func TestSubmitRunsToCompletion(t *testing.T) {
	e := startEngine(t)
	id := e.submit(t, "static")

	rec := e.waitStatus(t, id, task.StatusSucceeded)
	assert.Equal(t, "/samples/dropper.exe", rec.Result["sample"])
	assert.Contains(t, []any{"10.0.0.1", "10.0.0.2"}, rec.Result["sandbox"])
	assert.Equal(t, "windows", rec.Platform, "empty platform is filled from the first pool")
	require.NotNil(t, rec.CompletedAt)

	require.Eventually(t, func() bool {
		n, ok := e.sink.find(id)
		return ok && n.Status == job.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelRunningTask(t *testing.T) {
	e := startEngine(t)
	id := e.submit(t, "detonate")
	e.waitStatus(t, id, task.StatusRunning)

	code := e.call(t, http.MethodDelete, "/tasks/"+id, api.CancelRequest{Reason: "analyst abort"}, nil)
	require.Equal(t, http.StatusAccepted, code)

	rec := e.waitStatus(t, id, task.StatusCancelled)
	assert.Contains(t, rec.Reason, "analyst abort")

	// A finished task cannot be cancelled again.
	var errResp api.ErrorResponse
	code = e.call(t, http.MethodDelete, "/tasks/"+id, nil, &errResp)
	assert.Equal(t, http.StatusConflict, code)

	// The engine keeps serving after a cancellation.
	next := e.submit(t, "static")
	e.waitStatus(t, next, task.StatusSucceeded)
}

func TestRejectsUnroutableCapability(t *testing.T) {
	e := startEngine(t)

	var errResp api.ErrorResponse
	code := e.call(t, http.MethodPost, "/tasks", api.SubmitRequest{
		SampleRef:  "/samples/dropper.exe",
		Capability: "memory-forensics",
	}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "unroutable", errResp.Code)

	var health api.HealthzResponse
	require.Equal(t, http.StatusOK, e.call(t, http.MethodGet, "/healthz", nil, &health))
	assert.Equal(t, 2, health.PluginsLoaded)
	assert.Zero(t, health.Queue.Queued)
}

func TestEventsRecordLifecycle(t *testing.T) {
	e := startEngine(t)
	id := e.submit(t, "static")
	e.waitStatus(t, id, task.StatusSucceeded)

	seen := make(map[string]bool)
	for _, ev := range e.hub.SnapshotSince(0) {
		seen[ev.Type] = true
	}
	for _, want := range []string{events.TaskSubmitted, events.JobClaimed, events.JobFinished, events.PluginReady} {
		assert.True(t, seen[want], "missing %s event", want)
	}
}
