package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/airlock/internal/api"
	"github.com/mattjoyce/airlock/internal/lock"
	"github.com/mattjoyce/airlock/internal/task"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

// writeWorkspace lays out a config dir with one executable plugin and
// returns the config directory.
func writeWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	cfgDir := filepath.Join(root, "config")
	pluginDir := filepath.Join(root, "plugins", "hasher")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), []byte(`manifest_spec: airlock.plugin
manifest_version: 1
name: hasher
version: 1.2.0
type: analysis
entrypoint: run.sh
capabilities:
  - name: hash
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte("#!/bin/sh\nexit 0\n"), 0o755))

	cfg := `service:
  pid_file: ` + filepath.Join(root, "data", "airlock.pid") + `
state:
  path: ` + filepath.Join(root, "data", "state.db") + `
plugins:
  dirs: [` + filepath.Join(root, "plugins") + `]
resources:
  pools:
    - platform: windows
      arch: amd64
      size: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(cfg), 0o644))
	return cfgDir
}

func TestVersionJSON(t *testing.T) {
	code, stdout, _ := runCaptured(t, "version", "--json")
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
}

func TestVersionRejectsArgs(t *testing.T) {
	code, _, stderr := runCaptured(t, "version", "extra")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: airlock version")
}

func TestShortenCommit(t *testing.T) {
	assert.Equal(t, "abc", shortenCommit("abc"))
	assert.Equal(t, "0123456789ab", shortenCommit("0123456789abcdef"))
}

func TestHelpAndUnknown(t *testing.T) {
	code, stdout, _ := runCaptured(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "task submit")

	code, _, stderr := runCaptured(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, _, stderr = runCaptured(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage:")
}

func TestNounDispatch(t *testing.T) {
	code, stdout, _ := runCaptured(t, "task", "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "submit, get, cancel")

	code, _, stderr := runCaptured(t, "task", "explode")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown task action: explode")

	code, stdout, _ = runCaptured(t, "config", "lock", "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Usage: airlock config lock")

	code, _, stderr = runCaptured(t, "plugin")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: airlock plugin <action>")
}

func TestConfigCheck(t *testing.T) {
	dir := writeWorkspace(t)

	code, stdout, _ := runCaptured(t, "config", "check", "--config", dir, "--json")
	require.Equal(t, 0, code)
	var res struct {
		Valid bool     `json:"valid"`
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, []string{filepath.Join(dir, "config.yaml")}, res.Files)

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "config.yaml"), []byte("workers:\n  count: 0\n"), 0o644))
	code, _, stderr := runCaptured(t, "config", "check", "-c", bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Configuration invalid")
	assert.Contains(t, stderr, "workers.count must be positive")
}

func TestConfigLockThenCheck(t *testing.T) {
	dir := writeWorkspace(t)

	code, stdout, _ := runCaptured(t, "config", "lock", "-c", dir, "--dry-run")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Would write")
	assert.NoFileExists(t, filepath.Join(dir, ".checksums"))

	code, stdout, _ = runCaptured(t, "config", "lock", "-c", dir, "-v")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Wrote")
	assert.Contains(t, stdout, "config.yaml")
	assert.FileExists(t, filepath.Join(dir, ".checksums"))

	code, _, _ = runCaptured(t, "config", "check", "-c", dir)
	assert.Equal(t, 0, code)

	// Tampering after lock fails the check.
	f, err := os.OpenFile(filepath.Join(dir, "config.yaml"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, _ = runCaptured(t, "config", "check", "-c", dir)
	assert.Equal(t, 1, code)
}

func TestPluginList(t *testing.T) {
	dir := writeWorkspace(t)

	code, stdout, _ := runCaptured(t, "plugin", "list", "-c", dir, "--json")
	require.Equal(t, 0, code)

	var entries []pluginEntry
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "hasher", entries[0].Name)
	assert.Equal(t, "1.2.0", entries[0].Version)
	assert.Equal(t, "stdio", entries[0].Transport)
	assert.Equal(t, []string{"hash"}, entries[0].Capabilities)

	code, stdout, _ = runCaptured(t, "plugin", "list", "-c", dir)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "NAME")
	assert.Contains(t, stdout, "hasher")
}

func TestSystemStatus(t *testing.T) {
	dir := writeWorkspace(t)

	code, stdout, _ := runCaptured(t, "system", "status", "-c", dir, "--json")
	require.Equal(t, 0, code, stdout)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.True(t, report.Healthy)
	names := make(map[string]statusCheck)
	for _, c := range report.Checks {
		names[c.Name] = c
	}
	assert.Equal(t, "not running", names["daemon"].Detail)
	assert.Equal(t, "sqlite", names["state"].Detail)
	assert.Equal(t, "1 discovered", names["plugins"].Detail)
}

func TestSystemStatusSeesRunningDaemon(t *testing.T) {
	dir := writeWorkspace(t)
	pidPath := filepath.Join(filepath.Dir(dir), "data", "airlock.pid")
	held, err := lock.AcquirePIDLock(pidPath)
	require.NoError(t, err)
	defer held.Release()

	code, stdout, _ := runCaptured(t, "system", "status", "-c", dir)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "daemon")
	assert.Contains(t, stdout, "pid")
}

func TestSystemStatusBadConfig(t *testing.T) {
	code, stdout, _ := runCaptured(t, "system", "status", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "FAIL")
}

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"depth=3", "name=calc.exe", "deep=true", `tags=["a","b"]`, "empty="})
	require.NoError(t, err)
	assert.Equal(t, 3.0, p["depth"])
	assert.Equal(t, "calc.exe", p["name"])
	assert.Equal(t, true, p["deep"])
	assert.Equal(t, []any{"a", "b"}, p["tags"])
	assert.Equal(t, "", p["empty"])

	p, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

// fakeDaemon serves the task endpoints the CLI talks to.
type fakeDaemon struct {
	id       uuid.UUID
	polls    atomic.Int32
	lastAuth atomic.Value
	submit   api.SubmitRequest
	cancel   api.CancelRequest
}

func (f *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth.Store(r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&f.submit)
		if f.submit.Capability == "unknown" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "no plugin supports capability", Code: "unroutable"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.SubmitResponse{TaskID: f.id.String(), Status: task.StatusQueued})
	})
	mux.HandleFunc("GET /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != f.id.String() {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "task not found"})
			return
		}
		rec := task.Record{Task: task.Task{ID: f.id, Capability: "hash", SampleRef: "/tmp/s"}, Status: task.StatusRunning}
		if f.polls.Add(1) >= 2 {
			rec.Status = task.StatusSucceeded
			rec.Result = map[string]any{"digest": "abc"}
		}
		_ = json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("DELETE /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.cancel)
		_ = json.NewEncoder(w).Encode(task.Record{Task: task.Task{ID: f.id}, Status: task.StatusCancelled})
	})
	return mux
}

func startFakeDaemon(t *testing.T) (*fakeDaemon, string) {
	t.Helper()
	f := &fakeDaemon{id: uuid.New()}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func TestTaskSubmit(t *testing.T) {
	f, url := startFakeDaemon(t)

	code, stdout, stderr := runCaptured(t, "task", "submit", "--api-url", url, "--api-key", "k1",
		"-s", "/samples/a.exe", "-C", "hash", "-p", "5", "--param", "depth=2")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, f.id.String(), strings.TrimSpace(stdout))
	assert.Equal(t, "Bearer k1", f.lastAuth.Load())
	assert.Equal(t, "/samples/a.exe", f.submit.SampleRef)
	assert.Equal(t, 5, f.submit.Priority)
	assert.Equal(t, 2.0, f.submit.Parameters["depth"])
}

func TestTaskSubmitValidation(t *testing.T) {
	code, _, stderr := runCaptured(t, "task", "submit", "-s", "/x")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--sample and --capability are required")

	_, url := startFakeDaemon(t)
	code, _, stderr = runCaptured(t, "task", "submit", "--api-url", url, "-s", "/x", "-C", "unknown")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no plugin supports capability (unroutable, HTTP 422)")
}

func TestWaitForTask(t *testing.T) {
	f, url := startFakeDaemon(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := waitForTask(ctx, newAPIClient(url, ""), f.id.String(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, rec.Status)
	assert.EqualValues(t, 2, f.polls.Load())
}

func TestTaskGetAndCancel(t *testing.T) {
	f, url := startFakeDaemon(t)
	f.polls.Store(5)

	code, stdout, _ := runCaptured(t, "task", "get", f.id.String(), "--api-url", url)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "status:     succeeded")
	assert.Contains(t, stdout, `"digest": "abc"`)

	code, _, stderr := runCaptured(t, "task", "get", uuid.NewString(), "--api-url", url)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "task not found (HTTP 404)")

	code, _, stderr = runCaptured(t, "task", "get", "--api-url", url)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: airlock task get")

	code, stdout, _ = runCaptured(t, "task", "cancel", f.id.String(), "--api-url", url, "--reason", "operator")
	require.Equal(t, 0, code)
	assert.Equal(t, f.id.String()+" cancelled\n", stdout)
	assert.Equal(t, "operator", f.cancel.Reason)
}

func TestPrintRecordExitCodes(t *testing.T) {
	code, _, _ := captureOutputWithExitCode(t, func() int {
		return printRecord(&task.Record{Status: task.StatusFailed, Code: "timeout"}, false)
	})
	assert.Equal(t, 2, code)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return printRecord(&task.Record{Status: task.StatusCancelled}, true)
	})
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, `"status": "cancelled"`)
}
