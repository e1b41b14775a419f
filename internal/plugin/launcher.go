package plugin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/mattjoyce/airlock/internal/channel"
)

// Environment passed to plugin processes.
const (
	EnvChannelSocket = "AIRLOCK_CHANNEL_SOCKET"
	EnvInstanceID    = "AIRLOCK_INSTANCE_ID"
	EnvPluginName    = "AIRLOCK_PLUGIN_NAME"
	EnvPluginType    = "AIRLOCK_PLUGIN_TYPE"
)

// Process is the running side of a launched plugin.
type Process interface {
	// Done is closed once the plugin has exited.
	Done() <-chan struct{}
	// Terminate asks the plugin to exit (SIGTERM for subprocesses).
	Terminate() error
	// Kill forcibly stops the plugin.
	Kill() error
}

// Launcher starts a plugin and returns the host-role end of its channel.
type Launcher interface {
	Launch(ctx context.Context, meta *Metadata, instanceID string, cfg channel.Config) (channel.Endpoint, Process, error)
}

// Launchers dispatches on the plugin's declared transport.
type Launchers map[Transport]Launcher

func (l Launchers) Launch(ctx context.Context, meta *Metadata, instanceID string, cfg channel.Config) (channel.Endpoint, Process, error) {
	transport := meta.Transport
	if transport == "" {
		transport = TransportStdio
	}
	launcher, ok := l[transport]
	if !ok {
		return nil, nil, fmt.Errorf("no launcher for transport %q", transport)
	}
	return launcher.Launch(ctx, meta, instanceID, cfg)
}

// ProcessLauncher runs plugins as subprocesses. With the stdio transport,
// frames travel over the child's stdin/stdout; with the unix transport, the
// child dials the socket named in AIRLOCK_CHANNEL_SOCKET. Stderr is forwarded
// to the log either way.
type ProcessLauncher struct {
	SocketDir string
	Logger    *slog.Logger
}

func (pl *ProcessLauncher) Launch(ctx context.Context, meta *Metadata, instanceID string, cfg channel.Config) (channel.Endpoint, Process, error) {
	cmd := exec.Command(meta.Entrypoint)
	cmd.Dir = meta.Path
	cmd.Env = append(os.Environ(),
		EnvInstanceID+"="+instanceID,
		EnvPluginName+"="+meta.Name,
		EnvPluginType+"="+string(meta.Type),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Plain os pipes rather than cmd.StdoutPipe: Wait must not close the read
	// ends while frames are still buffered in them.
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stderr = stderrW
	defer stderrW.Close()

	switch meta.Transport {
	case TransportUnix:
		return pl.launchUnix(ctx, cmd, stderr, meta, instanceID, cfg)
	default:
		return pl.launchStdio(cmd, stderr, meta, instanceID, cfg)
	}
}

func (pl *ProcessLauncher) launchStdio(cmd *exec.Cmd, stderr *os.File, meta *Metadata, instanceID string, cfg channel.Config) (channel.Endpoint, Process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	err = cmd.Start()
	stdoutW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, nil, fmt.Errorf("start process: %w", err)
	}

	proc := newExecProcess(cmd)
	go pl.forwardStderr(stderr, meta.Name, instanceID)
	go proc.wait()

	ep := channel.NewStream(channel.RoleHost, channel.JoinPipes(stdout, stdin), cfg)
	return ep, proc, nil
}

func (pl *ProcessLauncher) launchUnix(ctx context.Context, cmd *exec.Cmd, stderr *os.File, meta *Metadata, instanceID string, cfg channel.Config) (channel.Endpoint, Process, error) {
	dir := pl.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	ln, err := channel.Listen(filepath.Join(dir, "airlock-"+instanceID+".sock"))
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	cmd.Env = append(cmd.Env, EnvChannelSocket+"="+ln.Path())
	if err := cmd.Start(); err != nil {
		stderr.Close()
		return nil, nil, fmt.Errorf("start process: %w", err)
	}

	proc := newExecProcess(cmd)
	go pl.forwardStderr(stderr, meta.Name, instanceID)
	go proc.wait()

	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-acceptCtx.Done():
		}
	}()

	ep, err := ln.Accept(acceptCtx, cfg)
	if err != nil {
		_ = proc.Kill()
		return nil, nil, fmt.Errorf("plugin did not connect: %w", err)
	}
	return ep, proc, nil
}

func (pl *ProcessLauncher) forwardStderr(r io.ReadCloser, name, instanceID string) {
	defer r.Close()
	logger := pl.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("plugin", name, "instance", instanceID)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		logger.Info("plugin stderr", "line", sc.Text())
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func newExecProcess(cmd *exec.Cmd) *execProcess {
	return &execProcess{cmd: cmd, done: make(chan struct{})}
}

func (p *execProcess) wait() {
	p.err = p.cmd.Wait()
	close(p.done)
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	// Setpgid makes the pid the group id, so this reaches helpers the plugin forked.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// ServeFunc is the body of an in-process plugin. It owns ep and returns when
// the plugin exits.
type ServeFunc func(ctx context.Context, ep channel.Endpoint) error

// InProcessLauncher runs plugins as goroutines over a memory channel pair.
// It backs built-in plugins and tests.
type InProcessLauncher struct {
	mu    sync.RWMutex
	funcs map[string]ServeFunc
}

func NewInProcessLauncher() *InProcessLauncher {
	return &InProcessLauncher{funcs: make(map[string]ServeFunc)}
}

// Register binds a plugin name to its implementation.
func (l *InProcessLauncher) Register(name string, fn ServeFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs[name] = fn
}

func (l *InProcessLauncher) Launch(_ context.Context, meta *Metadata, _ string, cfg channel.Config) (channel.Endpoint, Process, error) {
	l.mu.RLock()
	fn, ok := l.funcs[meta.Name]
	l.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no in-process implementation for plugin %q", meta.Name)
	}

	host, pluginEnd := channel.Pair(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	proc := &goroutineProcess{done: make(chan struct{}), cancel: cancel, ep: pluginEnd}
	go func() {
		defer close(proc.done)
		defer pluginEnd.Close()
		_ = fn(ctx, pluginEnd)
	}()
	return host, proc, nil
}

type goroutineProcess struct {
	done   chan struct{}
	cancel context.CancelFunc
	ep     channel.Endpoint
}

func (p *goroutineProcess) Done() <-chan struct{} { return p.done }

func (p *goroutineProcess) Terminate() error {
	p.cancel()
	return nil
}

func (p *goroutineProcess) Kill() error {
	p.cancel()
	return p.ep.Close()
}
