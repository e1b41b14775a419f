package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/airlock/internal/api"
	"github.com/mattjoyce/airlock/internal/channel"
	"github.com/mattjoyce/airlock/internal/config"
	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/lock"
	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/maintenance"
	"github.com/mattjoyce/airlock/internal/notify"
	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/policy"
	"github.com/mattjoyce/airlock/internal/queue"
	"github.com/mattjoyce/airlock/internal/resource"
	"github.com/mattjoyce/airlock/internal/scheduler"
	"github.com/mattjoyce/airlock/internal/storage"
	"github.com/mattjoyce/airlock/internal/task"
	"github.com/mattjoyce/airlock/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func runStart(args []string) int {
	fs := newFlagSet("start")
	configPath := fs.StringP("config", "c", "", "Path to configuration file or directory")
	if !parseFlags(fs, args) {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("airlock starting", "version", version, "config", path)

	pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer d.close(logger)

	if err := d.run(ctx, logger); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("airlock stopped")
	return 0
}

// resolveConfigPath falls back to the standard config locations.
func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	discovered, err := config.DiscoverConfigDir()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func openState(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	target := cfg.State.Path
	if storage.Dialect(cfg.State.Driver) == storage.DialectMySQL {
		target = cfg.State.DSN
	}
	return storage.Open(ctx, cfg.State.Driver, target)
}

func pluginLogger(logger *slog.Logger) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		logger.Log(context.Background(), log.ParseLevel(level), msg, args...)
	}
}

// daemon is every long-running component of one airlock process.
type daemon struct {
	cfg       *config.Config
	db        *sql.DB
	hub       *events.Hub
	manager   *plugin.Manager
	allocator *resource.Allocator
	scheduler *scheduler.Scheduler
	pool      *worker.Pool
	upkeep    *maintenance.Service
	notifier  *notify.Notifier
	sink      *notify.RedisSink
	api       *api.Server
}

func buildDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, hub: events.NewHub(1024)}
	defer func() {
		if err != nil {
			d.close(logger)
		}
	}()

	d.db, err = openState(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	store := task.NewSQLStore(d.db)
	logger.Info("state store opened", "driver", cfg.State.Driver)

	registry, err := plugin.DiscoverMany(cfg.Plugins.Dirs, pluginLogger(log.WithComponent("discovery")))
	if err != nil {
		return nil, fmt.Errorf("plugin discovery: %w", err)
	}
	logger.Info("plugin discovery complete", "count", len(registry.All()))

	socketDir := filepath.Join(filepath.Dir(cfg.Service.PIDFile), "sockets")
	procs := &plugin.ProcessLauncher{SocketDir: socketDir, Logger: log.WithComponent("launcher")}
	chCfg := channel.DefaultConfig()
	if cfg.Channel.QueueSize > 0 {
		chCfg.QueueSize = cfg.Channel.QueueSize
	}
	if cfg.Channel.BufferSize > 0 {
		chCfg.BufferSize = cfg.Channel.BufferSize
	}
	if cfg.Channel.MaxFrameSize > 0 {
		chCfg.MaxFrameSize = cfg.Channel.MaxFrameSize
	}
	d.manager = plugin.NewManager(registry,
		plugin.Launchers{plugin.TransportStdio: procs, plugin.TransportUnix: procs},
		plugin.ManagerConfig{
			StartupTimeout:    cfg.Plugins.StartupTimeout,
			StopGrace:         cfg.Plugins.StopGrace,
			Channel:           chCfg,
			CompressThreshold: cfg.Channel.CompressThreshold,
		}, d.hub, log.WithComponent("plugins"))

	rcfg := resource.Config{
		AcquireTimeout:   cfg.Resources.AcquireTimeout,
		ProvisionRetries: cfg.Resources.ProvisionRetries,
		ProvisionBackoff: cfg.Resources.ProvisionBackoff,
	}
	endpoints := make(map[resource.Spec][]string, len(cfg.Resources.Pools))
	for _, p := range cfg.Resources.Pools {
		spec := resource.Spec{Platform: p.Platform, Arch: p.Arch}
		rcfg.Pools = append(rcfg.Pools, resource.PoolConfig{Spec: spec, Size: p.Size})
		endpoints[spec] = p.Endpoints
	}
	d.allocator, err = resource.New(rcfg, resource.NewStaticProvisioner(endpoints), log.WithComponent("resources"))
	if err != nil {
		return nil, fmt.Errorf("sandbox pools: %w", err)
	}

	d.scheduler = scheduler.New(store, queue.New(), registry, d.allocator, d.hub, log.WithComponent("scheduler"))
	if err := d.scheduler.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover tasks: %w", err)
	}

	d.pool = worker.NewPool(cfg.Workers.Count, worker.Config{
		TaskDeadline:   cfg.Workers.TaskDeadline,
		MaxRequeues:    cfg.Workers.MaxRequeues,
		RequeueBackoff: cfg.Workers.RequeueBackoff,
		PingTimeout:    cfg.Maintenance.PingTimeout,
	}, worker.Deps{
		Source:    d.scheduler,
		Store:     store,
		Resources: d.allocator,
		Plugins:   d.manager,
		Policy: policy.New(policy.Config{
			DefaultParallelLimit: cfg.Plugins.DefaultParallelLimit,
			ParallelLimits:       cfg.Plugins.ParallelLimits,
		}, log.WithComponent("policy")),
		Events: d.hub,
	}, log.WithComponent("workers"))

	d.upkeep, err = maintenance.New(maintenance.Config{
		Schedule:     cfg.Maintenance.Schedule,
		PingTimeout:  cfg.Maintenance.PingTimeout,
		LogRetention: cfg.State.TaskLogRetention,
	}, d.manager, store, d.hub, log.WithComponent("maintenance"))
	if err != nil {
		return nil, err
	}

	var sinks notify.Fanout
	if r := cfg.Notify.Redis; r.Enabled {
		d.sink, err = notify.NewRedisSink(ctx, notify.RedisConfig{
			Address:  r.Address,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d.sink)
		logger.Info("redis outcome notifications enabled", "redis", r.Address, "channel", r.Channel)
	}
	if wh := cfg.Notify.Webhook; wh.Enabled {
		hook, err := notify.NewWebhookSink(notify.WebhookConfig{URL: wh.URL, Secret: wh.Secret, Timeout: wh.Timeout})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, hook)
		logger.Info("webhook outcome notifications enabled", "signed", wh.Secret != "")
	}
	if len(sinks) > 0 {
		d.notifier = notify.New(d.hub, sinks, log.WithComponent("notify"))
	}

	if cfg.API.Enabled {
		d.api = api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, api.Deps{
			Tasks:     d.scheduler,
			Workers:   d.pool,
			Plugins:   d.manager,
			Resources: d.allocator,
			Events:    d.hub,
		}, log.WithComponent("api"))
	}

	if err := d.manager.StartAll(ctx); err != nil {
		// Instances that failed to start are retried lazily on first use.
		logger.Warn("some plugin instances failed to start", "error", err)
	}
	return d, nil
}

// run blocks until ctx is cancelled or a component fails.
func (d *daemon) run(ctx context.Context, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	component := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	component("workers", d.pool.Run)
	component("maintenance", d.upkeep.Run)
	if d.notifier != nil {
		component("notify", d.notifier.Run)
	}
	if d.api != nil {
		component("api", d.api.Start)
		logger.Info("API server enabled", "listen", d.cfg.API.Listen)
	}

	logger.Info("airlock running (press Ctrl+C to stop)",
		"workers", d.pool.Size(),
		"pools", len(d.cfg.Resources.Pools),
	)
	return g.Wait()
}

func (d *daemon) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d.scheduler != nil {
		d.scheduler.Close()
	}
	if d.manager != nil {
		if err := d.manager.Shutdown(ctx); err != nil {
			logger.Warn("plugin shutdown incomplete", "error", err)
		}
	}
	if d.allocator != nil {
		if err := d.allocator.Close(ctx); err != nil {
			logger.Warn("sandbox release incomplete", "error", err)
		}
	}
	if d.sink != nil {
		_ = d.sink.Close()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
}
