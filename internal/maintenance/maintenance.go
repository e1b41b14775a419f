// Package maintenance runs the periodic housekeeping pass: plugin health
// checks and task log retention.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/airlock/internal/events"
	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/plugin"
)

const checkConcurrency = 4

// Plugins is the part of plugin.Manager the health pass needs.
type Plugins interface {
	Instances() []*plugin.Instance
	Check(ctx context.Context, in *plugin.Instance, timeout time.Duration) error
}

// Pruner drops old task log rows.
type Pruner interface {
	PruneLog(ctx context.Context, retention time.Duration) (int64, error)
}

type Publisher interface {
	Publish(eventType string, data any)
}

type Config struct {
	Schedule     string
	PingTimeout  time.Duration
	LogRetention time.Duration
}

// Report summarises one pass.
type Report struct {
	Checked   int           `json:"checked"`
	Restarted int           `json:"restarted"`
	Failed    int           `json:"failed"`
	Pruned    int64         `json:"pruned"`
	Duration  time.Duration `json:"duration_ns"`
}

type Service struct {
	cfg      Config
	schedule cron.Schedule
	plugins  Plugins
	store    Pruner
	pub      Publisher
	logger   *slog.Logger

	mu   sync.Mutex
	last Report
}

// New parses the schedule up front so a bad expression fails at startup.
func New(cfg Config, plugins Plugins, store Pruner, pub Publisher, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = log.WithComponent("maintenance")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}
	return &Service{
		cfg:      cfg,
		schedule: sched,
		plugins:  plugins,
		store:    store,
		pub:      pub,
		logger:   logger,
	}, nil
}

// Run drives the schedule until ctx is cancelled. An in-progress pass is
// allowed to finish; overlapping ticks are skipped.
func (s *Service) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		s.RunOnce(ctx)
	}))

	s.logger.Info("maintenance scheduler started", "schedule", s.cfg.Schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
	return nil
}

// RunOnce performs a single pass and returns what it did.
func (s *Service) RunOnce(ctx context.Context) Report {
	start := time.Now()
	var rep Report
	var mu sync.Mutex

	if s.plugins != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(checkConcurrency)
		for _, in := range s.plugins.Instances() {
			switch in.State() {
			case plugin.StateStopped, plugin.StateStarting, plugin.StateBusy:
				continue
			}
			before := in.Info().Restarts
			g.Go(func() error {
				err := s.plugins.Check(gctx, in, s.cfg.PingTimeout)
				mu.Lock()
				defer mu.Unlock()
				rep.Checked++
				if err != nil {
					rep.Failed++
					s.logger.Warn("plugin health check failed", "instance", in.ID, "error", err)
					return nil
				}
				if in.Info().Restarts > before {
					rep.Restarted++
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if s.store != nil && s.cfg.LogRetention > 0 {
		n, err := s.store.PruneLog(ctx, s.cfg.LogRetention)
		if err != nil {
			s.logger.Error("task log prune failed", "error", err)
		}
		rep.Pruned = n
	}

	rep.Duration = time.Since(start)
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	if s.pub != nil {
		s.pub.Publish(events.MaintenanceRun, rep)
	}
	s.logger.Debug("maintenance pass complete",
		"checked", rep.Checked,
		"restarted", rep.Restarted,
		"failed", rep.Failed,
		"pruned", rep.Pruned,
	)
	return rep
}

// Last returns the most recent report.
func (s *Service) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
