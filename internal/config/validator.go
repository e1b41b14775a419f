package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks every section and returns all problems joined together.
func Validate(cfg *Config) error {
	v := &validator{}

	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		v.addf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.State.Driver {
	case "sqlite":
		if cfg.State.Path == "" {
			v.addf("state.path is required for the sqlite driver")
		}
	case "mysql":
		if cfg.State.DSN == "" {
			v.addf("state.dsn is required for the mysql driver")
		}
		v.unresolved("state.dsn", cfg.State.DSN)
	default:
		v.addf("state.driver must be sqlite or mysql (got %q)", cfg.State.Driver)
	}
	if cfg.State.TaskLogRetention <= 0 {
		v.addf("state.task_log_retention must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			v.addf("api.listen is required when the API is enabled")
		}
		v.unresolved("api.api_key", cfg.API.APIKey)
	}

	if cfg.Workers.Count <= 0 {
		v.addf("workers.count must be positive (got %d)", cfg.Workers.Count)
	}
	if cfg.Workers.TaskDeadline <= 0 {
		v.addf("workers.task_deadline must be positive")
	}
	if cfg.Workers.MaxRequeues < 0 {
		v.addf("workers.max_requeues must not be negative")
	}
	if cfg.Workers.RequeueBackoff < 0 {
		v.addf("workers.requeue_backoff must not be negative")
	}

	v.validatePools(cfg.Resources)

	if len(cfg.Plugins.Dirs) == 0 {
		v.addf("plugins.dirs must list at least one directory")
	}
	if cfg.Plugins.StartupTimeout <= 0 {
		v.addf("plugins.startup_timeout must be positive")
	}
	if cfg.Plugins.DefaultParallelLimit <= 0 {
		v.addf("plugins.default_parallel_limit must be positive")
	}
	for tag, n := range cfg.Plugins.ParallelLimits {
		if n <= 0 {
			v.addf("plugins.parallel_limits.%s must be positive (got %d)", tag, n)
		}
	}

	if cfg.Channel.QueueSize < 0 || cfg.Channel.BufferSize < 0 || cfg.Channel.MaxFrameSize < 0 || cfg.Channel.CompressThreshold < 0 {
		v.addf("channel sizes must not be negative")
	}

	if _, err := cron.ParseStandard(cfg.Maintenance.Schedule); err != nil {
		v.addf("maintenance.schedule %q: %v", cfg.Maintenance.Schedule, err)
	}
	if cfg.Maintenance.PingTimeout <= 0 {
		v.addf("maintenance.ping_timeout must be positive")
	}

	if r := cfg.Notify.Redis; r.Enabled {
		if r.Address == "" {
			v.addf("notify.redis.address is required when redis notification is enabled")
		}
		if r.Channel == "" {
			v.addf("notify.redis.channel is required when redis notification is enabled")
		}
		v.unresolved("notify.redis.password", r.Password)
	}
	if wh := cfg.Notify.Webhook; wh.Enabled {
		if wh.URL == "" {
			v.addf("notify.webhook.url is required when webhook notification is enabled")
		}
		if wh.Timeout <= 0 {
			v.addf("notify.webhook.timeout must be positive")
		}
		v.unresolved("notify.webhook.url", wh.URL)
		v.unresolved("notify.webhook.secret", wh.Secret)
	}

	return v.err()
}

func (v *validator) validatePools(rc ResourcesConfig) {
	if len(rc.Pools) == 0 {
		v.addf("resources.pools must define at least one sandbox pool")
	}
	seen := make(map[string]bool)
	for i, p := range rc.Pools {
		if p.Platform == "" || p.Arch == "" {
			v.addf("resources.pools[%d]: platform and arch are required", i)
			continue
		}
		key := p.Platform + "/" + p.Arch
		if seen[key] {
			v.addf("resources.pools[%d]: duplicate pool %s", i, key)
		}
		seen[key] = true
		if p.Size <= 0 {
			v.addf("resources.pools[%d] (%s): size must be positive", i, key)
		}
		if len(p.Endpoints) > 0 && len(p.Endpoints) < p.Size {
			v.addf("resources.pools[%d] (%s): %d endpoints cannot fill size %d", i, key, len(p.Endpoints), p.Size)
		}
	}
	if rc.AcquireTimeout <= 0 {
		v.addf("resources.acquire_timeout must be positive")
	}
	if rc.ProvisionRetries < 0 {
		v.addf("resources.provision_retries must not be negative")
	}
}

type validator struct {
	errs []error
}

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

// unresolved rejects values still holding a ${VAR} placeholder, naming the
// variable but never the value.
func (v *validator) unresolved(field, value string) {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		v.addf("%s: environment variable ${%s} is not set", field, m[1])
	}
}

func (v *validator) err() error {
	return errors.Join(v.errs...)
}
