package config

import "time"

// Config represents the complete airlock configuration.
type Config struct {
	Include     []string          `yaml:"include,omitempty"`
	Service     ServiceConfig     `yaml:"service"`
	State       StateConfig       `yaml:"state"`
	API         APIConfig         `yaml:"api,omitempty"`
	Workers     WorkersConfig     `yaml:"workers"`
	Resources   ResourcesConfig   `yaml:"resources"`
	Plugins     PluginsConfig     `yaml:"plugins"`
	Channel     ChannelConfig     `yaml:"channel,omitempty"`
	Maintenance MaintenanceConfig `yaml:"maintenance,omitempty"`
	Notify      NotifyConfig      `yaml:"notify,omitempty"`

	// SourceFiles lists every file that contributed, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	PIDFile  string `yaml:"pid_file"`
}

// StateConfig selects the task store.
type StateConfig struct {
	Driver           string        `yaml:"driver"` // sqlite | mysql
	Path             string        `yaml:"path"`
	DSN              string        `yaml:"dsn,omitempty"`
	TaskLogRetention time.Duration `yaml:"task_log_retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

type WorkersConfig struct {
	Count          int           `yaml:"count"`
	TaskDeadline   time.Duration `yaml:"task_deadline"`
	MaxRequeues    int           `yaml:"max_requeues"`
	RequeueBackoff time.Duration `yaml:"requeue_backoff"`
}

type ResourcesConfig struct {
	AcquireTimeout   time.Duration `yaml:"acquire_timeout"`
	ProvisionRetries int           `yaml:"provision_retries"`
	ProvisionBackoff time.Duration `yaml:"provision_backoff"`
	Pools            []PoolConfig  `yaml:"pools"`
}

// PoolConfig is one sandbox pool. With no endpoints the pool hands out
// synthetic addresses.
type PoolConfig struct {
	Platform  string   `yaml:"platform"`
	Arch      string   `yaml:"arch"`
	Size      int      `yaml:"size"`
	Endpoints []string `yaml:"endpoints,omitempty"`
}

type PluginsConfig struct {
	Dirs                 []string       `yaml:"dirs"`
	StartupTimeout       time.Duration  `yaml:"startup_timeout"`
	StopGrace            time.Duration  `yaml:"stop_grace"`
	DefaultParallelLimit int            `yaml:"default_parallel_limit"`
	ParallelLimits       map[string]int `yaml:"parallel_limits,omitempty"`
}

// ChannelConfig sizes plugin channels. Zero values take the channel
// package defaults.
type ChannelConfig struct {
	QueueSize         int `yaml:"queue_size"`
	BufferSize        int `yaml:"buffer_size"`
	MaxFrameSize      int `yaml:"max_frame_size"`
	CompressThreshold int `yaml:"compress_threshold"`
}

type MaintenanceConfig struct {
	Schedule    string        `yaml:"schedule"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

type NotifyConfig struct {
	Redis   RedisConfig   `yaml:"redis"`
	Webhook WebhookConfig `yaml:"webhook"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// WebhookConfig posts outcomes to an HTTP endpoint, HMAC-signed when a
// secret is set.
type WebhookConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// Defaults returns a Config with every optional field set.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "airlock",
			LogLevel: "info",
			PIDFile:  "./data/airlock.pid",
		},
		State: StateConfig{
			Driver:           "sqlite",
			Path:             "./data/state.db",
			TaskLogRetention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Workers: WorkersConfig{
			Count:          4,
			TaskDeadline:   10 * time.Minute,
			MaxRequeues:    3,
			RequeueBackoff: 5 * time.Second,
		},
		Resources: ResourcesConfig{
			AcquireTimeout:   2 * time.Minute,
			ProvisionRetries: 2,
			ProvisionBackoff: 500 * time.Millisecond,
		},
		Plugins: PluginsConfig{
			Dirs:                 []string{"./plugins"},
			StartupTimeout:       10 * time.Second,
			StopGrace:            5 * time.Second,
			DefaultParallelLimit: 4,
		},
		Channel: ChannelConfig{
			CompressThreshold: 64 * 1024,
		},
		Maintenance: MaintenanceConfig{
			Schedule:    "@every 30s",
			PingTimeout: 5 * time.Second,
		},
		Notify: NotifyConfig{
			Redis: RedisConfig{
				Address: "127.0.0.1:6379",
				Channel: "airlock.outcomes",
			},
			Webhook: WebhookConfig{
				Timeout: 5 * time.Second,
			},
		},
	}
}
