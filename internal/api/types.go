package api

import (
	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/resource"
	"github.com/mattjoyce/airlock/internal/scheduler"
	"github.com/mattjoyce/airlock/internal/task"
	"github.com/mattjoyce/airlock/internal/worker"
)

// SubmitRequest is the JSON body for POST /tasks.
type SubmitRequest struct {
	SampleRef  string         `json:"sample_ref"`
	Capability string         `json:"capability"`
	Platform   string         `json:"platform,omitempty"`
	Arch       string         `json:"arch,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SubmitResponse is returned with 202 Accepted.
type SubmitResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// CancelRequest is the optional JSON body for DELETE /tasks/{id}.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string          `json:"status"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Queue         scheduler.Stats `json:"queue"`
	Resources     resource.Stats  `json:"resources"`
	PluginsLoaded int             `json:"plugins_loaded"`
}

type WorkersResponse struct {
	Workers []worker.Status `json:"workers"`
}

type PluginsResponse struct {
	Instances []plugin.InstanceInfo `json:"instances"`
}
