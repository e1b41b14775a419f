// Package task holds the durable record of submitted analysis tasks.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusQueued || s == StatusRunning || s.Terminal()
}

var (
	ErrNotFound = errors.New("task not found")
	ErrTerminal = errors.New("task already has a terminal status")
)

// Task is an immutable unit of requested analysis work.
type Task struct {
	ID          uuid.UUID      `json:"id"`
	SampleRef   string         `json:"sample_ref"`
	Capability  string         `json:"capability"`
	Platform    string         `json:"platform"`
	Arch        string         `json:"arch"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Priority    int            `json:"priority"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Result is what a terminal transition records.
type Result struct {
	Status Status
	Code   string
	Reason string
	Data   map[string]any
}

// Record is a task together with its current status.
type Record struct {
	Task
	Status      Status         `json:"status"`
	Code        string         `json:"code,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/airlock/internal/task Store

// Store persists tasks and their status transitions.
type Store interface {
	Create(ctx context.Context, t Task) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason string) error
	Finish(ctx context.Context, id uuid.UUID, res Result) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	ListByStatus(ctx context.Context, status Status) ([]*Record, error)
	PruneLog(ctx context.Context, retention time.Duration) (int64, error)
}
