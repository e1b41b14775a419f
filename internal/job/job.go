package job

import (
	"sync"
	"time"

	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/resource"
	"github.com/mattjoyce/airlock/internal/task"
)

// Phase is a step in a job's protocol state machine.
type Phase string

const (
	PhaseClaimed     Phase = "claimed"
	PhaseHandshaking Phase = "handshaking"
	PhaseDispatched  Phase = "dispatched"
	PhaseRunning     Phase = "running"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhaseTimedOut    Phase = "timed_out"
	PhaseCancelled   Phase = "cancelled"
)

func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseTimedOut, PhaseCancelled:
		return true
	}
	return false
}

type Transition struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// Job is the live wrapper around a task while a worker drives it. The
// allocation and instance are set by the worker as it acquires them.
type Job struct {
	Task     task.Task
	Worker   int
	Attempt  int
	Deadline time.Time

	future *Future

	mu         sync.Mutex
	phase      Phase
	history    []Transition
	allocation *resource.Allocation
	instance   *plugin.Instance
	progress   float64
}

func New(t task.Task, f *Future, worker, attempt int) *Job {
	if f == nil {
		f = NewFuture()
	}
	j := &Job{Task: t, Worker: worker, Attempt: attempt, future: f}
	j.record(PhaseClaimed)
	return j
}

func (j *Job) record(p Phase) {
	j.phase = p
	j.history = append(j.history, Transition{Phase: p, At: time.Now().UTC()})
}

// Advance moves the job to p. Moves out of a terminal phase and repeats of
// the current phase are ignored.
func (j *Job) Advance(p Phase) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase.Terminal() || j.phase == p {
		return false
	}
	j.record(p)
	return true
}

func (j *Job) Phase() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

// History returns the phase transitions in order.
func (j *Job) History() []Transition {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Transition(nil), j.history...)
}

// Phases returns just the phase names of History.
func (j *Job) Phases() []Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Phase, len(j.history))
	for i, t := range j.history {
		out[i] = t.Phase
	}
	return out
}

// Reached reports whether the job has ever been in phase p.
func (j *Job) Reached(p Phase) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, t := range j.history {
		if t.Phase == p {
			return true
		}
	}
	return false
}

func (j *Job) SetAllocation(a *resource.Allocation) {
	j.mu.Lock()
	j.allocation = a
	j.mu.Unlock()
}

func (j *Job) Allocation() *resource.Allocation {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.allocation
}

func (j *Job) SetInstance(in *plugin.Instance) {
	j.mu.Lock()
	j.instance = in
	j.mu.Unlock()
}

func (j *Job) Instance() *plugin.Instance {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.instance
}

func (j *Job) SetProgress(pct float64) {
	j.mu.Lock()
	j.progress = pct
	j.mu.Unlock()
}

// Resolve records the outcome on the job's future. Only the first call
// counts.
func (j *Job) Resolve(o Outcome) bool { return j.future.Resolve(o) }

func (j *Job) Future() *Future { return j.future }

// Snapshot is a status view of the job.
type Snapshot struct {
	TaskID     string     `json:"task_id"`
	Capability string     `json:"capability"`
	Phase      Phase      `json:"phase"`
	Attempt    int        `json:"attempt"`
	Instance   string     `json:"instance,omitempty"`
	LeaseID    string     `json:"lease_id,omitempty"`
	Progress   float64    `json:"progress"`
	Since      time.Time  `json:"since"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		TaskID:     j.Task.ID.String(),
		Capability: j.Task.Capability,
		Phase:      j.phase,
		Attempt:    j.Attempt,
		Progress:   j.progress,
	}
	if len(j.history) > 0 {
		s.Since = j.history[0].At
	}
	if j.instance != nil {
		s.Instance = j.instance.ID
	}
	if j.allocation != nil {
		s.LeaseID = j.allocation.LeaseID
	}
	if !j.Deadline.IsZero() {
		d := j.Deadline
		s.Deadline = &d
	}
	return s
}
