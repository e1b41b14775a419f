package protocol

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Kind tags the payload carried by a Message.
type Kind string

const (
	KindTask    Kind = "task"
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
	KindResult  Kind = "result"
)

// Message is the envelope exchanged over a channel. CorrelationID equals the
// task id for job traffic and is uuid.Nil for instance-level traffic such as
// the Ready handshake.
type Message struct {
	CorrelationID uuid.UUID       `cbor:"correlation_id"`
	Kind          Kind            `cbor:"type"`
	Payload       cbor.RawMessage `cbor:"payload,omitempty"`
}

// TaskPayload asks a plugin to run one capability against one sample.
type TaskPayload struct {
	Capability string         `cbor:"capability"`
	SampleRef  string         `cbor:"sample_ref"`
	Sandbox    string         `cbor:"sandbox,omitempty"`
	Parameters map[string]any `cbor:"parameters,omitempty"`
	DeadlineAt time.Time      `cbor:"deadline_at"`
}

// Op is a command opcode.
type Op string

const (
	OpCancel    Op = "cancel"
	OpPing      Op = "ping"
	OpTerminate Op = "terminate"
	// OpRunning is sent plugin to host once a task is actively executing.
	OpRunning Op = "running"
)

type CommandPayload struct {
	Op   Op             `cbor:"op"`
	Args map[string]any `cbor:"args,omitempty"`
}

// EventKind classifies an Event payload.
type EventKind string

const (
	EventLog       EventKind = "log"
	EventProgress  EventKind = "progress"
	EventPong      EventKind = "pong"
	EventLifecycle EventKind = "lifecycle"
)

type EventPayload struct {
	Kind      EventKind      `cbor:"kind"`
	Level     string         `cbor:"level,omitempty"`
	Message   string         `cbor:"message,omitempty"`
	Data      map[string]any `cbor:"data,omitempty"`
	Lifecycle *PluginEvent   `cbor:"lifecycle,omitempty"`
}

// LifecycleKind is the plugin lifecycle notification type.
type LifecycleKind string

const (
	LifecycleReady     LifecycleKind = "ready"
	LifecycleCompleted LifecycleKind = "completed"
	LifecycleFailed    LifecycleKind = "failed"
)

// PluginEvent is a lifecycle notification. Ready precedes any work; per job a
// plugin ends with exactly one Completed or Failed (or the equivalent Result).
type PluginEvent struct {
	Kind            LifecycleKind `cbor:"kind"`
	ID              string        `cbor:"id"`
	PluginType      string        `cbor:"plugin_type,omitempty"`
	RequiredPlugins []string      `cbor:"required_plugins,omitempty"`
	Reason          string        `cbor:"reason,omitempty"`
}

type ResultPayload struct {
	Success bool           `cbor:"success"`
	Data    map[string]any `cbor:"data,omitempty"`
	Error   string         `cbor:"error,omitempty"`
}
