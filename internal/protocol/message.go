package protocol

import (
	"github.com/google/uuid"

	"github.com/mattjoyce/airlock/internal/fault"
)

func newMessage(id uuid.UUID, kind Kind, payload any) (Message, error) {
	raw, err := encMode.Marshal(payload)
	if err != nil {
		return Message{}, fault.Wrap(fault.CodeProtocolError, err, "encode "+string(kind)+" payload")
	}
	return Message{CorrelationID: id, Kind: kind, Payload: raw}, nil
}

// NewTask builds a Task message correlated to the task id.
func NewTask(id uuid.UUID, p TaskPayload) (Message, error) {
	return newMessage(id, KindTask, p)
}

// NewCommand builds a Command message.
func NewCommand(id uuid.UUID, op Op, args map[string]any) (Message, error) {
	return newMessage(id, KindCommand, CommandPayload{Op: op, Args: args})
}

// NewEvent builds an Event message.
func NewEvent(id uuid.UUID, p EventPayload) (Message, error) {
	return newMessage(id, KindEvent, p)
}

// NewResult builds a Result message.
func NewResult(id uuid.UUID, p ResultPayload) (Message, error) {
	return newMessage(id, KindResult, p)
}

// NewReady builds the handshake event. It carries no correlation id.
func NewReady(instanceID, pluginType string, required []string) (Message, error) {
	return NewEvent(uuid.Nil, EventPayload{
		Kind: EventLifecycle,
		Lifecycle: &PluginEvent{
			Kind:            LifecycleReady,
			ID:              instanceID,
			PluginType:      pluginType,
			RequiredPlugins: required,
		},
	})
}

func (m Message) decode(want Kind, v any) error {
	if m.Kind != want {
		return fault.Newf(fault.CodeProtocolError, "expected %s message, got %s", want, m.Kind)
	}
	if len(m.Payload) == 0 {
		return fault.Newf(fault.CodeProtocolError, "%s message has no payload", want)
	}
	if err := decMode.Unmarshal(m.Payload, v); err != nil {
		return fault.Wrap(fault.CodeProtocolError, err, "decode "+string(want)+" payload")
	}
	return nil
}

func (m Message) Task() (TaskPayload, error) {
	var p TaskPayload
	return p, m.decode(KindTask, &p)
}

func (m Message) Command() (CommandPayload, error) {
	var p CommandPayload
	return p, m.decode(KindCommand, &p)
}

func (m Message) Event() (EventPayload, error) {
	var p EventPayload
	return p, m.decode(KindEvent, &p)
}

func (m Message) Result() (ResultPayload, error) {
	var p ResultPayload
	return p, m.decode(KindResult, &p)
}

// Lifecycle returns the lifecycle event carried by m, or nil when m is not a
// lifecycle event.
func (m Message) Lifecycle() *PluginEvent {
	if m.Kind != KindEvent {
		return nil
	}
	ev, err := m.Event()
	if err != nil || ev.Kind != EventLifecycle {
		return nil
	}
	return ev.Lifecycle
}
