package plugin

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// PluginType is the coarse role a plugin plays. Exclusive execution is scoped
// to a type.
type PluginType string

const (
	TypeStorage   PluginType = "storage"
	TypeNetwork   PluginType = "network"
	TypeScheduler PluginType = "scheduler"
	TypeAnalysis  PluginType = "analysis"
	TypeMonitor   PluginType = "monitor"
)

func (t PluginType) valid() bool {
	switch t {
	case TypeStorage, TypeNetwork, TypeScheduler, TypeAnalysis, TypeMonitor:
		return true
	}
	return false
}

// Transport selects how the host reaches a plugin process.
type Transport string

const (
	TransportStdio  Transport = "stdio"
	TransportUnix   Transport = "unix"
	TransportInProc Transport = "inproc"
)

// ModeKind enumerates execution modes.
type ModeKind int

const (
	ModeSequential ModeKind = iota
	ModeExclusive
	ModeParallel
	ModeUnrestricted
)

// ExecutionMode governs how many jobs a plugin (or its type) may run at once.
// Tag is only meaningful for ModeParallel.
type ExecutionMode struct {
	Kind ModeKind
	Tag  string
}

var (
	Exclusive    = ExecutionMode{Kind: ModeExclusive}
	Sequential   = ExecutionMode{Kind: ModeSequential}
	Unrestricted = ExecutionMode{Kind: ModeUnrestricted}
)

func Parallel(tag string) ExecutionMode {
	return ExecutionMode{Kind: ModeParallel, Tag: tag}
}

func (m ExecutionMode) String() string {
	switch m.Kind {
	case ModeExclusive:
		return "exclusive"
	case ModeSequential:
		return "sequential"
	case ModeParallel:
		return "parallel(" + m.Tag + ")"
	case ModeUnrestricted:
		return "unrestricted"
	default:
		return "unknown"
	}
}

// ParseExecutionMode accepts exclusive, sequential, unrestricted,
// parallel(tag) and parallel:tag. An empty string means sequential.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "sequential":
		return Sequential, nil
	case "exclusive":
		return Exclusive, nil
	case "unrestricted":
		return Unrestricted, nil
	}

	var tag string
	switch {
	case strings.HasPrefix(s, "parallel(") && strings.HasSuffix(s, ")"):
		tag = s[len("parallel(") : len(s)-1]
	case strings.HasPrefix(s, "parallel:"):
		tag = s[len("parallel:"):]
	case s == "parallel":
		return ExecutionMode{}, fmt.Errorf("parallel execution mode needs a tag: parallel(tag)")
	default:
		return ExecutionMode{}, fmt.Errorf("unknown execution mode %q", s)
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ExecutionMode{}, fmt.Errorf("parallel execution mode needs a tag: parallel(tag)")
	}
	return Parallel(tag), nil
}

func (m *ExecutionMode) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("execution_mode must be a string")
	}
	parsed, err := ParseExecutionMode(n.Value)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m ExecutionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Capability is a declared analysis function used for routing.
type Capability struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Capabilities accepts either a string list or a list of objects:
//
//	capabilities: [static, strings]
//	capabilities: [{name: static, description: PE header triage}]
type Capabilities []Capability

func (c *Capabilities) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*c = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("capabilities must be a sequence")
	}

	out := make([]Capability, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Capability{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp Capability
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid capability object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid capability entry (must be string or object)")
		}
	}

	*c = out
	return nil
}

func (c Capabilities) Names() []string {
	out := make([]string, 0, len(c))
	for _, x := range c {
		out = append(out, x.Name)
	}
	return out
}

// Manifest is the on-disk manifest.yaml of a plugin.
type Manifest struct {
	ManifestSpec    string        `yaml:"manifest_spec"`
	ManifestVersion int           `yaml:"manifest_version"`
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	Type            PluginType    `yaml:"type"`
	Entrypoint      string        `yaml:"entrypoint"`
	Transport       Transport     `yaml:"transport,omitempty"`
	Description     string        `yaml:"description,omitempty"`
	ExecutionMode   ExecutionMode `yaml:"execution_mode"`
	Replicas        int           `yaml:"replicas,omitempty"`
	Capabilities    Capabilities  `yaml:"capabilities"`
	RequiredPlugins []string      `yaml:"required_plugins,omitempty"`
}

// Metadata is the static description of an installed plugin.
type Metadata struct {
	Name            string
	Version         string
	Type            PluginType
	Capabilities    Capabilities
	Mode            ExecutionMode
	Description     string
	Path            string // plugin directory
	Entrypoint      string // absolute path to the executable
	Transport       Transport
	Replicas        int
	RequiredPlugins []string
}

// Supports reports whether the plugin declares capability.
func (m *Metadata) Supports(capability string) bool {
	for _, c := range m.Capabilities {
		if c.Name == capability {
			return true
		}
	}
	return false
}
