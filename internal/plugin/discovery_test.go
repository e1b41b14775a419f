package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writePlugin(t *testing.T, root, dir, manifest string) {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
}

const triageManifest = `manifest_spec: airlock.plugin
manifest_version: 1
name: triage
version: 0.3.1
type: analysis
entrypoint: run.sh
execution_mode: parallel(static)
replicas: 2
capabilities:
  - static
  - name: strings
    description: printable string extraction
`

func TestDiscoverMany(t *testing.T) {
	tests := []struct {
		name      string
		setupFn   func(t *testing.T) []string
		wantNames []string
		wantErr   bool
		checkFn   func(t *testing.T, reg *Registry)
	}{
		{
			name: "valid plugin discovered",
			setupFn: func(t *testing.T) []string {
				dir := t.TempDir()
				writePlugin(t, dir, "triage", triageManifest)
				return []string{dir}
			},
			wantNames: []string{"triage"},
			checkFn: func(t *testing.T, reg *Registry) {
				meta, ok := reg.Get("triage")
				require.True(t, ok)
				assert.Equal(t, TypeAnalysis, meta.Type)
				assert.Equal(t, Parallel("static"), meta.Mode)
				assert.Equal(t, 2, meta.Replicas)
				assert.Equal(t, TransportStdio, meta.Transport)
				assert.Equal(t, []string{"static", "strings"}, meta.Capabilities.Names())
				assert.Equal(t, "printable string extraction", meta.Capabilities[1].Description)
				assert.True(t, filepath.IsAbs(meta.Entrypoint))
			},
		},
		{
			name: "invalid type skipped",
			setupFn: func(t *testing.T) []string {
				dir := t.TempDir()
				writePlugin(t, dir, "bad", `manifest_spec: airlock.plugin
manifest_version: 1
name: bad
type: sorcery
entrypoint: run.sh
capabilities: [static]
`)
				writePlugin(t, dir, "triage", triageManifest)
				return []string{dir}
			},
			wantNames: []string{"triage"},
		},
		{
			name: "missing capabilities skipped",
			setupFn: func(t *testing.T) []string {
				dir := t.TempDir()
				writePlugin(t, dir, "empty", `manifest_spec: airlock.plugin
manifest_version: 1
name: empty
type: monitor
entrypoint: run.sh
`)
				return []string{dir}
			},
			wantNames: nil,
		},
		{
			name: "duplicate keeps first root",
			setupFn: func(t *testing.T) []string {
				first, second := t.TempDir(), t.TempDir()
				writePlugin(t, first, "triage", triageManifest)
				writePlugin(t, second, "triage", triageManifest)
				return []string{first, second}
			},
			wantNames: []string{"triage"},
		},
		{
			name: "missing root",
			setupFn: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "nope")}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := DiscoverMany(tt.setupFn(t), nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			var names []string
			for _, m := range reg.All() {
				names = append(names, m.Name)
			}
			assert.Equal(t, tt.wantNames, names)
			if tt.checkFn != nil {
				tt.checkFn(t, reg)
			}
		})
	}
}

func TestDiscoverRejectsNonExecutableEntrypoint(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "triage", triageManifest)
	require.NoError(t, os.Chmod(filepath.Join(dir, "triage", "run.sh"), 0o644))

	reg, err := DiscoverMany([]string{dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestParseExecutionMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ExecutionMode
		wantErr bool
	}{
		{"", Sequential, false},
		{"sequential", Sequential, false},
		{"Exclusive", Exclusive, false},
		{"unrestricted", Unrestricted, false},
		{"parallel(net)", Parallel("net"), false},
		{"parallel:yara", Parallel("yara"), false},
		{"parallel", ExecutionMode{}, true},
		{"parallel()", ExecutionMode{}, true},
		{"greedy", ExecutionMode{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseExecutionMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "parallel(net)", Parallel("net").String())
}

func TestCapabilitiesYAMLForms(t *testing.T) {
	var m struct {
		Caps Capabilities `yaml:"capabilities"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("capabilities: [static, {name: dynamic}]"), &m))
	assert.Equal(t, []string{"static", "dynamic"}, m.Caps.Names())

	assert.Error(t, yaml.Unmarshal([]byte("capabilities: static"), &m))
}

func TestRegistryFindInRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(&Metadata{
			Name:         name,
			Type:         TypeAnalysis,
			Capabilities: Capabilities{{Name: "static"}},
		}))
	}
	require.NoError(t, reg.Register(&Metadata{Name: "pcap", Type: TypeNetwork, Capabilities: Capabilities{{Name: "network"}}}))
	assert.Error(t, reg.Register(&Metadata{Name: "alpha"}))

	var names []string
	for _, m := range reg.Find("static") {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
	assert.True(t, reg.Supports("network"))
	assert.False(t, reg.Supports("memory"))
	assert.Empty(t, reg.Find("memory"))

	pcap, ok := reg.Get("pcap")
	require.True(t, ok)
	assert.Equal(t, 1, pcap.Replicas)
}
