package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SupportedManifestSpec    = "airlock.plugin"
	SupportedManifestVersion = 1
	manifestFilename         = "manifest.yaml"
)

// DiscoverMany scans plugin roots for manifest.yaml files and registers every
// valid plugin. Roots are processed in input order; duplicate plugin names keep
// the first discovered plugin. Invalid plugins are logged but not fatal.
func DiscoverMany(pluginRoots []string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoots, err := resolveRoots(pluginRoots)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			pluginPath := filepath.Dir(path)
			meta, err := loadPlugin(pluginPath, absRoots)
			if err != nil {
				logger("warn", "failed to load plugin", "root", root, "path", pluginPath, "error", err.Error())
				return nil
			}

			if err := registry.Register(meta); err != nil {
				if existing, ok := registry.Get(meta.Name); ok {
					logger(
						"warn",
						"duplicate plugin ignored (keeping first discovered)",
						"plugin", meta.Name,
						"ignored_path", meta.Path,
						"kept_path", existing.Path,
					)
				} else {
					logger("warn", "plugin not registered", "plugin", meta.Name, "error", err.Error())
				}
				return nil
			}

			logger("info", "loaded plugin",
				"plugin", meta.Name,
				"path", meta.Path,
				"version", meta.Version,
				"type", string(meta.Type),
				"mode", meta.Mode.String(),
				"capabilities", strings.Join(meta.Capabilities.Names(), ","),
			)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin root %s: %w", root, err)
		}
	}

	return registry, nil
}

func resolveRoots(pluginRoots []string) ([]string, error) {
	absRoots := make([]string, 0, len(pluginRoots))
	seen := make(map[string]struct{}, len(pluginRoots))
	for _, root := range pluginRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve plugin root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("plugin root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat plugin root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("plugin root is not a directory: %s", absRoot)
		}
		if _, ok := seen[absRoot]; ok {
			continue
		}
		seen[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}
	if len(absRoots) == 0 {
		return nil, fmt.Errorf("at least one plugin root is required")
	}
	return absRoots, nil
}

// LoadManifest reads and validates the manifest in pluginPath without trust
// checks on the entrypoint.
func LoadManifest(pluginPath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &manifest, nil
}

func loadPlugin(pluginPath string, roots []string) (*Metadata, error) {
	manifest, err := LoadManifest(pluginPath)
	if err != nil {
		return nil, err
	}

	entrypointPath := filepath.Join(pluginPath, manifest.Entrypoint)
	if err := validateTrustInRoots(entrypointPath, pluginPath, roots); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return metadataFromManifest(manifest, pluginPath, entrypointPath), nil
}

func metadataFromManifest(m *Manifest, pluginPath, entrypoint string) *Metadata {
	transport := m.Transport
	if transport == "" {
		transport = TransportStdio
	}
	replicas := m.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	return &Metadata{
		Name:            m.Name,
		Version:         m.Version,
		Type:            m.Type,
		Capabilities:    m.Capabilities,
		Mode:            m.ExecutionMode,
		Description:     m.Description,
		Path:            pluginPath,
		Entrypoint:      entrypoint,
		Transport:       transport,
		Replicas:        replicas,
		RequiredPlugins: m.RequiredPlugins,
	}
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.ManifestSpec) == "" {
		return fmt.Errorf("manifest_spec is required")
	}
	if m.ManifestSpec != SupportedManifestSpec {
		return fmt.Errorf("unsupported manifest_spec %q (supported: %q)", m.ManifestSpec, SupportedManifestSpec)
	}
	if m.ManifestVersion == 0 {
		return fmt.Errorf("manifest_version is required")
	}
	if m.ManifestVersion != SupportedManifestVersion {
		return fmt.Errorf("unsupported manifest_version %d (supported: %d)", m.ManifestVersion, SupportedManifestVersion)
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !m.Type.valid() {
		return fmt.Errorf("invalid type %q (valid: storage, network, scheduler, analysis, monitor)", m.Type)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	switch m.Transport {
	case "", TransportStdio, TransportUnix:
	default:
		return fmt.Errorf("invalid transport %q (valid: stdio, unix)", m.Transport)
	}
	if m.Replicas < 0 {
		return fmt.Errorf("replicas must not be negative")
	}
	if len(m.Capabilities) == 0 {
		return fmt.Errorf("at least one capability must be declared")
	}
	for _, c := range m.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("capability name is required")
		}
	}
	return nil
}

// validateTrustInRoots enforces that the entrypoint is an executable inside
// both the plugin directory and an approved root, and that the plugin
// directory is not world-writable.
func validateTrustInRoots(entrypointPath, pluginPath string, pluginRoots []string) error {
	if len(pluginRoots) == 0 {
		return fmt.Errorf("no plugin roots configured")
	}

	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}

	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}

	inApprovedRoot := false
	for _, root := range pluginRoots {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return fmt.Errorf("failed to resolve plugin root symlink %s: %w", root, err)
		}
		if strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
			inApprovedRoot = true
			break
		}
	}
	if !inApprovedRoot {
		return fmt.Errorf("entrypoint %s is not under any configured plugin root", resolvedEntrypoint)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}

	return nil
}
