package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml inside a
// directory. Included files are decoded on top in order, defaults fill
// whatever no file sets, and every file is checked against .checksums when
// one exists next to it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	visited := make(map[string]bool)
	if err := loadInto(cfg, absPath, visited); err != nil {
		return nil, err
	}

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadInto decodes path onto cfg, then its includes. visited holds the
// current include chain for cycle detection.
func loadInto(cfg *Config, path string, visited map[string]bool) error {
	if visited[path] {
		return fmt.Errorf("circular include detected: %s", path)
	}
	visited[path] = true
	defer delete(visited, path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	interpolated := interpolateEnv(string(data))

	// Includes are per file; don't let one file's list leak into the next.
	cfg.Include = nil
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	includes := cfg.Include
	cfg.Include = nil
	cfg.SourceFiles = append(cfg.SourceFiles, path)

	baseDir := filepath.Dir(path)
	for i, inc := range includes {
		resolved := inc
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		if _, err := os.Stat(resolved); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s", i, resolved, path)
		}
		if err := loadInto(cfg, resolved, visited); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, inc, err)
		}
	}
	return nil
}

// DiscoverConfigDir finds the config location by checking standard places:
// $AIRLOCK_CONFIG_DIR, ~/.config/airlock, /etc/airlock, then ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("AIRLOCK_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "airlock")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}
	if _, err := os.Stat("/etc/airlock"); err == nil {
		return "/etc/airlock", nil
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	return "", fmt.Errorf("no config found (checked: $AIRLOCK_CONFIG_DIR, ~/.config/airlock, /etc/airlock, ./config.yaml)")
}

// DiscoverAllConfigFiles returns absolute paths of the root config and every
// file it includes, sorted.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	if err := loadInto(cfg, absPath, make(map[string]bool)); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var files []string
	for _, f := range cfg.SourceFiles {
		if !seen[f] {
			seen[f] = true
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files, nil
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No .checksums here: verification is opt-in per directory.
			continue
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: airlock config lock --config %s", basename, dir, dir)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: airlock config lock --config %s", path, err, dir)
			}
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by Validate where they
// matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
