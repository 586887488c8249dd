// internal/config/config.go
//
// This package handles configuration and the .fieldlab directory structure.
// Every project that runs experiments through fieldlab gets a .fieldlab/
// folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// FieldlabDir is the name of the directory we create in each project
	FieldlabDir = ".fieldlab"

	// ProfileExperiment is the built-in identity collection flow. It is always
	// requested first so the participant id can be checked before anything else runs.
	ProfileExperiment = "profile"

	defaultDataDir = FieldlabDir + "/data"
)

const defaultProjectConfigYAML = `# fieldlab project configuration
version: 1

# Experiments to load, in order. Each name maps to js/experiments/<name>/index.js.
# The profile experiment is always loaded first, even when omitted here.
experiments:
  - profile
  - sample-experiment

scripts:
  # Directory that contains js/experiments/. Relative paths resolve against the project.
  root: .
  # Fetch units from a server instead of disk:
  # base_url: https://example.org/app

data:
  dir: .fieldlab/data
`

// ScriptsConfig declares where experiment units are fetched from.
type ScriptsConfig struct {
	Root    string `yaml:"root,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// DataConfig declares where trial data is written.
type DataConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// ProjectConfig models .fieldlab/config.yaml.
type ProjectConfig struct {
	Version     int           `yaml:"version"`
	Experiments []string      `yaml:"experiments"`
	Scripts     ScriptsConfig `yaml:"scripts"`
	Data        DataConfig    `yaml:"data"`
}

// Config holds the runtime configuration for fieldlab.
type Config struct {
	// ProjectDir is the directory where the user ran `fieldlab` from
	ProjectDir string

	// FieldlabProjectDir is ProjectDir/.fieldlab
	FieldlabProjectDir string

	Project ProjectConfig
}

// InitProjectDir creates the .fieldlab directory structure in the given project directory.
//
// Structure created:
// .fieldlab/
// ├── config.yaml
// ├── logs/    <- fieldlab.log
// ├── state/   <- participant storage
// └── data/    <- trial CSV files
func InitProjectDir(projectDir string) error {
	root := filepath.Join(projectDir, FieldlabDir)
	dirs := []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "state"),
		filepath.Join(root, "data"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
// A missing config.yaml yields the defaults.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:         projectDir,
		FieldlabProjectDir: filepath.Join(projectDir, FieldlabDir),
		Project:            defaultProjectConfig(),
	}
	cfg.Project.normalize(projectDir)
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.FieldlabProjectDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.FieldlabProjectDir, "state")
}

// StoragePath returns the participant storage file.
func (c *Config) StoragePath() string {
	return filepath.Join(c.StateDir(), "storage.yaml")
}

// DataDir returns the directory trial data is written to.
func (c *Config) DataDir() string {
	return c.Project.Data.Dir
}

// ScriptsRoot returns the directory holding js/experiments/.
func (c *Config) ScriptsRoot() string {
	return c.Project.Scripts.Root
}

// ScriptsBaseURL returns the remote origin for units, or "" for disk loading.
func (c *Config) ScriptsBaseURL() string {
	return c.Project.Scripts.BaseURL
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.FieldlabProjectDir, "config.yaml")
}

// Experiments returns the configured load order with the profile experiment first.
func (c *Config) Experiments() []string {
	names := make([]string, 0, len(c.Project.Experiments)+1)
	names = append(names, ProfileExperiment)
	for _, name := range c.Project.Experiments {
		if name != ProfileExperiment {
			names = append(names, name)
		}
	}
	return names
}

// SetExperiments replaces the experiment list and persists it back to
// .fieldlab/config.yaml.
func (c *Config) SetExperiments(names []string) error {
	c.Project.Experiments = append([]string(nil), names...)
	return c.saveProjectConfig()
}

// OverrideScriptsBaseURL points unit loading at a server for this process only.
// The override is validated but not written back to config.yaml.
func (c *Config) OverrideScriptsBaseURL(raw string) error {
	next := c.Project
	next.Scripts.BaseURL = raw
	next.normalize(c.ProjectDir)
	if err := next.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project = next
	return nil
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:     1,
		Experiments: []string{ProfileExperiment, "sample-experiment"},
		Scripts:     ScriptsConfig{Root: "."},
		Data:        DataConfig{Dir: defaultDataDir},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.Scripts.Root) == "" {
		pc.Scripts.Root = "."
	}
	if strings.TrimSpace(pc.Data.Dir) == "" {
		pc.Data.Dir = defaultDataDir
	}
}

func (pc *ProjectConfig) normalize(base string) {
	seen := make(map[string]struct{}, len(pc.Experiments))
	names := make([]string, 0, len(pc.Experiments))
	for _, name := range pc.Experiments {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		names = append(names, trimmed)
	}
	pc.Experiments = names
	pc.Scripts.Root = resolvePath(base, pc.Scripts.Root)
	pc.Scripts.BaseURL = strings.TrimRight(strings.TrimSpace(pc.Scripts.BaseURL), "/")
	pc.Data.Dir = resolvePath(base, pc.Data.Dir)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	for i, name := range pc.Experiments {
		if err := validateExperimentName(name); err != nil {
			return fmt.Errorf("experiments[%d]: %w", i, err)
		}
	}
	if pc.Scripts.BaseURL != "" {
		u, err := url.Parse(pc.Scripts.BaseURL)
		if err != nil {
			return fmt.Errorf("scripts.base_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("scripts.base_url must use http or https")
		}
		if u.Host == "" {
			return fmt.Errorf("scripts.base_url is missing a host")
		}
	}
	return nil
}

// validateExperimentName keeps names usable as a single path segment of
// js/experiments/<name>/index.js.
func validateExperimentName(name string) error {
	if name == "." || name == ".." {
		return fmt.Errorf("invalid experiment name %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("experiment name %q must not contain path separators", name)
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize(c.ProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.FieldlabProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure fieldlab dir: %w", err)
	}
	data, err := yaml.Marshal(c.persisted())
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}

// persisted rewrites resolved paths relative to the project so the saved file
// stays portable.
func (c *Config) persisted() ProjectConfig {
	out := c.Project
	out.Experiments = append([]string(nil), c.Project.Experiments...)
	out.Scripts.Root = relativePath(c.ProjectDir, out.Scripts.Root)
	out.Data.Dir = relativePath(c.ProjectDir, out.Data.Dir)
	return out
}

func relativePath(base, target string) string {
	if target == "" {
		return ""
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return target
	}
	return filepath.ToSlash(rel)
}
