// Package manifest handles procvm.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/procvm/vm"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "procvm.toml"

// Manifest represents a procvm.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Engine  Engine  `toml:"engine"`
	Log     Log     `toml:"log"`

	// Dir is the directory containing the procvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name   string `toml:"name"`
	Entry  string `toml:"entry"`
	Output string `toml:"output"`
}

// Engine overrides vm.DefaultConfig. Unset keys keep the defaults.
type Engine struct {
	JIT         *bool `toml:"jit"`
	MaxBuffers  int   `toml:"max-buffers"`
	StackLimit  int   `toml:"stack-limit"`
	CallDepth   int   `toml:"call-depth"`
	NativeStack int   `toml:"native-stack"`
}

// Log configures the CLI's logging backend.
type Log struct {
	Verbosity *int   `toml:"verbosity"`
	File      string `toml:"file"`
}

// Load parses a procvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Project.Output == "" && m.Project.Name != "" {
		m.Project.Output = m.Project.Name + ".pvmi"
	}

	return &m, nil
}

func (m *Manifest) validate() error {
	limits := []struct {
		key string
		v   int
	}{
		{"engine.max-buffers", m.Engine.MaxBuffers},
		{"engine.stack-limit", m.Engine.StackLimit},
		{"engine.call-depth", m.Engine.CallDepth},
		{"engine.native-stack", m.Engine.NativeStack},
	}
	for _, l := range limits {
		if l.v < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", l.key, l.v)
		}
	}
	if v := m.Log.Verbosity; v != nil && (*v < -4 || *v > 2) {
		return fmt.Errorf("log.verbosity must be between -4 and 2 (got %d)", *v)
	}
	return nil
}

// FindAndLoad walks up from startDir to find a procvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EngineConfig returns vm.DefaultConfig with the manifest's overrides.
func (m *Manifest) EngineConfig() vm.Config {
	cfg := vm.DefaultConfig()
	if m == nil {
		return cfg
	}
	if m.Engine.JIT != nil {
		cfg.JIT = *m.Engine.JIT
	}
	if m.Engine.MaxBuffers > 0 {
		cfg.MaxBuffers = m.Engine.MaxBuffers
	}
	if m.Engine.StackLimit > 0 {
		cfg.StackLimit = m.Engine.StackLimit
	}
	if m.Engine.CallDepth > 0 {
		cfg.CallDepth = m.Engine.CallDepth
	}
	if m.Engine.NativeStack > 0 {
		cfg.NativeStack = m.Engine.NativeStack
	}
	return cfg
}

// EntryPath returns the absolute path of the entry program, or "" when
// none is configured.
func (m *Manifest) EntryPath() string {
	if m == nil || m.Project.Entry == "" {
		return ""
	}
	return m.resolve(m.Project.Entry)
}

// OutputPath returns the absolute path build writes the image to.
func (m *Manifest) OutputPath() string {
	if m == nil || m.Project.Output == "" {
		return ""
	}
	return m.resolve(m.Project.Output)
}

// LogFile returns the absolute log file path, or "" for stderr.
func (m *Manifest) LogFile() string {
	if m == nil || m.Log.File == "" {
		return ""
	}
	return m.resolve(m.Log.File)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
