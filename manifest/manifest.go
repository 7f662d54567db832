// Package manifest handles vecvm.toml engine configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/vecvm/pkg/isa"
	"github.com/chazu/vecvm/vm"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "vecvm.toml"

// DefaultStorePath is the trace archive location relative to the manifest.
const DefaultStorePath = ".vecvm/traces.db"

// Manifest represents a vecvm.toml configuration.
type Manifest struct {
	Engine Engine    `toml:"engine"`
	ISA    ISA       `toml:"isa"`
	Log    LogConfig `toml:"log"`
	Store  Store     `toml:"store"`

	// Dir is the directory containing the vecvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Engine configures the execution engine.
type Engine struct {
	VectorDim int    `toml:"vector-dim"`
	MaxCycles uint32 `toml:"max-cycles"`
	HeapBase  uint32 `toml:"heap-base"`
	HeapSize  uint32 `toml:"heap-size"`
	Trace     *bool  `toml:"trace"`
}

// ISA lists opcode extensions merged into the base instruction set.
type ISA struct {
	IncludeDefaults *bool       `toml:"include-defaults"`
	Extensions      []Extension `toml:"extension"`
}

// Extension is one [[isa.extension]] entry.
type Extension struct {
	Name  string `toml:"name"`
	Slot  int    `toml:"slot"`
	Alias string `toml:"alias"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Store configures the trace archive.
type Store struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no vecvm.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

// Load parses a vecvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a vecvm.toml file,
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

func (m *Manifest) applyDefaults() {
	if m.Engine.VectorDim == 0 {
		m.Engine.VectorDim = isa.MinVectorDim
	}
	if m.Engine.MaxCycles == 0 {
		m.Engine.MaxCycles = vm.DefaultMaxCycles
	}
	if m.Engine.HeapBase == 0 {
		m.Engine.HeapBase = vm.DefaultHeapBase
	}
	if m.Engine.HeapSize == 0 {
		m.Engine.HeapSize = vm.DefaultHeapSize
	}
	if m.Engine.Trace == nil {
		on := true
		m.Engine.Trace = &on
	}
	if m.ISA.IncludeDefaults == nil {
		on := true
		m.ISA.IncludeDefaults = &on
	}
	if m.Store.Path == "" {
		m.Store.Path = DefaultStorePath
	}
}

// Validate checks values that cannot be defaulted.
func (m *Manifest) Validate() error {
	if m.Engine.VectorDim < isa.MinVectorDim {
		return fmt.Errorf("engine.vector-dim %d is below the minimum of %d", m.Engine.VectorDim, isa.MinVectorDim)
	}
	if m.Engine.VectorDim > isa.MaxVectorDim {
		return fmt.Errorf("engine.vector-dim %d is above the maximum of %d", m.Engine.VectorDim, isa.MaxVectorDim)
	}
	for _, ext := range m.ISA.Extensions {
		if ext.Slot >= m.Engine.VectorDim {
			return fmt.Errorf("isa extension %s: slot %d does not fit vector-dim %d", ext.Name, ext.Slot, m.Engine.VectorDim)
		}
	}
	return nil
}

// TraceEnabled reports whether execution traces are recorded.
func (m *Manifest) TraceEnabled() bool {
	return m.Engine.Trace == nil || *m.Engine.Trace
}

// Registry builds a frozen ISA registry: the base opcodes, the default
// extensions unless include-defaults is false, then the manifest's own
// extensions in file order.
func (m *Manifest) Registry() (*isa.Registry, error) {
	reg := isa.NewRegistry()
	if m.ISA.IncludeDefaults == nil || *m.ISA.IncludeDefaults {
		if err := reg.Merge(isa.DefaultExtensions); err != nil {
			return nil, err
		}
	}
	exts := make([]isa.Extension, 0, len(m.ISA.Extensions))
	for _, e := range m.ISA.Extensions {
		exts = append(exts, isa.Extension{Name: e.Name, Slot: e.Slot, Alias: e.Alias})
	}
	if err := reg.Merge(exts); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}

// Codec returns an instruction codec for the configured registry and
// vector dimension.
func (m *Manifest) Codec() (*isa.Codec, error) {
	reg, err := m.Registry()
	if err != nil {
		return nil, err
	}
	return isa.NewCodec(reg, m.Engine.VectorDim)
}

// EngineOptions converts the [engine] and [[isa.extension]] tables into
// engine options.
func (m *Manifest) EngineOptions() ([]vm.Option, error) {
	reg, err := m.Registry()
	if err != nil {
		return nil, err
	}
	return []vm.Option{
		vm.WithRegistry(reg),
		vm.WithMaxCycles(m.Engine.MaxCycles),
		vm.WithHeap(m.Engine.HeapBase, m.Engine.HeapSize),
		vm.WithTrace(m.TraceEnabled()),
	}, nil
}

// StorePath returns the absolute path of the trace archive.
func (m *Manifest) StorePath() string {
	return m.resolve(m.Store.Path)
}

// LogPath returns the absolute path of the log file, or "" for stderr.
func (m *Manifest) LogPath() string {
	if m.Log.File == "" {
		return ""
	}
	return m.resolve(m.Log.File)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
