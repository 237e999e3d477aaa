// Package manifest handles indy.toml / indy.yaml runtime configuration.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/chazu/indy/vm"
	"gopkg.in/yaml.v3"
)

// File names searched for, in order of preference.
const (
	TOMLFile = "indy.toml"
	YAMLFile = "indy.yaml"
)

// DefaultAddress is the inspection server address when none is configured.
const DefaultAddress = "localhost:7470"

//go:embed schema.cue
var schemaSource string

// Manifest represents an indy.toml project configuration.
type Manifest struct {
	Project Project    `toml:"project" yaml:"project"`
	Runtime Runtime    `toml:"runtime" yaml:"runtime"`
	Server  Server     `toml:"server" yaml:"server"`
	Journal Journal    `toml:"journal" yaml:"journal"`
	Types   []TypeDecl `toml:"types" yaml:"types"`

	// Dir is the directory containing the manifest (set at load time).
	Dir string `toml:"-" yaml:"-"`
	// Path is the manifest file itself.
	Path string `toml:"-" yaml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name" yaml:"name"`
	Version string `toml:"version" yaml:"version"`
}

// Runtime configures the VM and logging.
type Runtime struct {
	GCInterval   Duration `toml:"gc-interval" yaml:"gc-interval"`
	BackgroundGC bool     `toml:"background-gc" yaml:"background-gc"`
	Verbosity    int      `toml:"verbosity" yaml:"verbosity"`
	LogFile      string   `toml:"log-file" yaml:"log-file"`
}

// Server configures the inspection server.
type Server struct {
	Address string `toml:"address" yaml:"address"`
}

// Journal configures the link event journal.
type Journal struct {
	Path   string   `toml:"path" yaml:"path"`
	Retain Duration `toml:"retain" yaml:"retain"`
}

// TypeDecl declares a class or interface to define at startup.
type TypeDecl struct {
	Name           string   `toml:"name" yaml:"name"`
	Kind           string   `toml:"kind" yaml:"kind"`
	Super          string   `toml:"super" yaml:"super"`
	Interfaces     []string `toml:"interfaces" yaml:"interfaces"`
	PackagePrivate bool     `toml:"package-private" yaml:"package-private"`
}

// Duration is a time.Duration written as "250ms", "1m30s" and so on.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Load parses the manifest in dir, preferring indy.toml over indy.yaml.
func Load(dir string) (*Manifest, error) {
	path, ok := manifestIn(dir)
	if !ok {
		return nil, fmt.Errorf("no %s or %s in %s", TOMLFile, YAMLFile, dir)
	}
	return LoadFile(path)
}

// LoadFile parses a single manifest file. The format follows the file
// extension.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var (
		raw map[string]any
		m   Manifest
	)
	if filepath.Ext(path) == ".toml" {
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	}

	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}

	m.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	m.Dir = filepath.Dir(m.Path)

	// Defaults
	if m.Server.Address == "" {
		m.Server.Address = DefaultAddress
	}
	for i := range m.Types {
		if m.Types[i].Kind == "" {
			m.Types[i].Kind = "class"
		}
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a manifest, then loads and
// returns it. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if path, ok := manifestIn(dir); ok {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func manifestIn(dir string) (string, bool) {
	for _, name := range []string{TOMLFile, YAMLFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Manifest"))
	if raw == nil {
		raw = map[string]any{}
	}
	return def.Unify(ctx.Encode(raw)).Validate(cue.Concrete(true))
}

// VMOptions returns the VM options the runtime section asks for.
func (m *Manifest) VMOptions() []vm.Option {
	var opts []vm.Option
	if m.Runtime.GCInterval.Duration > 0 {
		opts = append(opts, vm.WithGCInterval(m.Runtime.GCInterval.Duration))
	}
	if m.Runtime.BackgroundGC {
		opts = append(opts, vm.WithBackgroundGC())
	}
	return opts
}

// JournalPath returns the absolute journal path, or "" if none is set.
func (m *Manifest) JournalPath() string {
	if m.Journal.Path == "" {
		return ""
	}
	if filepath.IsAbs(m.Journal.Path) {
		return m.Journal.Path
	}
	return filepath.Join(m.Dir, m.Journal.Path)
}

// DeclareTypes defines every declared type in tt. Declarations may refer
// to each other in any order; a type is defined once its supertypes are.
func (m *Manifest) DeclareTypes(tt *vm.TypeTable) ([]*vm.Type, error) {
	pending := append([]TypeDecl(nil), m.Types...)
	var defined []*vm.Type

	for len(pending) > 0 {
		var next []TypeDecl
		for _, d := range pending {
			t, ready, err := declare(tt, d)
			if err != nil {
				return defined, err
			}
			if !ready {
				next = append(next, d)
				continue
			}
			defined = append(defined, t)
		}
		if len(next) == len(pending) {
			return defined, fmt.Errorf("cannot declare %s: unknown or cyclic supertypes", next[0].Name)
		}
		pending = next
	}
	return defined, nil
}

// declare defines d, reporting ready=false while a supertype is missing.
func declare(tt *vm.TypeTable, d TypeDecl) (*vm.Type, bool, error) {
	var opts []vm.TypeOption
	if len(d.Interfaces) > 0 {
		ifaces := make([]*vm.Type, len(d.Interfaces))
		for i, name := range d.Interfaces {
			if ifaces[i] = tt.Lookup(name); ifaces[i] == nil {
				return nil, false, nil
			}
		}
		opts = append(opts, vm.WithInterfaces(ifaces...))
	}
	if d.PackagePrivate {
		opts = append(opts, vm.PackagePrivate())
	}

	var (
		t   *vm.Type
		err error
	)
	switch d.Kind {
	case "interface":
		t, err = tt.DefineInterface(d.Name, opts...)
	default:
		var super *vm.Type
		if d.Super != "" {
			if super = tt.Lookup(d.Super); super == nil {
				return nil, false, nil
			}
		}
		t, err = tt.DefineClass(d.Name, super, opts...)
	}
	if err != nil {
		return nil, false, fmt.Errorf("declare %s: %w", d.Name, err)
	}
	return t, true, nil
}
