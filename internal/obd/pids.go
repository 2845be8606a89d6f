package obd

import (
	_ "embed"
	"fmt"
	"strconv"
	"sync"

	"elmlink/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogAsset []byte

// CommandDefinition is one entry of the command catalog.
type CommandDefinition struct {
	Mode        models.Mode
	PID         byte
	Name        string
	Description string
	Unit        string
	// Bytes is the number of data bytes after the response prefix.
	Bytes  int
	Decode DecodeFunc

	control bool
}

// Command returns the text sent to the adapter, without the line terminator.
func (d CommandDefinition) Command() string {
	if d.control {
		return d.Mode.ServiceID()
	}
	if d.Mode == models.ModeSinceReset {
		// freeze frame 0
		return fmt.Sprintf("%s%02X00", d.Mode.ServiceID(), d.PID)
	}
	return fmt.Sprintf("%s%02X", d.Mode.ServiceID(), d.PID)
}

// ResponsePrefix returns the bytes a positive reply starts with, e.g. 41 0C.
func (d CommandDefinition) ResponsePrefix() []byte {
	if d.control {
		return []byte{d.Mode.ResponseID()}
	}
	if d.Mode == models.ModeSinceReset {
		return []byte{d.Mode.ResponseID(), d.PID, 0x00}
	}
	return []byte{d.Mode.ResponseID(), d.PID}
}

// IsControl reports whether the definition is a control command (03, 04, 07).
func (d CommandDefinition) IsControl() bool {
	return d.control
}

func (d CommandDefinition) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Command())
}

// Catalog maps modes to their ordered command definitions. It is read-only once loaded.
type Catalog struct {
	Version int

	modes    map[models.Mode][]CommandDefinition
	controls map[models.Mode]CommandDefinition
	byName   map[string]CommandDefinition
}

// Commands returns the PID list of a mode in catalog order. Control modes have none.
func (c *Catalog) Commands(mode models.Mode) []CommandDefinition {
	defs := c.modes[mode]
	out := make([]CommandDefinition, len(defs))
	copy(out, defs)
	return out
}

// Control returns the single command of a control mode.
func (c *Catalog) Control(mode models.Mode) (CommandDefinition, bool) {
	def, ok := c.controls[mode]
	return def, ok
}

// Lookup finds a definition by name.
func (c *Catalog) Lookup(name string) (CommandDefinition, bool) {
	def, ok := c.byName[name]
	return def, ok
}

// Len returns the number of PID definitions.
func (c *Catalog) Len() int {
	n := 0
	for _, defs := range c.modes {
		n += len(defs)
	}
	return n
}

type catalogFile struct {
	Version  int                     `yaml:"version"`
	Modes    map[string][]catalogPID `yaml:"modes"`
	Controls map[string]struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"controls"`
}

type catalogPID struct {
	PID         string `yaml:"pid"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Unit        string `yaml:"unit"`
	Bytes       int    `yaml:"bytes"`
	Decode      string `yaml:"decode"`
}

// LoadCatalog parses a catalog document.
func LoadCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		Version:  f.Version,
		modes:    make(map[models.Mode][]CommandDefinition),
		controls: make(map[models.Mode]CommandDefinition),
		byName:   make(map[string]CommandDefinition),
	}

	add := func(def CommandDefinition) error {
		if def.Name == "" {
			return fmt.Errorf("%s: command without a name", def.Mode)
		}
		if _, dup := c.byName[def.Name]; dup {
			return fmt.Errorf("duplicate command name %q", def.Name)
		}
		c.byName[def.Name] = def
		return nil
	}

	// iterate in mode order so errors are deterministic
	for _, mode := range models.Modes() {
		if entries, ok := f.Modes[mode.String()]; ok {
			if mode.IsControl() {
				return nil, fmt.Errorf("%s: control mode cannot list PIDs", mode)
			}
			for _, e := range entries {
				def, err := e.definition(mode)
				if err != nil {
					return nil, err
				}
				if err := add(def); err != nil {
					return nil, err
				}
				c.modes[mode] = append(c.modes[mode], def)
			}
		}
		if ctl, ok := f.Controls[mode.String()]; ok {
			if !mode.IsControl() {
				return nil, fmt.Errorf("%s: not a control mode", mode)
			}
			def := CommandDefinition{Mode: mode, Name: ctl.Name, Description: ctl.Description, control: true}
			if err := add(def); err != nil {
				return nil, err
			}
			c.controls[mode] = def
		}
	}

	for name := range f.Modes {
		if _, err := models.ParseMode(name); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
	}
	for name := range f.Controls {
		if _, err := models.ParseMode(name); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
	}

	return c, nil
}

func (e catalogPID) definition(mode models.Mode) (CommandDefinition, error) {
	pid, err := strconv.ParseUint(e.PID, 16, 8)
	if err != nil {
		return CommandDefinition{}, fmt.Errorf("%s %s: invalid pid %q", mode, e.Name, e.PID)
	}
	fn, width, ok := LookupDecoder(e.Decode)
	if !ok {
		return CommandDefinition{}, fmt.Errorf("%s %s: unknown decode rule %q", mode, e.Name, e.Decode)
	}
	if e.Bytes < width {
		return CommandDefinition{}, fmt.Errorf("%s %s: rule %s needs %d bytes, got %d", mode, e.Name, e.Decode, width, e.Bytes)
	}
	return CommandDefinition{
		Mode:        mode,
		PID:         byte(pid),
		Name:        e.Name,
		Description: e.Description,
		Unit:        e.Unit,
		Bytes:       e.Bytes,
		Decode:      fn,
	}, nil
}

var (
	defaultCatalog     *Catalog
	defaultCatalogOnce sync.Once
)

// DefaultCatalog returns the embedded standard catalog. It panics if the asset is invalid,
// which the package tests rule out.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		c, err := LoadCatalog(catalogAsset)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}
