package stage

import (
	"fmt"
	"os"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pelletier/go-toml/v2"
)

// Descriptor describes one external pipeline stage: which executable
// implements it and what its file contract is. Descriptors are immutable
// after registry load.
type Descriptor struct {
	Name       string   `toml:"name"`
	Executable string   `toml:"executable"`
	Args       []string `toml:"args"`

	// Inputs are files the stage requires, relative to the run root.
	Inputs []string `toml:"inputs"`
	// Outputs are files the stage must produce, relative to its workdir.
	Outputs []string `toml:"outputs"`

	ExpectedExit int `toml:"expected_exit"`
	TimeoutSec   int `toml:"timeout_sec"`
}

// Timeout returns the descriptor's default timeout, zero meaning none.
func (d Descriptor) Timeout() time.Duration {
	return time.Duration(d.TimeoutSec) * time.Second
}

// UnknownStageError is returned by Lookup for names absent from the registry.
type UnknownStageError struct {
	Name string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage: %s", e.Name)
}

// Registry is the static stage table, populated once at startup and never
// mutated during a run.
type Registry struct {
	byName map[string]Descriptor
	order  []string
}

type registryRoot struct {
	Stages []Descriptor `toml:"stages"`
}

// LoadRegistry reads a TOML stage table from path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage registry: %w", err)
	}
	var root registryRoot
	if err := toml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse stage registry TOML: %w", err)
	}
	return NewRegistry(root.Stages)
}

// NewRegistry builds a registry from descriptors, rejecting duplicate names
// and incomplete entries.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	reg := &Registry{byName: make(map[string]Descriptor, len(descriptors))}
	seen := mapset.NewSet[string]()
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("stage descriptor is missing a name")
		}
		if d.Executable == "" {
			return nil, fmt.Errorf("stage %s is missing an executable", d.Name)
		}
		if d.TimeoutSec < 0 {
			return nil, fmt.Errorf("stage %s has a negative timeout", d.Name)
		}
		if !seen.Add(d.Name) {
			return nil, fmt.Errorf("duplicate stage descriptor: %s", d.Name)
		}
		reg.byName[d.Name] = d
		reg.order = append(reg.order, d.Name)
	}
	return reg, nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, &UnknownStageError{Name: name}
	}
	return d, nil
}

// Has reports whether name is a registered stage.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Names returns registered stage names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
