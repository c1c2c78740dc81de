// ABOUTME: Registry seed files in YAML or TOML, plus the embedded default seed.
// ABOUTME: Seeds are validated before they replace the in-memory registry content.

package registry

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the on-disk representation of the registry.
type Seed struct {
	Profiles []Profile `yaml:"profiles" toml:"profiles"`
	Plugins  []Plugin  `yaml:"plugins" toml:"plugins"`
	Services []Service `yaml:"services" toml:"services"`
	Agents   []Agent   `yaml:"agents" toml:"agents"`
	Skills   []Skill   `yaml:"skills" toml:"skills"`
}

// DefaultSeed returns the registry content bundled with the binary.
func DefaultSeed() (*Seed, error) {
	return ParseSeed(defaultSeed, "yaml")
}

// LoadSeed reads a seed file. The format is chosen by extension:
// .toml is TOML, anything else is YAML.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}

	seed, err := ParseSeed(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seed, nil
}

// ParseSeed decodes seed content in the given format ("yaml" or "toml").
func ParseSeed(data []byte, format string) (*Seed, error) {
	var seed Seed
	switch format {
	case "toml":
		if _, err := toml.Decode(string(data), &seed); err != nil {
			return nil, fmt.Errorf("parsing toml seed: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("parsing yaml seed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported seed format %q", format)
	}
	return &seed, nil
}

// Validate checks profile constraints and ID uniqueness per collection.
func (s *Seed) Validate() error {
	seen := make(map[string]struct{})
	for _, p := range s.Profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate profile id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	if err := uniqueIDs("plugin", len(s.Plugins), func(i int) string { return s.Plugins[i].ID }); err != nil {
		return err
	}
	if err := uniqueIDs("service", len(s.Services), func(i int) string { return s.Services[i].ID }); err != nil {
		return err
	}
	if err := uniqueIDs("agent", len(s.Agents), func(i int) string { return s.Agents[i].ID }); err != nil {
		return err
	}
	return uniqueIDs("skill", len(s.Skills), func(i int) string { return s.Skills[i].ID })
}

func uniqueIDs(kind string, n int, id func(int) string) error {
	seen := make(map[string]struct{}, n)
	for i := range n {
		v := id(i)
		if v == "" {
			return fmt.Errorf("%s at index %d has no id", kind, i)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("duplicate %s id %q", kind, v)
		}
		seen[v] = struct{}{}
	}
	return nil
}
