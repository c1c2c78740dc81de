// ABOUTME: Capability registry data types: DBus services, agents, skills, profiles, plugins.
// ABOUTME: These are the read models the planner snapshots once per planning cycle.

package registry

import (
	"errors"
	"fmt"
)

// ServiceStatus is the lifecycle state of a DBus service.
type ServiceStatus string

const (
	ServiceActive   ServiceStatus = "active"
	ServiceInactive ServiceStatus = "inactive"
	ServiceError    ServiceStatus = "error"
)

// AgentStatus is the connection state of a remote agent.
type AgentStatus string

const (
	AgentConnected    AgentStatus = "connected"
	AgentDisconnected AgentStatus = "disconnected"
)

// ArgDirection marks a DBus method argument as input or output.
type ArgDirection string

const (
	DirectionIn  ArgDirection = "in"
	DirectionOut ArgDirection = "out"
)

// Arg is a single DBus method or signal argument.
type Arg struct {
	Name      string       `yaml:"name" toml:"name" json:"name"`
	Type      string       `yaml:"type" toml:"type" json:"type"`
	Direction ArgDirection `yaml:"direction" toml:"direction" json:"direction"`
}

// Method is a DBus method exposed by an interface.
type Method struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	Args []Arg  `yaml:"args" toml:"args" json:"args"`
}

// InArgs returns the arguments a caller must supply, in declaration order.
func (m Method) InArgs() []Arg {
	var in []Arg
	for _, a := range m.Args {
		if a.Direction == DirectionIn {
			in = append(in, a)
		}
	}
	return in
}

// Property is a DBus interface property.
type Property struct {
	Name   string `yaml:"name" toml:"name" json:"name"`
	Type   string `yaml:"type" toml:"type" json:"type"`
	Access string `yaml:"access" toml:"access" json:"access"` // read, write, readwrite
}

// Signal is a DBus interface signal.
type Signal struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	Args []Arg  `yaml:"args" toml:"args" json:"args"`
}

// Interface is a named DBus interface on an object.
type Interface struct {
	Name       string     `yaml:"name" toml:"name" json:"name"`
	Methods    []Method   `yaml:"methods" toml:"methods" json:"methods"`
	Properties []Property `yaml:"properties" toml:"properties" json:"properties"`
	Signals    []Signal   `yaml:"signals" toml:"signals" json:"signals"`
}

// Object is a DBus object path with its interfaces and optional child objects.
type Object struct {
	Path       string      `yaml:"path" toml:"path" json:"path"`
	Interfaces []Interface `yaml:"interfaces" toml:"interfaces" json:"interfaces"`
	Children   []Object    `yaml:"children,omitempty" toml:"children,omitempty" json:"children,omitempty"`
}

// Service is a DBus service (bus name) and its object tree.
type Service struct {
	ID      string        `yaml:"id" toml:"id" json:"id"`
	Name    string        `yaml:"name" toml:"name" json:"name"`
	Status  ServiceStatus `yaml:"status" toml:"status" json:"status"`
	Objects []Object      `yaml:"objects" toml:"objects" json:"objects"`
}

// FindInterface walks the object tree depth-first and returns the first
// interface with the given name.
func (s Service) FindInterface(name string) (Interface, bool) {
	var walk func(objs []Object) (Interface, bool)
	walk = func(objs []Object) (Interface, bool) {
		for _, o := range objs {
			for _, iface := range o.Interfaces {
				if iface.Name == name {
					return iface, true
				}
			}
			if iface, ok := walk(o.Children); ok {
				return iface, true
			}
		}
		return Interface{}, false
	}
	return walk(s.Objects)
}

// Agent is a remote agent exposing named capabilities.
type Agent struct {
	ID                 string      `yaml:"id" toml:"id" json:"id"`
	Name               string      `yaml:"name" toml:"name" json:"name"`
	URL                string      `yaml:"url" toml:"url" json:"url"`
	Status             AgentStatus `yaml:"status" toml:"status" json:"status"`
	Capabilities       []string    `yaml:"capabilities" toml:"capabilities" json:"capabilities"`
	PluginID           string      `yaml:"plugin_id,omitempty" toml:"plugin_id,omitempty" json:"plugin_id,omitempty"`
	ExecutionProfileID string      `yaml:"execution_profile_id,omitempty" toml:"execution_profile_id,omitempty" json:"execution_profile_id,omitempty"`
}

// Param is one declared skill parameter. Skills keep parameters as an
// ordered list so rendered signatures are stable.
type Param struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	Type string `yaml:"type" toml:"type" json:"type"`
}

// Skill is a built-in, locally executed capability.
type Skill struct {
	ID                 string  `yaml:"id" toml:"id" json:"id"`
	Name               string  `yaml:"name" toml:"name" json:"name"`
	Description        string  `yaml:"description" toml:"description" json:"description"`
	Parameters         []Param `yaml:"parameters" toml:"parameters" json:"parameters"`
	Category           string  `yaml:"category" toml:"category" json:"category"`
	PluginID           string  `yaml:"plugin_id,omitempty" toml:"plugin_id,omitempty" json:"plugin_id,omitempty"`
	ExecutionProfileID string  `yaml:"execution_profile_id,omitempty" toml:"execution_profile_id,omitempty" json:"execution_profile_id,omitempty"`
}

// Profile is a named execution policy bundle. Profiles are immutable for
// the duration of a planning cycle.
type Profile struct {
	ID               string   `yaml:"id" toml:"id" json:"id"`
	Name             string   `yaml:"name" toml:"name" json:"name"`
	Description      string   `yaml:"description" toml:"description" json:"description"`
	ModelPreferences []string `yaml:"model_preferences" toml:"model_preferences" json:"model_preferences"`
	Temperature      float64  `yaml:"temperature" toml:"temperature" json:"temperature"`
	TimeoutMs        int      `yaml:"timeout_ms" toml:"timeout_ms" json:"timeout_ms"`
	MaxRetries       int      `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	Icon             string   `yaml:"icon" toml:"icon" json:"icon"`
}

// ErrInvalidProfile indicates a profile violates its value constraints.
var ErrInvalidProfile = errors.New("invalid execution profile")

// Validate checks the numeric constraints of a profile.
func (p Profile) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidProfile)
	case p.Temperature < 0 || p.Temperature > 1:
		return fmt.Errorf("%w: %s: temperature %v outside [0,1]", ErrInvalidProfile, p.ID, p.Temperature)
	case p.TimeoutMs <= 0:
		return fmt.Errorf("%w: %s: timeout_ms must be positive", ErrInvalidProfile, p.ID)
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: %s: max_retries must not be negative", ErrInvalidProfile, p.ID)
	}
	return nil
}

// Plugin groups agents and skills under a versioned package.
type Plugin struct {
	ID          string `yaml:"id" toml:"id" json:"id"`
	Name        string `yaml:"name" toml:"name" json:"name"`
	Description string `yaml:"description" toml:"description" json:"description"`
	Version     string `yaml:"version" toml:"version" json:"version"`
	Icon        string `yaml:"icon,omitempty" toml:"icon,omitempty" json:"icon,omitempty"`
}
