// ABOUTME: Thread-safe in-memory registry source holding services, agents, skills, profiles, plugins.
// ABOUTME: Reads return copies in insertion order; every mutation bumps the version counter.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Source and AgentStore.
// Nested slices of stored entries are never mutated in place, so shallow
// copies handed to readers stay valid after later mutations.
type Memory struct {
	mu       sync.RWMutex
	version  uint64
	services []Service
	agents   []Agent
	skills   []Skill
	profiles []Profile
	plugins  []Plugin
	logger   *slog.Logger
}

// NewMemory creates an empty in-memory registry. Pass nil logger for default.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{logger: logger.With("component", "registry")}
}

// NewMemoryFromSeed creates an in-memory registry populated from a seed.
func NewMemoryFromSeed(seed *Seed, logger *slog.Logger) (*Memory, error) {
	m := NewMemory(logger)
	if err := m.Replace(seed); err != nil {
		return nil, err
	}
	return m, nil
}

// Replace swaps the whole registry content for the seed's content.
func (m *Memory) Replace(seed *Seed) error {
	if err := seed.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.services = slices.Clone(seed.Services)
	m.agents = slices.Clone(seed.Agents)
	m.skills = slices.Clone(seed.Skills)
	m.profiles = slices.Clone(seed.Profiles)
	m.plugins = slices.Clone(seed.Plugins)
	m.version++

	m.logger.Info("registry loaded",
		"services", len(m.services),
		"agents", len(m.agents),
		"skills", len(m.skills),
		"profiles", len(m.profiles),
		"plugins", len(m.plugins),
		"version", m.version,
	)
	return nil
}

// Version returns the mutation counter.
func (m *Memory) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// CaptureSnapshot copies every collection and the version under one read lock.
func (m *Memory) CaptureSnapshot(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Snapshot{
		Version:    m.version,
		CapturedAt: time.Now(),
		Services:   slices.Clone(m.services),
		Agents:     slices.Clone(m.agents),
		Skills:     slices.Clone(m.skills),
		Profiles:   slices.Clone(m.profiles),
		Plugins:    slices.Clone(m.plugins),
	}, nil
}

// FetchServices returns all services in insertion order.
func (m *Memory) FetchServices(ctx context.Context) ([]Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.services), nil
}

// FetchAgents returns all agents in insertion order.
func (m *Memory) FetchAgents(ctx context.Context) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.agents), nil
}

// FetchSkills returns all skills in insertion order.
func (m *Memory) FetchSkills(ctx context.Context) ([]Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.skills), nil
}

// FetchProfiles returns all execution profiles in insertion order.
func (m *Memory) FetchProfiles(ctx context.Context) ([]Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.profiles), nil
}

// FetchPlugins returns all plugins in insertion order.
func (m *Memory) FetchPlugins(ctx context.Context) ([]Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.plugins), nil
}

// ConnectAgent synthesises an agent entry for the URL and appends it.
// Returns ErrInvalidURL if the URL cannot be parsed.
func (m *Memory) ConnectAgent(ctx context.Context, rawURL string) (Agent, error) {
	agent, err := NewAgentFromURL(rawURL)
	if err != nil {
		return Agent{}, err
	}
	m.AddAgent(agent)
	return agent, nil
}

// AddAgent appends an agent entry.
func (m *Memory) AddAgent(agent Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.agents = append(m.agents, agent)
	m.version++

	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", agent.ID,
		"name", agent.Name,
		"url", agent.URL,
		"capabilities", agent.Capabilities,
		"total_agents", len(m.agents),
	)
}

// RemoveAgent deletes the agent with the given ID.
func (m *Memory) RemoveAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.agents, func(a Agent) bool { return a.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	// Delete into a fresh slice so earlier readers keep their view.
	m.agents = slices.Delete(slices.Clone(m.agents), idx, idx+1)
	m.version++

	m.logger.Info("=== AGENT REMOVED ===",
		"agent_id", id,
		"total_agents", len(m.agents),
	)
	return nil
}

// SetAgentStatus updates the connection status of an agent.
func (m *Memory) SetAgentStatus(id string, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.agents, func(a Agent) bool { return a.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	agents := slices.Clone(m.agents)
	agents[idx].Status = status
	m.agents = agents
	m.version++

	m.logger.Debug("agent status changed", "agent_id", id, "status", status)
	return nil
}

// SetServiceStatus updates the status of the service with the given bus name.
func (m *Memory) SetServiceStatus(name string, status ServiceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.services, func(s Service) bool { return s.Name == name })
	if idx < 0 {
		return fmt.Errorf("service not found: %s", name)
	}
	services := slices.Clone(m.services)
	services[idx].Status = status
	m.services = services
	m.version++
	return nil
}
