// ABOUTME: Boundary contract for registry reads and the versioned snapshot captured per run.
// ABOUTME: Capture reads every collection once; runs never re-read the registry afterwards.

package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable indicates a registry read failed at the transport level.
// An empty successful read is not an error.
var ErrUnavailable = errors.New("registry unavailable")

// ErrInvalidURL indicates an agent URL could not be parsed.
var ErrInvalidURL = errors.New("invalid agent URL")

// ErrAgentNotFound indicates the specified agent does not exist.
var ErrAgentNotFound = errors.New("agent not found")

// Source provides ordered, insertion-stable reads of the capability registry.
// Implementations wrap transport failures with ErrUnavailable.
type Source interface {
	FetchServices(ctx context.Context) ([]Service, error)
	FetchAgents(ctx context.Context) ([]Agent, error)
	FetchSkills(ctx context.Context) ([]Skill, error)
	FetchProfiles(ctx context.Context) ([]Profile, error)
	FetchPlugins(ctx context.Context) ([]Plugin, error)
}

// AgentStore is implemented by sources that accept agent mutations.
type AgentStore interface {
	ConnectAgent(ctx context.Context, rawURL string) (Agent, error)
	RemoveAgent(ctx context.Context, id string) error
}

// Versioned is implemented by sources that track a mutation counter.
type Versioned interface {
	Version() uint64
}

// Snapshotter is implemented by sources that can read every collection
// atomically. Capture prefers it over the individual fetches.
type Snapshotter interface {
	CaptureSnapshot(ctx context.Context) (*Snapshot, error)
}

// Snapshot is a point-in-time copy of the whole registry.
type Snapshot struct {
	Version    uint64
	CapturedAt time.Time
	Services   []Service
	Agents     []Agent
	Skills     []Skill
	Profiles   []Profile
	Plugins    []Plugin
}

// Profile returns the profile with the given ID.
func (s *Snapshot) Profile(id string) (Profile, bool) {
	for _, p := range s.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// ProfileByName returns the profile with the given display name.
func (s *Snapshot) ProfileByName(name string) (Profile, bool) {
	for _, p := range s.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// Service returns the service with the given bus name.
func (s *Snapshot) Service(name string) (Service, bool) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return Service{}, false
}

// Capture reads every registry collection once and returns them as a snapshot.
// Without a Snapshotter the version is read before the collections, so a
// concurrent mutation can make the contents newer than the version.
func Capture(ctx context.Context, src Source) (*Snapshot, error) {
	if s, ok := src.(Snapshotter); ok {
		snap, err := s.CaptureSnapshot(ctx)
		if err != nil {
			return nil, unavailable("snapshot", err)
		}
		return snap, nil
	}

	snap := &Snapshot{CapturedAt: time.Now()}
	if v, ok := src.(Versioned); ok {
		snap.Version = v.Version()
	}

	var err error
	if snap.Services, err = src.FetchServices(ctx); err != nil {
		return nil, unavailable("services", err)
	}
	if snap.Agents, err = src.FetchAgents(ctx); err != nil {
		return nil, unavailable("agents", err)
	}
	if snap.Skills, err = src.FetchSkills(ctx); err != nil {
		return nil, unavailable("skills", err)
	}
	if snap.Profiles, err = src.FetchProfiles(ctx); err != nil {
		return nil, unavailable("profiles", err)
	}
	if snap.Plugins, err = src.FetchPlugins(ctx); err != nil {
		return nil, unavailable("plugins", err)
	}
	return snap, nil
}

func unavailable(what string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("fetching %s: %w", what, err)
	}
	return fmt.Errorf("fetching %s: %w: %v", what, ErrUnavailable, err)
}

// NewAgentFromURL synthesises the registry entry for a newly connected agent.
// The URL must be absolute with a host.
func NewAgentFromURL(rawURL string) (Agent, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Agent{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Agent{}, fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidURL, rawURL)
	}

	port := u.Port()
	if port == "" {
		port = "80"
	}

	return Agent{
		ID:                 uuid.New().String(),
		Name:               fmt.Sprintf("New Agent (%s)", port),
		URL:                rawURL,
		Status:             AgentConnected,
		Capabilities:       []string{"discovered_new_tool"},
		PluginID:           "plugin-core",
		ExecutionProfileID: "profile-realtime",
	}, nil
}
