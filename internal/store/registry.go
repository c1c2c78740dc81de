// ABOUTME: Persistent capability registry: services, agents, skills, profiles and plugins tables
// ABOUTME: Reads keep insertion order via a position column; mutations bump registry_meta.version

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/opdbus-orchestrator/internal/registry"
)

// registryTables lists the registry tables, in the order they are cleared.
var registryTables = []string{"services", "agents", "skills", "profiles", "plugins"}

// Version returns the registry mutation counter. It returns 0 if the counter
// cannot be read.
func (s *SQLiteStore) Version() uint64 {
	var v int64
	if err := s.db.QueryRow(`SELECT value FROM registry_meta WHERE key = 'version'`).Scan(&v); err != nil {
		s.logger.Warn("reading registry version", "error", err)
		return 0
	}
	return uint64(v)
}

func bumpVersion(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `UPDATE registry_meta SET value = value + 1 WHERE key = 'version'`); err != nil {
		return fmt.Errorf("bumping registry version: %w", err)
	}
	return nil
}

// RegistryEmpty reports whether no registry entries are stored yet.
func (s *SQLiteStore) RegistryEmpty(ctx context.Context) (bool, error) {
	var n int
	query := `SELECT
		(SELECT COUNT(*) FROM services) + (SELECT COUNT(*) FROM agents) +
		(SELECT COUNT(*) FROM skills) + (SELECT COUNT(*) FROM profiles) +
		(SELECT COUNT(*) FROM plugins)`
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return false, fmt.Errorf("counting registry entries: %w", err)
	}
	return n == 0, nil
}

// ImportSeed replaces the stored registry with the seed's content in one
// transaction. The seed is validated first.
func (s *SQLiteStore) ImportSeed(ctx context.Context, seed *registry.Seed) error {
	if err := seed.Validate(); err != nil {
		return err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range registryTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		for i, svc := range seed.Services {
			if err := insertService(ctx, tx, i, svc); err != nil {
				return err
			}
		}
		for i, a := range seed.Agents {
			if err := insertAgent(ctx, tx, i, a); err != nil {
				return err
			}
		}
		for i, sk := range seed.Skills {
			if err := insertSkill(ctx, tx, i, sk); err != nil {
				return err
			}
		}
		for i, p := range seed.Profiles {
			if err := insertProfile(ctx, tx, i, p); err != nil {
				return err
			}
		}
		for i, p := range seed.Plugins {
			if err := insertPlugin(ctx, tx, i, p); err != nil {
				return err
			}
		}
		return bumpVersion(ctx, tx)
	})
	if err != nil {
		return err
	}

	s.logger.Info("registry imported",
		"services", len(seed.Services),
		"agents", len(seed.Agents),
		"skills", len(seed.Skills),
		"profiles", len(seed.Profiles),
		"plugins", len(seed.Plugins),
	)
	return nil
}

// Replace implements registry.Reloadable for the seed file watcher.
func (s *SQLiteStore) Replace(seed *registry.Seed) error {
	return s.ImportSeed(context.Background(), seed)
}

func insertService(ctx context.Context, tx *sql.Tx, pos int, svc registry.Service) error {
	objects, err := json.Marshal(svc.Objects)
	if err != nil {
		return fmt.Errorf("marshaling objects of %s: %w", svc.Name, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO services (id, position, name, status, objects_json) VALUES (?, ?, ?, ?, ?)`,
		svc.ID, pos, svc.Name, svc.Status, string(objects),
	)
	if err != nil {
		return fmt.Errorf("inserting service %s: %w", svc.ID, err)
	}
	return nil
}

func insertAgent(ctx context.Context, tx *sql.Tx, pos int, a registry.Agent) error {
	caps, err := json.Marshal(nonNil(a.Capabilities))
	if err != nil {
		return fmt.Errorf("marshaling capabilities of %s: %w", a.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, position, name, url, status, capabilities_json, plugin_id, execution_profile_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, pos, a.Name, a.URL, a.Status, string(caps), nullString(a.PluginID), nullString(a.ExecutionProfileID),
	)
	if err != nil {
		return fmt.Errorf("inserting agent %s: %w", a.ID, err)
	}
	return nil
}

func insertSkill(ctx context.Context, tx *sql.Tx, pos int, sk registry.Skill) error {
	params, err := json.Marshal(nonNil(sk.Parameters))
	if err != nil {
		return fmt.Errorf("marshaling parameters of %s: %w", sk.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO skills (id, position, name, description, category, parameters_json, plugin_id, execution_profile_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sk.ID, pos, sk.Name, sk.Description, sk.Category, string(params), nullString(sk.PluginID), nullString(sk.ExecutionProfileID),
	)
	if err != nil {
		return fmt.Errorf("inserting skill %s: %w", sk.ID, err)
	}
	return nil
}

func insertProfile(ctx context.Context, tx *sql.Tx, pos int, p registry.Profile) error {
	prefs, err := json.Marshal(nonNil(p.ModelPreferences))
	if err != nil {
		return fmt.Errorf("marshaling model preferences of %s: %w", p.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (id, position, name, description, model_preferences_json, temperature, timeout_ms, max_retries, icon)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, pos, p.Name, p.Description, string(prefs), p.Temperature, p.TimeoutMs, p.MaxRetries, nullString(p.Icon),
	)
	if err != nil {
		return fmt.Errorf("inserting profile %s: %w", p.ID, err)
	}
	return nil
}

func insertPlugin(ctx context.Context, tx *sql.Tx, pos int, p registry.Plugin) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO plugins (id, position, name, description, version, icon) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, pos, p.Name, p.Description, p.Version, nullString(p.Icon),
	)
	if err != nil {
		return fmt.Errorf("inserting plugin %s: %w", p.ID, err)
	}
	return nil
}

// unavailable wraps a query failure so registry.Capture reports it as a
// transport failure.
func unavailable(what string, err error) error {
	return fmt.Errorf("%w: querying %s: %v", registry.ErrUnavailable, what, err)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CaptureSnapshot reads the version and every registry table inside one read
// transaction, so the snapshot's version matches its contents.
func (s *SQLiteStore) CaptureSnapshot(ctx context.Context) (*registry.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	// SQLite defers the read lock to the first statement, so the version is
	// read first to pin the snapshot.
	var v int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM registry_meta WHERE key = 'version'`).Scan(&v); err != nil {
		return nil, unavailable("registry version", err)
	}
	snap := &registry.Snapshot{Version: uint64(v), CapturedAt: time.Now()}
	if snap.Services, err = fetchServices(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Agents, err = fetchAgents(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Skills, err = fetchSkills(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Profiles, err = fetchProfiles(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Plugins, err = fetchPlugins(ctx, tx); err != nil {
		return nil, err
	}
	return snap, nil
}

// FetchServices returns all services in insertion order.
func (s *SQLiteStore) FetchServices(ctx context.Context) ([]registry.Service, error) {
	return fetchServices(ctx, s.db)
}

// FetchAgents returns all agents in insertion order.
func (s *SQLiteStore) FetchAgents(ctx context.Context) ([]registry.Agent, error) {
	return fetchAgents(ctx, s.db)
}

// FetchSkills returns all skills in insertion order.
func (s *SQLiteStore) FetchSkills(ctx context.Context) ([]registry.Skill, error) {
	return fetchSkills(ctx, s.db)
}

// FetchProfiles returns all execution profiles in insertion order.
func (s *SQLiteStore) FetchProfiles(ctx context.Context) ([]registry.Profile, error) {
	return fetchProfiles(ctx, s.db)
}

// FetchPlugins returns all plugins in insertion order.
func (s *SQLiteStore) FetchPlugins(ctx context.Context) ([]registry.Plugin, error) {
	return fetchPlugins(ctx, s.db)
}

// fetchServices returns all services in insertion order.
func fetchServices(ctx context.Context, q queryer) ([]registry.Service, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name, status, objects_json FROM services ORDER BY position`)
	if err != nil {
		return nil, unavailable("services", err)
	}
	defer rows.Close()

	var services []registry.Service
	for rows.Next() {
		var svc registry.Service
		var objects string
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Status, &objects); err != nil {
			return nil, unavailable("services", err)
		}
		if err := json.Unmarshal([]byte(objects), &svc.Objects); err != nil {
			return nil, fmt.Errorf("decoding objects of %s: %w", svc.ID, err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("services", err)
	}
	return services, nil
}

// fetchAgents returns all agents in insertion order.
func fetchAgents(ctx context.Context, q queryer) ([]registry.Agent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, url, status, capabilities_json, plugin_id, execution_profile_id
		FROM agents ORDER BY position`)
	if err != nil {
		return nil, unavailable("agents", err)
	}
	defer rows.Close()

	var agents []registry.Agent
	for rows.Next() {
		var a registry.Agent
		var caps string
		var pluginID, profileID sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.URL, &a.Status, &caps, &pluginID, &profileID); err != nil {
			return nil, unavailable("agents", err)
		}
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decoding capabilities of %s: %w", a.ID, err)
		}
		a.PluginID = pluginID.String
		a.ExecutionProfileID = profileID.String
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("agents", err)
	}
	return agents, nil
}

// fetchSkills returns all skills in insertion order.
func fetchSkills(ctx context.Context, q queryer) ([]registry.Skill, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, description, category, parameters_json, plugin_id, execution_profile_id
		FROM skills ORDER BY position`)
	if err != nil {
		return nil, unavailable("skills", err)
	}
	defer rows.Close()

	var skills []registry.Skill
	for rows.Next() {
		var sk registry.Skill
		var params string
		var pluginID, profileID sql.NullString
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Category, &params, &pluginID, &profileID); err != nil {
			return nil, unavailable("skills", err)
		}
		if err := json.Unmarshal([]byte(params), &sk.Parameters); err != nil {
			return nil, fmt.Errorf("decoding parameters of %s: %w", sk.ID, err)
		}
		sk.PluginID = pluginID.String
		sk.ExecutionProfileID = profileID.String
		skills = append(skills, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("skills", err)
	}
	return skills, nil
}

// fetchProfiles returns all execution profiles in insertion order.
func fetchProfiles(ctx context.Context, q queryer) ([]registry.Profile, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, description, model_preferences_json, temperature, timeout_ms, max_retries, icon
		FROM profiles ORDER BY position`)
	if err != nil {
		return nil, unavailable("profiles", err)
	}
	defer rows.Close()

	var profiles []registry.Profile
	for rows.Next() {
		var p registry.Profile
		var prefs string
		var icon sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &prefs, &p.Temperature, &p.TimeoutMs, &p.MaxRetries, &icon); err != nil {
			return nil, unavailable("profiles", err)
		}
		if err := json.Unmarshal([]byte(prefs), &p.ModelPreferences); err != nil {
			return nil, fmt.Errorf("decoding model preferences of %s: %w", p.ID, err)
		}
		p.Icon = icon.String
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("profiles", err)
	}
	return profiles, nil
}

// fetchPlugins returns all plugins in insertion order.
func fetchPlugins(ctx context.Context, q queryer) ([]registry.Plugin, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name, description, version, icon FROM plugins ORDER BY position`)
	if err != nil {
		return nil, unavailable("plugins", err)
	}
	defer rows.Close()

	var plugins []registry.Plugin
	for rows.Next() {
		var p registry.Plugin
		var icon sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Version, &icon); err != nil {
			return nil, unavailable("plugins", err)
		}
		p.Icon = icon.String
		plugins = append(plugins, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("plugins", err)
	}
	return plugins, nil
}

// ConnectAgent synthesises an agent entry for the URL and appends it.
// Returns registry.ErrInvalidURL if the URL cannot be parsed.
func (s *SQLiteStore) ConnectAgent(ctx context.Context, rawURL string) (registry.Agent, error) {
	agent, err := registry.NewAgentFromURL(rawURL)
	if err != nil {
		return registry.Agent{}, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var next int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM agents`).Scan(&next); err != nil {
			return fmt.Errorf("reading agent position: %w", err)
		}
		if err := insertAgent(ctx, tx, next, agent); err != nil {
			return err
		}
		return bumpVersion(ctx, tx)
	})
	if err != nil {
		return registry.Agent{}, err
	}

	s.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", agent.ID,
		"name", agent.Name,
		"url", agent.URL,
	)
	return agent, nil
}

// RemoveAgent deletes the agent with the given ID.
// Returns registry.ErrAgentNotFound if it doesn't exist.
func (s *SQLiteStore) RemoveAgent(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting agent: %w", err)
		}
		if err := requireOneRow(res, id); err != nil {
			return err
		}
		return bumpVersion(ctx, tx)
	})
	if err != nil {
		return err
	}

	s.logger.Info("=== AGENT REMOVED ===", "agent_id", id)
	return nil
}

// SetAgentStatus updates the connection status of an agent.
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, id string, status registry.AgentStatus) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE agents SET status = ? WHERE id = ?`, status, id)
		if err != nil {
			return fmt.Errorf("updating agent status: %w", err)
		}
		if err := requireOneRow(res, id); err != nil {
			return err
		}
		return bumpVersion(ctx, tx)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("agent status changed", "agent_id", id, "status", status)
	return nil
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", registry.ErrAgentNotFound, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// errIsNoRows reports whether err is sql.ErrNoRows.
func errIsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
