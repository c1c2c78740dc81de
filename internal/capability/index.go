// ABOUTME: Flattens a registry snapshot into the ordered list of tools a plan may call.
// ABOUTME: DBus methods come first, then connected agent capabilities, then skills.

package capability

import (
	"fmt"
	"slices"
	"strings"

	"github.com/2389/opdbus-orchestrator/internal/registry"
)

// Kind identifies which registry collection a tool came from.
type Kind string

const (
	KindDBusMethod      Kind = "DBUS_METHOD"
	KindAgentCapability Kind = "AGENT_CAPABILITY"
	KindSkill           Kind = "SKILL"
)

const (
	// SystemProfile labels every DBus method.
	SystemProfile = "System"
	// FallbackProfile labels agents and skills whose profile id does not resolve.
	FallbackProfile = "Standard"
)

// Tool is one invocable capability. Name is the qualified name a plan's
// call step refers to; it embeds the kind and owner, so equal capability
// strings from different agents stay distinguishable. Owners sharing a
// display name are told apart by registry id.
type Tool struct {
	Profile     string `json:"profile"`
	Name        string `json:"name"`
	Signature   string `json:"signature"`
	Kind        Kind   `json:"kind"`
	Owner       string `json:"owner"`
	Description string `json:"description,omitempty"`
}

// Line renders the tool the way it is presented to a reasoner:
// "[Profile] <name>", with skills adding "(params) - description".
func (t Tool) Line() string {
	line := "[" + t.Profile + "] " + t.Name
	if t.Kind == KindSkill {
		line += "(" + t.Signature + ")"
		if t.Description != "" {
			line += " - " + t.Description
		}
	}
	return line
}

// Build expands the registry collections into tools. Output order depends
// only on input order.
func Build(services []registry.Service, agents []registry.Agent, skills []registry.Skill, profiles []registry.Profile) []Tool {
	names := make(map[string]string, len(profiles))
	for _, p := range profiles {
		names[p.ID] = p.Name
	}
	profileName := func(id string) string {
		if n, ok := names[id]; ok && n != "" {
			return n
		}
		return FallbackProfile
	}

	var tools []Tool

	for _, svc := range services {
		walkObjects(svc.Objects, func(iface registry.Interface) {
			for _, m := range iface.Methods {
				sig := formatArgs(m.InArgs())
				tools = append(tools, Tool{
					Profile:   SystemProfile,
					Name:      fmt.Sprintf("DBUS: %s %s.%s(%s)", svc.Name, iface.Name, m.Name, sig),
					Signature: sig,
					Kind:      KindDBusMethod,
					Owner:     svc.Name,
				})
			}
		})
	}

	var connected []registry.Agent
	for _, a := range agents {
		if a.Status == registry.AgentConnected {
			connected = append(connected, a)
		}
	}
	agentSuffix := ownerSuffixes(len(connected),
		func(i int) string { return connected[i].Name },
		func(i int) string { return connected[i].ID })
	for i, a := range connected {
		owner := a.Name + agentSuffix[i]
		profile := profileName(a.ExecutionProfileID)
		for _, c := range a.Capabilities {
			tools = append(tools, Tool{
				Profile: profile,
				Name:    fmt.Sprintf("AGENT [%s]: %s", owner, c),
				Kind:    KindAgentCapability,
				Owner:   owner,
			})
		}
	}

	// A skill is addressed by category and name, so only that pair needs
	// to be unique.
	skillSuffix := ownerSuffixes(len(skills),
		func(i int) string { return skills[i].Category + "/" + skills[i].Name },
		func(i int) string { return skills[i].ID })
	for i, s := range skills {
		tools = append(tools, Tool{
			Profile:     profileName(s.ExecutionProfileID),
			Name:        fmt.Sprintf("SKILL [%s%s]: %s", s.Category, skillSuffix[i], s.Name),
			Signature:   formatParams(s.Parameters),
			Kind:        KindSkill,
			Owner:       s.Category,
			Description: s.Description,
		})
	}

	return uniqueNames(tools)
}

// idPrefixLen is how much of a registry id disambiguates a repeated owner.
const idPrefixLen = 8

// ownerSuffixes returns one suffix per entry: empty when no other entry
// shares its key, else " #" and a prefix of the entry's id. The prefix grows
// until the group's suffixes differ; entries whose ids cannot tell them apart
// fall back to their position within the group.
func ownerSuffixes(n int, key, id func(int) string) []string {
	groups := make(map[string][]int, n)
	for i := range n {
		groups[key(i)] = append(groups[key(i)], i)
	}

	suffixes := make([]string, n)
	for _, members := range groups {
		if len(members) == 1 {
			continue
		}
		ids := make([]string, len(members))
		for j, i := range members {
			ids[j] = id(i)
		}
		width := distinctPrefix(ids)
		for j, i := range members {
			if width < 0 {
				suffixes[i] = fmt.Sprintf(" #%d", j+1)
				continue
			}
			suffixes[i] = " #" + ids[j][:min(width, len(ids[j]))]
		}
	}
	return suffixes
}

// distinctPrefix returns the shortest prefix length, at least idPrefixLen,
// under which every id is distinct, or -1 when some ids are equal or empty.
func distinctPrefix(ids []string) int {
	longest := 0
	for _, id := range ids {
		if id == "" {
			return -1
		}
		longest = max(longest, len(id))
	}
	for width := min(idPrefixLen, longest); width <= longest; width++ {
		seen := make(map[string]bool, len(ids))
		ok := true
		for _, id := range ids {
			p := id[:min(width, len(id))]
			if seen[p] {
				ok = false
				break
			}
			seen[p] = true
		}
		if ok {
			return width
		}
	}
	return -1
}

// uniqueNames suffixes any qualified name already taken by an earlier tool,
// such as one DBus interface exposed on two object paths, with " #2", " #3"
// and so on.
func uniqueNames(tools []Tool) []Tool {
	taken := make(map[string]bool, len(tools))
	for _, t := range tools {
		taken[t.Name] = true
	}
	seen := make(map[string]int, len(tools))
	for i, t := range tools {
		seen[t.Name]++
		if seen[t.Name] == 1 {
			continue
		}
		for n := seen[t.Name]; ; n++ {
			candidate := fmt.Sprintf("%s #%d", t.Name, n)
			if !taken[candidate] {
				taken[candidate] = true
				tools[i].Name = candidate
				seen[t.Name] = n
				break
			}
		}
	}
	return tools
}

// walkObjects visits every interface depth-first, parents before children.
func walkObjects(objs []registry.Object, visit func(registry.Interface)) {
	for _, o := range objs {
		for _, iface := range o.Interfaces {
			visit(iface)
		}
		walkObjects(o.Children, visit)
	}
}

func formatArgs(args []registry.Arg) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.Name + ": " + a.Type
	}
	return strings.Join(parts, ", ")
}

func formatParams(params []registry.Param) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.Name + ": " + p.Type
	}
	return strings.Join(parts, ", ")
}

// Index is the tool list captured for one planning cycle, with lookup by
// qualified name.
type Index struct {
	tools  []Tool
	byName map[string]int
	byLine map[string]int
}

// NewIndex indexes tools. Build never repeats a qualified name; for lists
// built elsewhere the first of two equal names wins lookups and both stay in
// the list.
func NewIndex(tools []Tool) *Index {
	ix := &Index{
		tools:  slices.Clone(tools),
		byName: make(map[string]int, len(tools)),
		byLine: make(map[string]int, len(tools)),
	}
	for i, t := range ix.tools {
		if _, ok := ix.byName[t.Name]; !ok {
			ix.byName[t.Name] = i
		}
		if _, ok := ix.byLine[t.Line()]; !ok {
			ix.byLine[t.Line()] = i
		}
	}
	return ix
}

// FromSnapshot builds the index for a captured registry snapshot.
func FromSnapshot(snap *registry.Snapshot) *Index {
	return NewIndex(Build(snap.Services, snap.Agents, snap.Skills, snap.Profiles))
}

// Len returns the number of tools.
func (ix *Index) Len() int { return len(ix.tools) }

// Tools returns a copy of the ordered tool list.
func (ix *Index) Tools() []Tool { return slices.Clone(ix.tools) }

// Lines returns every tool rendered with Line, in order.
func (ix *Index) Lines() []string {
	lines := make([]string, len(ix.tools))
	for i, t := range ix.tools {
		lines[i] = t.Line()
	}
	return lines
}

// Lookup resolves a call step's tool name. It accepts the qualified name or
// the full rendered line, with or without the leading profile label, since
// reasoners tend to echo whichever form they were shown.
func (ix *Index) Lookup(name string) (Tool, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tool{}, false
	}
	if i, ok := ix.byName[name]; ok {
		return ix.tools[i], true
	}
	if i, ok := ix.byLine[name]; ok {
		return ix.tools[i], true
	}

	bare := stripProfile(name)
	if i, ok := ix.byName[bare]; ok {
		return ix.tools[i], true
	}
	for i, t := range ix.tools {
		if stripProfile(t.Line()) == bare {
			return ix.tools[i], true
		}
	}
	return Tool{}, false
}

// stripProfile drops a leading "[Profile] " label.
func stripProfile(s string) string {
	if !strings.HasPrefix(s, "[") {
		return s
	}
	end := strings.Index(s, "] ")
	if end < 0 {
		return s
	}
	return strings.TrimSpace(s[end+2:])
}
