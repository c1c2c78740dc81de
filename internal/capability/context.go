// ABOUTME: Renders the system state snapshot handed to the reasoner with every plan request.
// ABOUTME: Lists active services and connected agents plus the start-before-query planning rule.

package capability

import (
	"fmt"
	"strings"

	"github.com/2389/opdbus-orchestrator/internal/registry"
)

// StartBeforeQueryRule is the planning directive carried in every snapshot.
// The snapshotter only states it; enforcement is up to the reasoner.
const StartBeforeQueryRule = "If a user asks to query a DBus service that is NOT active, you must attempt to start it first or report it as offline."

// Snapshot summarises live system state. It is a pure function of its inputs.
func Snapshot(services []registry.Service, agents []registry.Agent) string {
	var active []string
	for _, s := range services {
		if s.Status == registry.ServiceActive {
			active = append(active, s.Name)
		}
	}

	var connected []string
	for _, a := range agents {
		if a.Status == registry.AgentConnected {
			connected = append(connected, fmt.Sprintf("%s (%s)", a.Name, a.URL))
		}
	}

	var b strings.Builder
	b.WriteString("[SYSTEM STATE SNAPSHOT]\n")
	fmt.Fprintf(&b, "Active DBus Services (%d): %s\n", len(active), joinOrNone(active))
	fmt.Fprintf(&b, "Connected MCP Agents (%d): %s\n", len(connected), joinOrNone(connected))
	b.WriteString("\n[ORCHESTRATION RULES]\n")
	b.WriteString("1. " + StartBeforeQueryRule + "\n")
	b.WriteString("\n[HINTS]\n")
	b.WriteString("- Prefer connected MCP agents for specialized tasks (e.g., use 'Docker Orchestrator' for container tasks).\n")
	return b.String()
}

// SnapshotOf renders the snapshot for a captured registry.
func SnapshotOf(snap *registry.Snapshot) string {
	return Snapshot(snap.Services, snap.Agents)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
