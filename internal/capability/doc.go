// Package capability turns a registry snapshot into what a reasoner sees:
// the ordered tool index and the system state summary.
//
// Both are rebuilt from the snapshot captured at the start of every planning
// cycle and are never cached across cycles.
//
// Tool names have three shapes:
//
//	DBUS: <service> <interface>.<method>(<in args>)
//	AGENT [<agent name>]: <capability>
//	SKILL [<category>]: <skill name>
//
// Qualified names are unique within one index. Agents sharing a display
// name, or skills sharing a category and name, get " #<id prefix>" after the
// owner; any remaining repeat gets " #2", " #3" and so on.
//
// Disconnected agents contribute no tools.
package capability
