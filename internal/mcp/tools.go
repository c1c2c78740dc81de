// ABOUTME: Converts capability index entries into MCP tool definitions.
// ABOUTME: Derives protocol-safe names and JSON Schemas from the rendered tool signatures.

package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/opdbus-orchestrator/internal/capability"
)

// maxToolNameLength is the longest name MCP clients are required to accept.
const maxToolNameLength = 128

// toolNames returns a protocol-safe name for every tool, in order. Qualified
// names contain spaces and punctuation, so each is reduced to letters,
// digits, '_', '-' and '.', and collisions get a numeric suffix.
func toolNames(tools []capability.Tool) []string {
	names := make([]string, len(tools))
	seen := make(map[string]int, len(tools))
	for i, t := range tools {
		base := sanitizeName(t)
		name := base
		if n := seen[base]; n > 0 {
			name = fmt.Sprintf("%s_%d", base, n+1)
		}
		seen[base]++
		names[i] = name
	}
	return names
}

func sanitizeName(t capability.Tool) string {
	var raw string
	switch t.Kind {
	case capability.KindDBusMethod:
		// "DBUS: svc iface.Method(args)" -> iface.Method
		raw = t.Name
		if fields := strings.Fields(raw); len(fields) >= 3 {
			raw = fields[2]
		}
		if i := strings.IndexByte(raw, '('); i >= 0 {
			raw = raw[:i]
		}
	case capability.KindAgentCapability:
		raw = "agent_" + t.Owner + "_" + afterColon(t.Name)
	case capability.KindSkill:
		raw = "skill_" + afterColon(t.Name)
	default:
		raw = t.Name
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.TrimRight(b.String(), "_")
	if name == "" {
		name = "tool"
	}
	if len(name) > maxToolNameLength-4 {
		name = name[:maxToolNameLength-4]
	}
	return name
}

func afterColon(s string) string {
	if i := strings.Index(s, ": "); i >= 0 {
		return s[i+2:]
	}
	return s
}

func toolDescription(t capability.Tool) string {
	desc := t.Line()
	if t.Kind == capability.KindDBusMethod {
		desc += " on " + t.Owner
	}
	return desc
}

// inputSchema builds an object schema from a "name: type, ..." signature.
// DBus type codes and skill parameter types both map onto JSON types.
func inputSchema(t capability.Tool) json.RawMessage {
	props := map[string]any{}
	var required []string
	for part := range strings.SplitSeq(t.Signature, ",") {
		name, typ, ok := strings.Cut(strings.TrimSpace(part), ":")
		name, typ = strings.TrimSpace(name), strings.TrimSpace(typ)
		if !ok || name == "" {
			continue
		}
		props[name] = map[string]any{
			"type":        jsonType(typ),
			"description": typ,
		}
		required = append(required, name)
	}

	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

func jsonType(typ string) string {
	switch strings.ToLower(typ) {
	case "b", "bool", "boolean":
		return "boolean"
	case "y", "n", "q", "i", "u", "x", "t", "h", "int", "integer":
		return "integer"
	case "d", "float", "number":
		return "number"
	case "object", "v":
		return "object"
	}
	if strings.HasPrefix(typ, "a{") {
		return "object"
	}
	if strings.HasSuffix(typ, "[]") || strings.EqualFold(typ, "array") || isDBusArray(typ) {
		return "array"
	}
	return "string"
}

func isDBusArray(sig string) bool {
	if len(sig) < 2 || sig[0] != 'a' {
		return false
	}
	return strings.Trim(sig[1:], "ybnqiuxtdhsogva(){}") == ""
}
