// ABOUTME: Prompt builders for live reasoners: plan generation, tool simulation, interface explanation, deploy logs.
// ABOUTME: Plan prompts embed the system snapshot, profile guidance, tool lines and the expected JSON shape.

package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/opdbus-orchestrator/internal/capability"
	"github.com/2389/opdbus-orchestrator/internal/registry"
)

// PlanPrompt asks for a JSON array of thought and call steps.
func PlanPrompt(task string, tools []capability.Tool, sysContext string) string {
	var b strings.Builder
	b.WriteString("You are an intelligent Model-Agnostic Orchestration Engine for the 'op-dbus-v2' system.\n")
	b.WriteString("Your task is to break down the user's request into a sequence of tool executions.\n\n")

	b.WriteString("GLOBAL SYSTEM CONTEXT:\n")
	b.WriteString(sysContext)
	b.WriteString("\n\n")

	b.WriteString("Key capabilities:\n")
	b.WriteString("- Every tool carries an Execution Profile (e.g. Real-time, Reasoning). Consider it when choosing.\n")
	b.WriteString("- For complex reasoning prefer tools with the 'Deep Reasoning' profile; for simple queries prefer 'Real-time'.\n")
	b.WriteString("- Use the SYSTEM CONTEXT to make decisions. If a service is down, do not query it without starting it first.\n")
	b.WriteString("- If the user asks for system analysis, look for 'Log Analysis' or 'System Health Check'.\n")
	b.WriteString("- toolName must be copied exactly from the list below, without the [PROFILE] prefix.\n\n")

	b.WriteString("Available Tools & Skills (Format: [PROFILE] ToolName - Description):\n")
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.Line())
		b.WriteString("\n")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "User Request: %q\n\n", task)

	b.WriteString(`Return a JSON array of steps (thought, call).
Output JSON Schema:
[
  { "type": "thought", "content": "string" },
  { "type": "call", "toolName": "string", "args": { "key": "value" }, "content": "description", "executionProfile": "string (optional, derived from tool)" }
]
`)
	return b.String()
}

// ToolPrompt asks the reasoner to simulate a tool's JSON output.
func ToolPrompt(toolName string, args map[string]any, sysContext string) string {
	argJSON, err := json.Marshal(args)
	if err != nil {
		argJSON = []byte("{}")
	}
	if sysContext == "" {
		sysContext = "User requested an operation."
	}

	var b strings.Builder
	b.WriteString("You are a Tool Execution Simulator for a system dashboard (op-dbus-v2).\n\n")
	fmt.Fprintf(&b, "Task: Simulate the output of the tool '%s' with arguments: %s.\n", toolName, argJSON)
	fmt.Fprintf(&b, "Context: %s\n\n", sysContext)
	b.WriteString(`Requirements:
- Return realistic, structured JSON data that this tool would produce.
- If it's a query (e.g., SQL, Log), return plausible mock rows/logs with ISO timestamps.
- If it's an action (e.g., Restart, Build), return a status report.
- If it's a code analysis, return a list of issues found.
- Do not include Markdown formatting or code blocks. Just raw JSON.
`)
	return b.String()
}

// ExplainPrompt asks for a markdown explanation of a DBus interface.
func ExplainPrompt(iface registry.Interface) string {
	var b strings.Builder
	b.WriteString("You are a Linux Systems Expert specializing in DBus and low-level system architecture.\n\n")
	b.WriteString("Explain the following DBus Interface in a concise, developer-friendly way.\n")
	b.WriteString("Identify its likely purpose, what service it belongs to (e.g., systemd, NetworkManager), ")
	b.WriteString("and give an example of how one might use the 'StartUnit' or similar important method if present.\n\n")

	fmt.Fprintf(&b, "Interface Name: %s\n\n", iface.Name)

	b.WriteString("Methods:\n")
	for _, m := range iface.Methods {
		args := make([]string, len(m.Args))
		for i, a := range m.Args {
			args[i] = a.Name + ": " + a.Type
		}
		fmt.Fprintf(&b, "- %s(%s)\n", m.Name, strings.Join(args, ", "))
	}

	b.WriteString("\nProperties:\n")
	for _, p := range iface.Properties {
		fmt.Fprintf(&b, "- %s (%s) [%s]\n", p.Name, p.Type, p.Access)
	}

	b.WriteString("\nFormat the response in Markdown. Keep it technical but clear.\n")
	return b.String()
}

// DeployPrompt asks for a realistic installation log stream.
func DeployPrompt(cfg DeployConfig) string {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		cfgJSON = []byte("{}")
	}

	var b strings.Builder
	b.WriteString("Act as a Linux installation script logger for 'op-dbus-v2'.\n")
	fmt.Fprintf(&b, "Configuration: %s\n\n", cfgJSON)
	b.WriteString("Task: Generate a realistic, real-time log stream for the installation process.\n\n")
	b.WriteString("Requirements:\n")
	b.WriteString("- Start immediately.\n")
	b.WriteString("- Output raw text lines. No markdown.\n")
	b.WriteString("- Include timestamps [HH:MM:SS] at the start of lines.\n")
	b.WriteString("- Cover these stages:\n")
	b.WriteString("  1. Environment Check (Kernel, Permissions).\n")
	b.WriteString("  2. Dependency Resolution (apt-get/yum simulation).\n")
	fmt.Fprintf(&b, "  3. Binary Installation to %s.\n", cfg.InstallPath)
	fmt.Fprintf(&b, "  4. Configuration Write to %s.\n", cfg.ConfigPath)
	b.WriteString("  5. Systemd Unit Creation.\n")
	fmt.Fprintf(&b, "  6. Service Startup on Port %d.\n", cfg.Port)
	b.WriteString("- End with \"DEPLOYMENT SUCCESSFUL\".\n")
	return b.String()
}
