// Package config handles configuration loading for the opdbus orchestrator.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Unset fields receive defaults before validation, so an empty file (or no
// file at all, via Default) yields a working single-provider setup.
//
// # Configuration File
//
// The CLI resolves the path in this order:
//
//  1. --config flag
//  2. OPDBUS_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/opdbus/config.yaml (~/.config/opdbus/config.yaml)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${OPDBUS_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	orchestrator:
//	  step_delay: "600ms"    # "0s" disables pacing
//	  run_retention: "1h"
//	  retry_backoff: "250ms"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	tailscale:
//	  enabled: false
//	  hostname: "opdbus"
//	  auth_key: "${TS_AUTHKEY}"
//
//	database:
//	  driver: "sqlite"       # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "./data/opdbus.db"
//
//	registry:
//	  backend: "memory"      # memory or sqlite
//	  seed_file: ""          # YAML or TOML; empty = embedded seed
//	  watch: false
//
//	orchestrator:
//	  unresolved_tools: "reject"   # reject or delegate
//	  default_provider: "mock"
//
//	providers:
//	  - { id: "mock", kind: "mock" }
//	  - { id: "llama3", kind: "ollama", base_url: "http://127.0.0.1:11434", model: "llama3" }
//
//	nats:
//	  url: ""                # empty disables publishing
//	  subject_prefix: "opdbus.runs"
//
//	logging:
//	  level: "info"          # debug, info, warn, error
//	  format: "text"         # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/opdbus/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
