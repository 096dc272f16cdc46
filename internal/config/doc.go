// Package config handles configuration loading for toolbridge.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	journal:
//	  path: "${TOOLBRIDGE_JOURNAL_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  ttl: "30m"
//	  max_ttl: "4h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  provider_addr: "0.0.0.0:8700"  # browser extension connections
//	  consumer_addr: "0.0.0.0:8701"  # MCP agent connections
//	  idle_timeout: "5m"
//	  message_rate: 50               # inbound frames/sec per connection
//	  message_burst: 100
//
// Session limits:
//
//	sessions:
//	  ttl: "30m"
//	  max_ttl: "4h"
//	  max_pending: 32
//	  max_members: 16
//
// Call forwarding:
//
//	relay:
//	  call_timeout: "30s"
//	  sweep_interval: "15s"
//
// Journal (optional SQLite event log):
//
//	journal:
//	  enabled: true
//	  path: "/var/lib/toolbridge/journal.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/toolbridge/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
