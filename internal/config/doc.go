// Package config handles configuration loading for fleet-gateway.
//
// # Configuration File
//
// Configuration is loaded from YAML, or from TOML when the file name ends in
// .toml. Both formats use the same keys:
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"   # agent hub
//	  http_addr: "0.0.0.0:8080"    # trigger API, SSE, health, log downloads
//
//	database:
//	  path: "/var/lib/fleet-gateway/fleet.db"
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"   # at least 32 bytes
//	  key_pepper: "${FLEET_KEY_PEPPER}"   # keys the machine key hash
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_write_interval: "10s"     # coalesces heartbeat DB writes
//	  outbox_size: 64                     # frames buffered per session
//
//	executions:
//	  pending_timeout: "10m"   # pending runs older than this are failed
//	  sweep_interval: "1m"
//
//	scheduler:
//	  enabled: true
//	  default_timezone: "UTC"
//
//	cluster:
//	  node_id: "gw-1"
//	  members: ["gw-1", "gw-2"]   # consistent-hash schedule ownership
//
//	logs:
//	  dir: "/var/lib/fleet-gateway/logs"
//	  base_url: "https://fleet.example.com"
//	  url_ttl: "15m"
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
//
// # Environment Variables
//
// ${VAR_NAME} anywhere in the file is replaced with the variable's value, or
// with an empty string when it is unset.
//
// # Durations
//
// Duration fields are strings parsed by time.ParseDuration. Empty fields take
// the Default* constants.
//
// # Reloading
//
// Watcher follows the file with fsnotify and calls back with each config that
// parses and validates. The gateway applies the logging level and cluster
// membership live; other fields take effect on restart.
package config
