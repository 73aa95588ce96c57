// Package config provides configuration for the relay server.
//
// Settings come from three layers, later layers winning:
//   - built-in defaults (Default)
//   - an optional JSON file (Load)
//   - command line flags and RELAY_* environment variables, applied by the
//     server command
//
// Example file:
//
//	{
//	  "host": "0.0.0.0",
//	  "port": 8081,
//	  "auth_url": "https://cms.example.com/api/validate-token/",
//	  "auth_timeout": "5s",
//	  "reap_interval": "20s",
//	  "log_level": "info"
//	}
//
// Validate must pass before the configuration is used.
package config
