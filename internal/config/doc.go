// Package config handles configuration loading for relayd.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// References in the form ${VAR_NAME} anywhere in the file are replaced with
// the value of the corresponding environment variable before parsing, so
// secrets never need to live in the file itself.
//
// Duration fields are written as Go duration strings ("500ms", "15s", "72h")
// and parsed into time.Duration during Load.
//
// # Example
//
//	database:
//	  path: ${RELAY_DATA_DIR}/relay.db
//
//	workers:
//	  count: 4
//	  max_attempts: 3
//	  base_delay: 500ms
//	  max_delay: 15s
//	  jitter: 0.2
//
//	translation:
//	  languages: [FR, DE]
//	  rate_per_second: 5
//	  burst: 10
//
//	retention:
//	  translation_age: 720h
//
//	logging:
//	  level: info
//	  format: json
//
// Load performs validation after parsing; a missing database path or an
// out-of-range jitter fraction fails fast with a descriptive error.
package config
