// Package config loads the modelmut configuration.
//
// A configuration file is YAML, JSON or CUE, chosen by extension. Values
// not present in the file keep their defaults (see Default). CUE files are
// first checked against a closed schema (see Schema), so misspelled keys
// and out-of-range values are reported with file positions. After the file,
// MODELMUT_* environment variables are applied, for example:
//
//	MODELMUT_LOCK_MODE=reject
//	MODELMUT_LOCK_BACKEND=redis
//	MODELMUT_REDIS_ADDRESS=redis:6379
//	MODELMUT_RUN_TIMEOUT=30s
//	MODELMUT_STORE_PATH=/var/lib/modelmut/history.db
//	MODELMUT_POLICY_PATHS=policies:/etc/modelmut/policies
//
// The result is validated with struct tags; every problem is returned
// together as Errors.
//
// Example configuration:
//
//	provider:
//	  name: modelfile
//	  version: "9.2"
//	run:
//	  timeout: 30s
//	lock:
//	  mode: wait
//	  backend: local
//	store:
//	  enabled: true
//	  path: .modelmut/history.db
//	policy:
//	  enabled: true
//	  paths: [policies]
package config
