// Package config loads the gatekeeper server configuration from a YAML file,
// fills defaults and validates it.
package config
