// Package config loads campus-chatd configuration from YAML files with
// ${VAR} environment expansion, duration parsing and validation.
package config
