// Package config loads, validates and watches the gateway configuration.
//
// Configuration is read from YAML, or TOML when the file has a .toml
// extension. ${VAR} and ${VAR:-default} references are expanded from the
// environment before decoding, and $$ escapes a literal dollar sign.
// Values missing from the file keep the defaults from DefaultConfig.
package config
