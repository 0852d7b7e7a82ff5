// Package config loads, normalizes, and validates nodekeeper configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and layers NODEKEEPER_* environment overrides
// on top. The Config type centralizes every knob the daemon and CLI need: the
// worker's working directory and binaries, notification fan-out limits, and
// the optional HTTP gateway.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
