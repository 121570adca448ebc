// Package config loads, normalizes, and validates the daemon's TOML
// configuration. Defaults come first, the config file overrides them, and a
// handful of secrets fall back to environment variables so files never need
// to hold credentials.
package config
