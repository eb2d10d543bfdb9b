// Package config loads mercury's service settings from the environment and
// its per-provider interaction profiles from a TOML file.
package config
