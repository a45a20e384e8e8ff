// Package config loads llmkit runtime configuration from an optional JSON or
// YAML file, overlays environment variables such as provider API keys and
// endpoint overrides, and fills in defaults for everything left unset.
package config
