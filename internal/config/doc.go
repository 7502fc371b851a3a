// Package config loads, normalizes, and validates discburner configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads an optional .env file, and honours
// environment fallbacks such as DISCBURNER_API_KEY. The Config type centralizes
// every knob the daemon and CLI need so working folders, catalog credentials
// and queue limits are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
