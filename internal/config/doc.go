// Package config provides configuration loading and validation for the meeting live service.
// It handles YAML-based configuration with defaults, .env loading and environment overrides
// for secrets and deployment URLs.
package config
