// Package config loads testhub settings.
//
// It provides functionality for:
//   - Loading testhub.json, .testhub.json, testhub.yml or testhub.yaml
//   - Default configuration values
//   - Merging command line overrides over file values
package config
