// Package config contains utility structs/functions and types
// for validating the configurations across the bridge.
package config

// Config defines the minimal interface for a configuration
// in order to be validated.
type Config interface {
	// Validate checks the configuration and replaces
	// the invalid values with a fallback.
	Validate(ac *AnomalyCollector)
}
