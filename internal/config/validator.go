package config

import (
	"github.com/FerroO2000/msgbridge/internal/telemetry"
)

// Validator is an utility struct for validating a configuration.
// Every anomaly found is logged as a warning.
type Validator struct {
	tel *telemetry.Telemetry

	anomalyCollector *AnomalyCollector
}

// NewValidator returns a new validator.
func NewValidator(tel *telemetry.Telemetry) *Validator {
	return &Validator{
		tel: tel,

		anomalyCollector: NewAnomalyCollector(),
	}
}

// Validate validates the given configuration and returns
// the number of anomalies that were fixed.
func (v *Validator) Validate(cfg Config) int {
	v.anomalyCollector.reset()

	cfg.Validate(v.anomalyCollector)

	for anomaly := range v.anomalyCollector.All() {
		v.handleAnomaly(anomaly)
	}

	return v.anomalyCollector.Len()
}

func (v *Validator) handleAnomaly(an *Anomaly) {
	v.tel.LogWarn("config anomaly",
		"field", an.Field, "reason", an.Reason,
		"actual", an.Actual, "fallback", an.Fallback)
}
