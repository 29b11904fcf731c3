package config

import (
	"fmt"
	"strings"
)

// ScoringConfig controls how search options are ranked before selection.
// ProviderBias maps carrier or hotel chain codes to a -1..1 adjustment.
type ScoringConfig struct {
	PriceWeight    float64            `mapstructure:"price_weight"`
	DurationWeight float64            `mapstructure:"duration_weight"`
	RatingWeight   float64            `mapstructure:"rating_weight"`
	ProviderBias   map[string]float64 `mapstructure:"provider_bias"`
}

// Normalize clamps configuration values and standardises keys.
func (c ScoringConfig) Normalize() ScoringConfig {
	cfg := c
	if cfg.PriceWeight < 0 {
		cfg.PriceWeight = 0
	}
	if cfg.DurationWeight < 0 {
		cfg.DurationWeight = 0
	}
	if cfg.RatingWeight < 0 {
		cfg.RatingWeight = 0
	}
	if cfg.PriceWeight == 0 && cfg.DurationWeight == 0 && cfg.RatingWeight == 0 {
		cfg.PriceWeight = 0.5
		cfg.DurationWeight = 0.3
		cfg.RatingWeight = 0.2
	}
	if cfg.ProviderBias == nil {
		cfg.ProviderBias = map[string]float64{}
	}
	providerBias := make(map[string]float64, len(cfg.ProviderBias))
	for code, value := range cfg.ProviderBias {
		key := strings.TrimSpace(strings.ToUpper(code))
		if key == "" {
			continue
		}
		if value < -1 {
			value = -1
		}
		if value > 1 {
			value = 1
		}
		providerBias[key] = value
	}
	cfg.ProviderBias = providerBias
	return cfg
}

// Validate ensures configuration is internally consistent.
func (c ScoringConfig) Validate() error {
	if c.PriceWeight < 0 || c.PriceWeight > 1 {
		return fmt.Errorf("price_weight must be between 0 and 1")
	}
	if c.DurationWeight < 0 || c.DurationWeight > 1 {
		return fmt.Errorf("duration_weight must be between 0 and 1")
	}
	if c.RatingWeight < 0 || c.RatingWeight > 1 {
		return fmt.Errorf("rating_weight must be between 0 and 1")
	}
	return nil
}
