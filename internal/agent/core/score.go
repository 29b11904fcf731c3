package core

import (
	"sort"
	"strings"

	"github.com/voyatrip/voya/config"
)

// rankOptions scores a search result pool and sorts it best-first.
// Price and duration are normalised across the pool (cheapest and
// fastest score highest), hotel ratings map 0..5 onto 0..1, and
// configured provider bias shifts the result by at most ±0.1.
// Scores are clamped to 0..1. Ties break on price ascending.
func rankOptions(options []Option, cfg config.ScoringConfig) {
	if len(options) == 0 {
		return
	}
	cfg = cfg.Normalize()

	minPrice, maxPrice := priceRange(options)
	minDur, maxDur, hasDur := detailRange(options, "duration_minutes")

	weightSum := cfg.PriceWeight + cfg.DurationWeight + cfg.RatingWeight

	for i := range options {
		opt := &options[i]

		score := cfg.PriceWeight * normalizeInverse(opt.Price.Amount, minPrice, maxPrice)

		if hasDur {
			if dur, ok := detailFloat(opt.Details, "duration_minutes"); ok {
				score += cfg.DurationWeight * normalizeInverse(dur, minDur, maxDur)
			} else {
				score += cfg.DurationWeight * 0.5
			}
		} else {
			score += cfg.DurationWeight * 0.5
		}

		if rating, ok := detailFloat(opt.Details, "rating"); ok {
			score += cfg.RatingWeight * clamp01(rating/5.0)
		} else {
			score += cfg.RatingWeight * 0.5
		}

		if weightSum > 0 {
			score /= weightSum
		}

		// Non-stop flights get a small edge over equally priced itineraries.
		if stops, ok := detailFloat(opt.Details, "stops"); ok && stops == 0 {
			score += 0.05
		}

		if bias, ok := cfg.ProviderBias[strings.ToUpper(strings.TrimSpace(opt.Provider))]; ok {
			score += 0.1 * bias
		}

		opt.Score = clamp01(score)
	}

	sort.SliceStable(options, func(i, j int) bool {
		if options[i].Score != options[j].Score {
			return options[i].Score > options[j].Score
		}
		return options[i].Price.Amount < options[j].Price.Amount
	})
}

// priceRange returns the cheapest and most expensive option in the pool.
func priceRange(options []Option) (min, max float64) {
	min, max = options[0].Price.Amount, options[0].Price.Amount
	for _, opt := range options[1:] {
		if opt.Price.Amount < min {
			min = opt.Price.Amount
		}
		if opt.Price.Amount > max {
			max = opt.Price.Amount
		}
	}
	return min, max
}

// detailRange scans a numeric detail key across the pool. hasAny is false
// when no option carries the key.
func detailRange(options []Option, key string) (min, max float64, hasAny bool) {
	for _, opt := range options {
		v, ok := detailFloat(opt.Details, key)
		if !ok {
			continue
		}
		if !hasAny {
			min, max, hasAny = v, v, true
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, hasAny
}

// detailFloat reads a numeric value out of an option's detail map. JSON
// decoding and hand-built maps produce different numeric types.
func detailFloat(details map[string]interface{}, key string) (float64, bool) {
	if details == nil {
		return 0, false
	}
	switch v := details[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// normalizeInverse maps v in [min,max] to 1..0 so smaller values score
// higher. A degenerate range scores 1 for every option.
func normalizeInverse(v, min, max float64) float64 {
	if max <= min {
		return 1
	}
	return clamp01(1 - (v-min)/(max-min))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
