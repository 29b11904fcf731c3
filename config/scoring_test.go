package config

import "testing"

func TestScoringNormalize(t *testing.T) {
	cfg := ScoringConfig{
		PriceWeight:    -0.2,
		DurationWeight: 0,
		RatingWeight:   0,
		ProviderBias:   map[string]float64{" tg ": 2, "pg": -5, "": 0.5},
	}

	norm := cfg.Normalize()
	if norm.PriceWeight != 0.5 {
		t.Fatalf("expected price weight to default to 0.5, got %.2f", norm.PriceWeight)
	}
	if norm.DurationWeight != 0.3 {
		t.Fatalf("expected duration weight to default to 0.3, got %.2f", norm.DurationWeight)
	}
	if norm.RatingWeight != 0.2 {
		t.Fatalf("expected rating weight to default to 0.2, got %.2f", norm.RatingWeight)
	}
	if len(norm.ProviderBias) != 2 {
		t.Fatalf("expected 2 provider entries, got %d", len(norm.ProviderBias))
	}
	if norm.ProviderBias["TG"] != 1 {
		t.Fatalf("expected TG bias to clamp to 1, got %.2f", norm.ProviderBias["TG"])
	}
	if norm.ProviderBias["PG"] != -1 {
		t.Fatalf("expected PG bias to clamp to -1, got %.2f", norm.ProviderBias["PG"])
	}
}

func TestScoringValidate(t *testing.T) {
	cfg := ScoringConfig{PriceWeight: 0.6, DurationWeight: 0.2, RatingWeight: 0.2}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	bad := ScoringConfig{PriceWeight: 1.5}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected validation error for price weight")
	}
}
