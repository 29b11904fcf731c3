package budget

import "testing"

func TestConfigValidate(t *testing.T) {
	neg := float64(-1)
	cfg := Config{MaxCost: &neg}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}

	negThreshold := float64(-100)
	cfg = Config{ApprovalThreshold: &negThreshold}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected threshold validation error")
	}
}

func TestFromLimits(t *testing.T) {
	cfg := FromLimits(0.5, 0, 90, 1000, false)
	if cfg.MaxCost == nil || *cfg.MaxCost != 0.5 {
		t.Fatalf("expected max cost to be set")
	}
	if cfg.MaxTokens != nil {
		t.Fatalf("expected zero token limit to stay nil")
	}
	if cfg.MaxTimeSeconds == nil || *cfg.MaxTimeSeconds != 90 {
		t.Fatalf("expected time limit to be set")
	}
	if cfg.ApprovalThreshold == nil || *cfg.ApprovalThreshold != 1000 {
		t.Fatalf("expected approval threshold to be set")
	}
}

func TestMergeClone(t *testing.T) {
	cost := float64(5)
	base := Config{MaxCost: &cost, RequireApproval: false, Metadata: map[string]interface{}{"set_by": "defaults"}}
	override := Config{RequireApproval: true, Metadata: map[string]interface{}{"set_by": "user"}}
	merged := Merge(base, override)
	if !merged.RequireApproval {
		t.Fatalf("expected require approval flag")
	}
	if merged.Metadata["set_by"].(string) != "user" {
		t.Fatalf("expected metadata override")
	}
	if merged.MaxCost == nil || *merged.MaxCost != cost {
		t.Fatalf("expected max cost to persist")
	}
	// ensure clone
	merged.Metadata["set_by"] = "changed"
	if base.Metadata["set_by"].(string) != "defaults" {
		t.Fatalf("metadata should be isolated from base")
	}
}

func TestMonitorAddAndTime(t *testing.T) {
	maxCost := 5.0
	maxTokens := int64(1000)
	maxTime := int64(1)
	cfg := Config{MaxCost: &maxCost, MaxTokens: &maxTokens, MaxTimeSeconds: &maxTime}
	mon := NewMonitor(cfg)
	if err := mon.Add(2.5, 400); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mon.Add(3.0, 700); err == nil {
		t.Fatalf("expected token budget breach")
	}
}

func TestRequiresApproval(t *testing.T) {
	cfg := Config{}
	if RequiresApproval(cfg, 500) {
		t.Fatalf("unexpected approval requirement")
	}
	threshold := 400.0
	cfg.ApprovalThreshold = &threshold
	if !RequiresApproval(cfg, 500) {
		t.Fatalf("expected approval requirement when exceeding threshold")
	}
	cfg = Config{RequireApproval: true}
	if !RequiresApproval(cfg, 1) {
		t.Fatalf("expected approval requirement when flag is set")
	}
}
