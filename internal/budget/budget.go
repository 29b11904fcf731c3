package budget

import "fmt"

// Config defines spending guardrails for a chat session or a single turn.
// Nil pointer fields mean the limit is not enforced. MaxCost and MaxTokens
// bound LLM usage, MaxTimeSeconds bounds turn wall-clock time, and
// ApprovalThreshold bounds the booking amount that may be charged without an
// explicit user approval.
type Config struct {
	MaxCost           *float64
	MaxTokens         *int64
	MaxTimeSeconds    *int64
	ApprovalThreshold *float64
	RequireApproval   bool
	Metadata          map[string]interface{}
}

// FromLimits builds a Config from plain values, treating zero as "no limit".
func FromLimits(maxCost float64, maxTokens int64, maxTimeSeconds int64, approvalThreshold float64, requireApproval bool) Config {
	cfg := Config{RequireApproval: requireApproval}
	if maxCost > 0 {
		cfg.MaxCost = &maxCost
	}
	if maxTokens > 0 {
		cfg.MaxTokens = &maxTokens
	}
	if maxTimeSeconds > 0 {
		cfg.MaxTimeSeconds = &maxTimeSeconds
	}
	if approvalThreshold > 0 {
		cfg.ApprovalThreshold = &approvalThreshold
	}
	return cfg
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxCost != nil && *c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	if c.ApprovalThreshold != nil && *c.ApprovalThreshold < 0 {
		return fmt.Errorf("approval_threshold cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	clone := Config{
		RequireApproval: c.RequireApproval,
	}
	if c.MaxCost != nil {
		v := *c.MaxCost
		clone.MaxCost = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.MaxTimeSeconds != nil {
		v := *c.MaxTimeSeconds
		clone.MaxTimeSeconds = &v
	}
	if c.ApprovalThreshold != nil {
		v := *c.ApprovalThreshold
		clone.ApprovalThreshold = &v
	}
	if c.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// Merge overlays non-nil values from override onto base. Session budgets set
// by the user or an admin override the configured service defaults this way.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	if override.MaxCost != nil {
		v := *override.MaxCost
		result.MaxCost = &v
	}
	if override.MaxTokens != nil {
		v := *override.MaxTokens
		result.MaxTokens = &v
	}
	if override.MaxTimeSeconds != nil {
		v := *override.MaxTimeSeconds
		result.MaxTimeSeconds = &v
	}
	if override.ApprovalThreshold != nil {
		v := *override.ApprovalThreshold
		result.ApprovalThreshold = &v
	}
	if override.Metadata != nil {
		result.Metadata = make(map[string]interface{}, len(override.Metadata))
		for k, v := range override.Metadata {
			result.Metadata[k] = v
		}
	}
	if override.RequireApproval {
		result.RequireApproval = true
	}
	return result
}

// IsZero reports whether the config defines no explicit limits or requirements.
func (c Config) IsZero() bool {
	if c.MaxCost != nil && *c.MaxCost != 0 {
		return false
	}
	if c.MaxTokens != nil && *c.MaxTokens != 0 {
		return false
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds != 0 {
		return false
	}
	if c.ApprovalThreshold != nil && *c.ApprovalThreshold != 0 {
		return false
	}
	if c.RequireApproval {
		return false
	}
	return len(c.Metadata) == 0
}

// RequiresApproval returns true when a booking of the given amount must be
// approved by the user before the charge is placed.
func RequiresApproval(cfg Config, amount float64) bool {
	if cfg.RequireApproval {
		return true
	}
	if cfg.ApprovalThreshold != nil && amount > *cfg.ApprovalThreshold {
		return true
	}
	return false
}
