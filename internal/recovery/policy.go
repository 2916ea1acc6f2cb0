package recovery

import (
	"fmt"
	"math"
	"time"
)

// Policy governs automatic retries for one category.
type Policy struct {
	RetryDelay        time.Duration `mapstructure:"retry_delay" json:"retry_delay"`
	MaxRetries        int           `mapstructure:"max_retries" json:"max_retries"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" json:"backoff_multiplier"`
}

// Delay returns the wait before retry number attempt (zero based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(p.RetryDelay) * math.Pow(mult, float64(attempt)))
}

// Validate rejects negative values.
func (p Policy) Validate() error {
	if p.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be >= 0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if p.BackoffMultiplier < 0 {
		return fmt.Errorf("backoff_multiplier must be >= 0")
	}
	return nil
}

// Policies maps categories to policies.
type Policies map[Category]Policy

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() Policies {
	return Policies{
		CategoryNetwork:   {RetryDelay: 5 * time.Second, MaxRetries: 3, BackoffMultiplier: 2},
		CategoryTimeout:   {RetryDelay: 10 * time.Second, MaxRetries: 3, BackoffMultiplier: 1.5},
		CategoryRateLimit: {RetryDelay: 60 * time.Second, MaxRetries: 2, BackoffMultiplier: 2},
		CategoryAuth:      {RetryDelay: 0, MaxRetries: 0, BackoffMultiplier: 1},
		CategoryUnknown:   {RetryDelay: 15 * time.Second, MaxRetries: 1, BackoffMultiplier: 2},
	}
}

// With returns a copy of ps with overrides applied.
func (ps Policies) With(overrides Policies) Policies {
	out := make(Policies, len(ps)+len(overrides))
	for c, p := range ps {
		out[c] = p
	}
	for c, p := range overrides {
		out[c] = p
	}
	return out
}

// For returns the policy for c, falling back to the unknown policy.
func (ps Policies) For(c Category) Policy {
	if p, ok := ps[c]; ok {
		return p
	}
	if p, ok := ps[CategoryUnknown]; ok {
		return p
	}
	return DefaultPolicies()[CategoryUnknown]
}

// ForMessage classifies message and returns its category and policy.
func (ps Policies) ForMessage(message string) (Category, Policy) {
	c := Classify(message)
	return c, ps.For(c)
}
