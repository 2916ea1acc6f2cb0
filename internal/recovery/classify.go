// Package recovery classifies job failures and drives retries: per-category
// policies, remediation hints, and auto-retry countdowns that respect
// connectivity.
package recovery

import "strings"

// Category groups failures that share a retry policy.
type Category string

// Failure categories. Persistence is never produced by Classify; it labels
// non-fatal storage failures in logs.
const (
	CategoryNetwork     Category = "network"
	CategoryTimeout     Category = "timeout"
	CategoryRateLimit   Category = "rate_limit"
	CategoryAuth        Category = "auth"
	CategoryUnknown     Category = "unknown"
	CategoryPersistence Category = "persistence"
)

// Categories lists the categories Classify can return.
var Categories = []Category{
	CategoryNetwork,
	CategoryTimeout,
	CategoryRateLimit,
	CategoryAuth,
	CategoryUnknown,
}

type rule struct {
	category Category
	needles  []string
}

// Rules are checked in order; the first match wins.
var rules = []rule{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryRateLimit, []string{"rate limit", "ratelimit", "429", "too many requests"}},
	{CategoryAuth, []string{"401", "403", "unauthorized", "forbidden"}},
	{CategoryNetwork, []string{"network", "fetch", "connection", "offline", "no such host", "econnrefused"}},
}

// Classify maps an error message to a category. It is pure: the same message
// always yields the same category.
func Classify(message string) Category {
	lower := strings.ToLower(message)
	for _, r := range rules {
		for _, needle := range r.needles {
			if strings.Contains(lower, needle) {
				return r.category
			}
		}
	}
	return CategoryUnknown
}

var remediations = map[Category]string{
	CategoryNetwork:     "Check your internet connection and try again.",
	CategoryTimeout:     "The target took too long to respond. Try again or lower the result limit.",
	CategoryRateLimit:   "The target is rate limiting requests. Wait before retrying.",
	CategoryAuth:        "Your session is not authorized. Sign in again before retrying.",
	CategoryUnknown:     "An unexpected error occurred. Retry or dismiss the job.",
	CategoryPersistence: "Local job state could not be saved; progress tracking continues.",
}

// Remediation returns the suggested user action for c.
func Remediation(c Category) string {
	if s, ok := remediations[c]; ok {
		return s
	}
	return remediations[CategoryUnknown]
}
