package enums

import (
	"fmt"
	"strings"
)

// PricingPolicy selects the formula used to turn an engagement ratio into a price.
type PricingPolicy string

const (
	PricingPolicyProportional  PricingPolicy = "proportional"
	PricingPolicyDemandBounded PricingPolicy = "demand-bounded"
)

var validPricingPolicies = []PricingPolicy{
	PricingPolicyProportional,
	PricingPolicyDemandBounded,
}

func (p PricingPolicy) String() string {
	return string(p)
}

func (p PricingPolicy) IsValid() bool {
	for _, candidate := range validPricingPolicies {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePricingPolicy accepts the policy name case-insensitively; an empty
// value selects the proportional policy.
func ParsePricingPolicy(value string) (PricingPolicy, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return PricingPolicyProportional, nil
	}
	for _, candidate := range validPricingPolicies {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid pricing policy %q", value)
}
