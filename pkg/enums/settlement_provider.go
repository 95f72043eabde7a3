package enums

import (
	"fmt"
	"strings"
)

// SettlementProviderKind names a settlement backend.
type SettlementProviderKind string

const (
	SettlementProviderNoop     SettlementProviderKind = "noop"
	SettlementProviderPostgres SettlementProviderKind = "postgres"
	SettlementProviderBolt     SettlementProviderKind = "bolt"
)

var validSettlementProviderKinds = []SettlementProviderKind{
	SettlementProviderNoop,
	SettlementProviderPostgres,
	SettlementProviderBolt,
}

func (k SettlementProviderKind) String() string {
	return string(k)
}

func (k SettlementProviderKind) IsValid() bool {
	for _, candidate := range validSettlementProviderKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseSettlementProviderKind converts raw input into SettlementProviderKind.
func ParseSettlementProviderKind(value string) (SettlementProviderKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validSettlementProviderKinds {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid settlement provider %q", value)
}
