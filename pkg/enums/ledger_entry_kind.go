package enums

import "fmt"

// LedgerEntryKind classifies a payment ledger entry.
type LedgerEntryKind string

const (
	LedgerEntryStream LedgerEntryKind = "stream"
	LedgerEntryFinal  LedgerEntryKind = "final"
	LedgerEntryRefund LedgerEntryKind = "refund"
)

var validLedgerEntryKinds = []LedgerEntryKind{
	LedgerEntryStream,
	LedgerEntryFinal,
	LedgerEntryRefund,
}

func (k LedgerEntryKind) String() string {
	return string(k)
}

// IsValid reports whether the value matches the canonical ledger entry kinds.
func (k LedgerEntryKind) IsValid() bool {
	for _, candidate := range validLedgerEntryKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseLedgerEntryKind converts raw input into LedgerEntryKind.
func ParseLedgerEntryKind(value string) (LedgerEntryKind, error) {
	for _, candidate := range validLedgerEntryKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger entry kind %q", value)
}
