// Package settlement executes value transfers for metered playback. Every
// implementation honors the same contract: non-positive amounts succeed
// without touching the ledger, successful charges are replayed for a reused
// idempotency key, and refunds are not supported.
package settlement

import (
	"context"
	"fmt"
	"strings"
)

const ZeroAmountRef = "zero_amount"

const errRefundUnsupported = "refunds not supported"

// Terminal ledger result codes. Only ResultSuccess maps to a successful charge.
const (
	ResultSuccess       = "tesSUCCESS"
	ResultUnfunded      = "tecUNFUNDED_PAYMENT"
	ResultNoDestination = "tecNO_DST"
	ResultNoAccount     = "tecNO_ACCOUNT"
)

type ChargeRequest struct {
	// Payer is the fallback account when no credential is supplied.
	Payer string
	// PayerIdentity names the viewer installation behind the charge. It is
	// carried for audit only and never selects an account.
	PayerIdentity  string
	Amount         int64
	Memo           string
	IdempotencyKey string
	// Credential selects a per-viewer wallet account.
	Credential string
}

// PayerAccount returns the account the charge debits.
func (r ChargeRequest) PayerAccount() string {
	if c := strings.TrimSpace(r.Credential); c != "" {
		return c
	}
	return strings.TrimSpace(r.Payer)
}

// Result reports a charge. Amount is what the ledger actually moved: for a
// replayed key it is the stored transfer's amount, which may differ from the
// requested one.
type Result struct {
	Success        bool   `json:"success"`
	TransactionRef string `json:"transaction_ref"`
	Amount         int64  `json:"amount"`
	Replayed       bool   `json:"replayed,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Provider is the settlement capability injected into reconciliation.
type Provider interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) Result
	Refund(ctx context.Context, transactionRef string) Result
}

// AccountBalance is a point-in-time ledger balance in minor units.
type AccountBalance struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

type Status struct {
	Provider  string           `json:"provider"`
	Connected bool             `json:"connected"`
	Receiver  string           `json:"receiver,omitempty"`
	Accounts  []AccountBalance `json:"accounts"`
}

// StatusReporter is implemented by providers that can report balances.
type StatusReporter interface {
	Status(ctx context.Context) (*Status, error)
}

func zeroAmount() Result {
	return Result{Success: true, TransactionRef: ZeroAmountRef, Amount: 0}
}

// replayedTransfer is returned when the idempotency key already committed a
// transfer; the caller records the stored amount and charges any remainder
// under a new key.
func replayedTransfer(ref string, amount int64) Result {
	return Result{Success: true, TransactionRef: ref, Amount: amount, Replayed: true}
}

func refundUnsupported(ref string) Result {
	return Result{TransactionRef: ref, Error: errRefundUnsupported}
}

func failed(amount int64, format string, args ...any) Result {
	return Result{Amount: amount, Error: fmt.Sprintf(format, args...)}
}

// resultFor maps a terminal ledger code onto a charge result.
func resultFor(code, ref string, amount int64) Result {
	if code == ResultSuccess {
		return Result{Success: true, TransactionRef: ref, Amount: amount}
	}
	return Result{TransactionRef: ref, Amount: amount, Error: "ledger payment failed: " + code}
}

func transferRef(id any) string {
	return fmt.Sprintf("ltx_%v", id)
}
