package settlement

import (
	"context"
	"fmt"

	"github.com/angelmondragon/streamfair-backend/pkg/config"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
)

// accountOpener is implemented by the ledger-backed providers.
type accountOpener interface {
	OpenAccount(ctx context.Context, id string, balance int64) error
}

// New builds the configured provider. The returned close func releases the
// backing store and is never nil.
func New(ctx context.Context, cfg config.SettlementConfig) (Provider, func(), error) {
	kind, err := enums.ParseSettlementProviderKind(cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	opts := LedgerOptions{Receiver: cfg.ReceiverAccount, DefaultPayer: cfg.DefaultPayerAccount}

	var (
		provider Provider
		closeFn  = func() {}
	)
	switch kind {
	case enums.SettlementProviderNoop:
		return NewNoopProvider(), closeFn, nil
	case enums.SettlementProviderPostgres:
		ledger, err := NewPGLedger(ctx, cfg.LedgerDSN, opts)
		if err != nil {
			return nil, nil, err
		}
		provider, closeFn = ledger, ledger.Close
	case enums.SettlementProviderBolt:
		ledger, err := NewBoltLedger(cfg.BoltPath, opts)
		if err != nil {
			return nil, nil, err
		}
		provider, closeFn = ledger, func() { _ = ledger.Close() }
	default:
		return nil, nil, fmt.Errorf("unsupported settlement provider %q", kind)
	}

	if err := seedAccounts(ctx, provider.(accountOpener), cfg); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("seed ledger accounts: %w", err)
	}
	return provider, closeFn, nil
}

// seedAccounts makes sure the receiver exists and, when configured, opens the
// default payer with a starting balance.
func seedAccounts(ctx context.Context, opener accountOpener, cfg config.SettlementConfig) error {
	if err := opener.OpenAccount(ctx, cfg.ReceiverAccount, 0); err != nil {
		return err
	}
	if cfg.DefaultPayerAccount == "" || cfg.SeedBalanceCents <= 0 {
		return nil
	}
	return opener.OpenAccount(ctx, cfg.DefaultPayerAccount, cfg.SeedBalanceCents)
}
