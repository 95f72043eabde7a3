package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

// PGLedger is a double-entry ledger on Postgres. A committed transaction is
// final; the idempotency table replays committed transfers.
type PGLedger struct {
	pool     *pgxpool.Pool
	receiver string
	payer    string
}

type LedgerOptions struct {
	Receiver     string
	DefaultPayer string
}

func NewPGLedger(ctx context.Context, dsn string, opts LedgerOptions) (*PGLedger, error) {
	if opts.Receiver == "" {
		return nil, fmt.Errorf("receiver account is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse ledger database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create ledger pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping ledger database: %w", err)
	}
	return &PGLedger{pool: pool, receiver: opts.Receiver, payer: opts.DefaultPayer}, nil
}

func (l *PGLedger) Name() string {
	return string(enums.SettlementProviderPostgres)
}

func (l *PGLedger) Close() {
	l.pool.Close()
}

// OpenAccount creates the account with the given balance when it is missing.
func (l *PGLedger) OpenAccount(ctx context.Context, id string, balance int64) error {
	_, err := l.pool.Exec(ctx,
		"INSERT INTO ledger_accounts (id, balance) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING",
		id, balance,
	)
	return err
}

func (l *PGLedger) Charge(ctx context.Context, req ChargeRequest) Result {
	if req.Amount <= 0 {
		return zeroAmount()
	}
	if req.Payer == "" {
		req.Payer = l.payer
	}
	payer := req.PayerAccount()
	if payer == "" {
		return failed(req.Amount, "no payer account available")
	}
	if payer == l.receiver {
		return failed(req.Amount, "payer and receiver must differ")
	}

	code, transferID, replayAmount, err := l.transfer(ctx, payer, req)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgUniqueViolation) {
			return failed(req.Amount, "ledger busy, retry: %s", pgErr.Code)
		}
		return failed(req.Amount, "%v", err)
	}
	ref := ""
	if transferID > 0 {
		ref = transferRef(transferID)
	}
	if replayAmount > 0 {
		return replayedTransfer(ref, replayAmount)
	}
	return resultFor(code, ref, req.Amount)
}

// transfer returns the result code and transfer id. A non-zero replay amount
// means the key already committed a transfer of that amount.
func (l *PGLedger) transfer(ctx context.Context, payer string, req ChargeRequest) (string, int64, int64, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return "", 0, 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if req.IdempotencyKey != "" {
		var storedID, storedAmount int64
		err = tx.QueryRow(ctx,
			"SELECT transfer_id, amount FROM ledger_idempotency_keys WHERE key = $1",
			req.IdempotencyKey,
		).Scan(&storedID, &storedAmount)
		if err == nil {
			return ResultSuccess, storedID, storedAmount, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", 0, 0, fmt.Errorf("idempotency query failed: %w", err)
		}
	}

	// Lock in id order so opposite transfers cannot deadlock.
	balances := make(map[string]int64, 2)
	for _, id := range lockOrder(payer, l.receiver) {
		var balance int64
		err := tx.QueryRow(ctx, "SELECT balance FROM ledger_accounts WHERE id = $1 FOR UPDATE", id).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			if id == l.receiver {
				return ResultNoDestination, 0, 0, nil
			}
			return ResultNoAccount, 0, 0, nil
		}
		if err != nil {
			return "", 0, 0, fmt.Errorf("lock acquisition failed: %w", err)
		}
		balances[id] = balance
	}
	if balances[payer] < req.Amount {
		return ResultUnfunded, 0, 0, nil
	}

	var transferID int64
	err = tx.QueryRow(ctx,
		"INSERT INTO ledger_transfers (from_account_id, to_account_id, amount, memo) VALUES ($1, $2, $3, $4) RETURNING id",
		payer, l.receiver, req.Amount, req.Memo,
	).Scan(&transferID)
	if err != nil {
		return "", 0, 0, fmt.Errorf("transfer insert failed: %w", err)
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO ledger_postings (transfer_id, account_id, delta) VALUES ($1, $2, $3), ($1, $4, $5)",
		transferID, payer, -req.Amount, l.receiver, req.Amount,
	)
	if err != nil {
		return "", 0, 0, fmt.Errorf("posting insert failed: %w", err)
	}
	if _, err = tx.Exec(ctx, "UPDATE ledger_accounts SET balance = balance - $1 WHERE id = $2", req.Amount, payer); err != nil {
		return "", 0, 0, err
	}
	if _, err = tx.Exec(ctx, "UPDATE ledger_accounts SET balance = balance + $1 WHERE id = $2", req.Amount, l.receiver); err != nil {
		return "", 0, 0, err
	}
	if req.IdempotencyKey != "" {
		_, err = tx.Exec(ctx,
			"INSERT INTO ledger_idempotency_keys (key, transfer_id, amount) VALUES ($1, $2, $3)",
			req.IdempotencyKey, transferID, req.Amount,
		)
		if err != nil {
			return "", 0, 0, fmt.Errorf("idempotency insert failed: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", 0, 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return ResultSuccess, transferID, 0, nil
}

func (l *PGLedger) Refund(_ context.Context, ref string) Result {
	return refundUnsupported(ref)
}

func (l *PGLedger) Status(ctx context.Context) (*Status, error) {
	status := &Status{Provider: l.Name(), Receiver: l.receiver, Accounts: []AccountBalance{}}
	if err := l.pool.Ping(ctx); err != nil {
		return status, nil
	}
	status.Connected = true

	ids := []string{l.receiver}
	if l.payer != "" && l.payer != l.receiver {
		ids = append(ids, l.payer)
	}
	rows, err := l.pool.Query(ctx, "SELECT id, balance FROM ledger_accounts WHERE id = ANY($1) ORDER BY id", ids)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ab AccountBalance
		if err := rows.Scan(&ab.Account, &ab.Balance); err != nil {
			return nil, err
		}
		status.Accounts = append(status.Accounts, ab)
	}
	return status, rows.Err()
}

func lockOrder(a, b string) []string {
	if a == b {
		return []string{a}
	}
	ids := []string{a, b}
	sort.Strings(ids)
	return ids
}
