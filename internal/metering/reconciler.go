package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/internal/sessions"
	"github.com/angelmondragon/streamfair-backend/internal/settlement"
	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/streamfair-backend/pkg/errors"
	"github.com/angelmondragon/streamfair-backend/pkg/locks"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
	"github.com/angelmondragon/streamfair-backend/pkg/metrics"
	"github.com/angelmondragon/streamfair-backend/pkg/money"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox"
	"github.com/angelmondragon/streamfair-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Input asks for a session to be settled up to Owed.
type Input struct {
	Session    *models.WatchSession
	Owed       int64
	Kind       enums.LedgerEntryKind
	Memo       string
	Credential string
}

// maxSettlementSteps bounds the charges one call makes: a replayed transfer
// is recorded and the remainder is charged under the next offset key.
const maxSettlementSteps = 3

// Outcome reports one reconciliation. Payment is the last provider result and
// is nil when no call was made; a failed charge leaves the session untouched.
// Delta is what the session owed on entry, Recorded what this call settled.
type Outcome struct {
	Session  *models.WatchSession
	Owed     int64
	Delta    int64
	Recorded int64
	Payment  *settlement.Result
	Entry    *models.PaymentLedgerEntry
}

// Settled reports whether the outcome moved money.
func (o *Outcome) Settled() bool {
	return o != nil && o.Entry != nil
}

type ReconcilerParams struct {
	DB            txRunner
	Sessions      *sessions.Repository
	Ledger        *Repository
	Provider      settlement.Provider
	Locker        locks.Locker
	Outbox        eventEmitter
	Metrics       *metrics.SettlementMetrics
	Logger        *logger.Logger
	DefaultPayer  string
	ChargeTimeout time.Duration
}

// Reconciler settles the difference between what a session owes and what it
// has paid. Calls for one session must run inside WithSession.
type Reconciler struct {
	db            txRunner
	sessions      *sessions.Repository
	ledger        *Repository
	provider      settlement.Provider
	locker        locks.Locker
	outbox        eventEmitter
	metrics       *metrics.SettlementMetrics
	logg          *logger.Logger
	defaultPayer  string
	chargeTimeout time.Duration
}

func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db client required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("sessions repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Provider == nil {
		return nil, fmt.Errorf("settlement provider required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &Reconciler{
		db:            params.DB,
		sessions:      params.Sessions,
		ledger:        params.Ledger,
		provider:      params.Provider,
		locker:        params.Locker,
		outbox:        params.Outbox,
		metrics:       params.Metrics,
		logg:          params.Logger,
		defaultPayer:  params.DefaultPayer,
		chargeTimeout: params.ChargeTimeout,
	}, nil
}

func (r *Reconciler) Provider() settlement.Provider {
	return r.provider
}

// WithSession runs fn while holding the session's settlement lock.
func (r *Reconciler) WithSession(ctx context.Context, sessionID uuid.UUID, fn func(ctx context.Context) error) error {
	unlock, err := r.locker.Lock(ctx, "session:"+sessionID.String())
	if err != nil {
		if errors.Is(err, locks.ErrLockTimeout) {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "session is busy")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire session lock")
	}
	defer unlock()
	return fn(ctx)
}

func (r *Reconciler) Reconcile(ctx context.Context, in Input) (*Outcome, error) {
	if in.Session == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session required")
	}
	if in.Kind != enums.LedgerEntryStream && in.Kind != enums.LedgerEntryFinal {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported ledger entry kind")
	}

	// Re-read so the delta is computed against the latest settled amount.
	session, err := r.sessions.FindByID(ctx, in.Session.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "session not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load session")
	}

	owed := in.Owed
	if owed > session.PriceQuotedCents {
		owed = session.PriceQuotedCents
	}
	outcome := &Outcome{Session: session, Owed: owed}
	if session.Status != enums.SessionStatusActive {
		return outcome, nil
	}

	delta := owed - session.AmountSettledCents
	if delta <= 0 {
		return outcome, nil
	}
	outcome.Delta = delta

	logCtx := ctx
	if r.logg != nil {
		logCtx = r.logg.WithFields(r.logg.WithSessionID(ctx, session.ID.String()), map[string]any{
			"kind":     in.Kind,
			"provider": r.provider.Name(),
		})
	}
	for step := 0; step < maxSettlementSteps; step++ {
		remaining := owed - session.AmountSettledCents
		if remaining <= 0 {
			break
		}
		result, entry, err := r.settleStep(ctx, logCtx, session, in, remaining)
		if err != nil {
			return nil, err
		}
		outcome.Payment = &result
		if entry == nil {
			return outcome, nil
		}
		outcome.Entry = entry
		outcome.Recorded += entry.AmountCents
		if !result.Replayed {
			break
		}
	}
	return outcome, nil
}

// settleStep charges delta from the session's current offset and records the
// transfer. A nil entry with a nil error means the charge did not succeed.
func (r *Reconciler) settleStep(ctx, logCtx context.Context, session *models.WatchSession, in Input, delta int64) (settlement.Result, *models.PaymentLedgerEntry, error) {
	settledBefore := session.AmountSettledCents
	key := idempotencyKey(session.ID, settledBefore)
	result := r.charge(ctx, settlement.ChargeRequest{
		Payer:          r.defaultPayer,
		PayerIdentity:  session.InstallID,
		Amount:         delta,
		Memo:           in.Memo,
		IdempotencyKey: key,
		Credential:     in.Credential,
	}, in.Kind)

	if r.logg != nil {
		logCtx = r.logg.WithFields(logCtx, map[string]any{"delta": delta, "idempotency_key": key})
	}
	if !result.Success {
		if r.logg != nil {
			r.logg.Warn(r.logg.WithField(logCtx, "settlement_error", result.Error), "settlement charge failed")
		}
		return result, nil, nil
	}

	amount := delta
	if result.Replayed {
		amount = result.Amount
		// amount_settled never passes the quoted price.
		if amount <= 0 || amount > session.PriceQuotedCents-settledBefore {
			if r.logg != nil {
				r.logg.Error(r.logg.WithField(logCtx, "replayed_amount", amount), "replayed transfer does not fit session", nil)
			}
			return settlement.Result{
				TransactionRef: result.TransactionRef,
				Amount:         amount,
				Error:          fmt.Sprintf("replayed transfer of %d does not fit the session balance", amount),
			}, nil, nil
		}
		if r.logg != nil {
			r.logg.Info(r.logg.WithField(logCtx, "replayed_amount", amount), "settlement replayed from ledger")
		}
	}

	entry := &models.PaymentLedgerEntry{
		SessionID:      session.ID,
		AmountCents:    amount,
		LedgerAmount:   money.LedgerAmount(amount),
		TransactionRef: result.TransactionRef,
		Kind:           in.Kind,
		Provider:       r.provider.Name(),
		IdempotencyKey: key,
		Memo:           in.Memo,
	}
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		affected, err := r.sessions.WithTx(tx).AddSettled(ctx, session.ID, settledBefore, amount)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record settled amount")
		}
		if affected == 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "session changed during settlement")
		}
		if err := r.ledger.WithTx(tx).Insert(ctx, entry); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert ledger entry")
		}
		err = r.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentSettled,
			AggregateType: enums.AggregateWatchSession,
			AggregateKey:  session.ID.String(),
			Actor:         &outbox.ActorRef{InstallID: session.InstallID},
			Data: payloads.PaymentSettledEvent{
				SessionID:          session.ID,
				EntryID:            entry.ID,
				Kind:               in.Kind,
				AmountCents:        amount,
				LedgerAmount:       entry.LedgerAmount,
				AmountSettledCents: settledBefore + amount,
				TransactionRef:     result.TransactionRef,
				Provider:           entry.Provider,
			},
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment event")
		}
		return nil
	})
	if err != nil {
		// The provider holds the transfer under key; a retry from the same
		// offset replays it instead of charging again.
		if r.logg != nil {
			r.logg.Error(r.logg.WithField(logCtx, "transaction_ref", result.TransactionRef), "settled charge not recorded", err)
		}
		return result, nil, err
	}

	session.AmountSettledCents = settledBefore + amount
	if r.logg != nil {
		r.logg.Info(r.logg.WithField(logCtx, "transaction_ref", result.TransactionRef), "settlement recorded")
	}
	return result, entry, nil
}

func (r *Reconciler) charge(ctx context.Context, req settlement.ChargeRequest, kind enums.LedgerEntryKind) settlement.Result {
	chargeCtx := ctx
	if r.chargeTimeout > 0 {
		var cancel context.CancelFunc
		chargeCtx, cancel = context.WithTimeout(ctx, r.chargeTimeout)
		defer cancel()
	}
	started := time.Now()
	result := r.provider.Charge(chargeCtx, req)
	r.metrics.ObserveCharge(r.provider.Name(), string(kind), result.Success, result.Amount, time.Since(started))
	return result
}

// Entries lists a session's ledger entries in settlement order.
func (r *Reconciler) Entries(ctx context.Context, sessionID uuid.UUID) ([]models.PaymentLedgerEntry, error) {
	rows, err := r.ledger.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries")
	}
	return rows, nil
}
