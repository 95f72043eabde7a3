package settlement

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
)

var (
	accountsBucket    = []byte("accounts")
	transfersBucket   = []byte("transfers")
	idempotencyBucket = []byte("idempotency")
)

type boltTransfer struct {
	ID        uint64    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	Memo      string    `json:"memo"`
	CreatedAt time.Time `json:"created_at"`
}

type boltIdempotency struct {
	TransferID uint64 `json:"transfer_id"`
	Amount     int64  `json:"amount"`
}

// errLedgerCode carries a terminal result code out of a bolt transaction so
// the write rolls back.
type errLedgerCode string

func (e errLedgerCode) Error() string { return string(e) }

// BoltLedger is a single-file embedded ledger for local runs. Bolt serializes
// writers, so each charge is one atomic read-check-write.
type BoltLedger struct {
	db       *bolt.DB
	receiver string
	payer    string
}

func NewBoltLedger(path string, opts LedgerOptions) (*BoltLedger, error) {
	if opts.Receiver == "" {
		return nil, fmt.Errorf("receiver account is required")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{accountsBucket, transfersBucket, idempotencyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLedger{db: db, receiver: opts.Receiver, payer: opts.DefaultPayer}, nil
}

func (l *BoltLedger) Name() string {
	return string(enums.SettlementProviderBolt)
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}

// OpenAccount creates the account with the given balance when it is missing.
func (l *BoltLedger) OpenAccount(_ context.Context, id string, balance int64) error {
	if balance < 0 {
		return fmt.Errorf("opening balance must be >= 0")
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		if b.Get([]byte(id)) != nil {
			return nil
		}
		return b.Put([]byte(id), encodeBalance(balance))
	})
}

func (l *BoltLedger) Charge(_ context.Context, req ChargeRequest) Result {
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

	var (
		transferID uint64
		replay     *boltIdempotency
	)
	err := l.db.Update(func(tx *bolt.Tx) error {
		idem := tx.Bucket(idempotencyBucket)
		if req.IdempotencyKey != "" {
			if raw := idem.Get([]byte(req.IdempotencyKey)); raw != nil {
				var stored boltIdempotency
				if err := json.Unmarshal(raw, &stored); err != nil {
					return err
				}
				replay = &stored
				return nil
			}
		}

		accounts := tx.Bucket(accountsBucket)
		payerRaw := accounts.Get([]byte(payer))
		if payerRaw == nil {
			return errLedgerCode(ResultNoAccount)
		}
		receiverRaw := accounts.Get([]byte(l.receiver))
		if receiverRaw == nil {
			return errLedgerCode(ResultNoDestination)
		}
		payerBalance := decodeBalance(payerRaw)
		if payerBalance < req.Amount {
			return errLedgerCode(ResultUnfunded)
		}

		transfers := tx.Bucket(transfersBucket)
		id, err := transfers.NextSequence()
		if err != nil {
			return err
		}
		record, err := json.Marshal(boltTransfer{
			ID:        id,
			From:      payer,
			To:        l.receiver,
			Amount:    req.Amount,
			Memo:      req.Memo,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if err := transfers.Put(sequenceKey(id), record); err != nil {
			return err
		}
		if err := accounts.Put([]byte(payer), encodeBalance(payerBalance-req.Amount)); err != nil {
			return err
		}
		if err := accounts.Put([]byte(l.receiver), encodeBalance(decodeBalance(receiverRaw)+req.Amount)); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			stored, err := json.Marshal(boltIdempotency{TransferID: id, Amount: req.Amount})
			if err != nil {
				return err
			}
			if err := idem.Put([]byte(req.IdempotencyKey), stored); err != nil {
				return err
			}
		}
		transferID = id
		return nil
	})

	var code errLedgerCode
	switch {
	case errors.As(err, &code):
		return resultFor(string(code), "", req.Amount)
	case err != nil:
		return failed(req.Amount, "%v", err)
	case replay != nil:
		return replayedTransfer(transferRef(replay.TransferID), replay.Amount)
	}
	return resultFor(ResultSuccess, transferRef(transferID), req.Amount)
}

func (l *BoltLedger) Refund(_ context.Context, ref string) Result {
	return refundUnsupported(ref)
}

// Balance returns the stored balance; ok is false for unknown accounts.
func (l *BoltLedger) Balance(id string) (int64, bool, error) {
	var (
		balance int64
		ok      bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(accountsBucket).Get([]byte(id))
		if raw != nil {
			balance, ok = decodeBalance(raw), true
		}
		return nil
	})
	return balance, ok, err
}

func (l *BoltLedger) Status(context.Context) (*Status, error) {
	status := &Status{Provider: l.Name(), Connected: true, Receiver: l.receiver, Accounts: []AccountBalance{}}
	for _, id := range lockOrder(l.receiver, l.payer) {
		if id == "" {
			continue
		}
		balance, ok, err := l.Balance(id)
		if err != nil {
			return nil, err
		}
		if ok {
			status.Accounts = append(status.Accounts, AccountBalance{Account: id, Balance: balance})
		}
	}
	return status, nil
}

func encodeBalance(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeBalance(raw []byte) int64 {
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

func sequenceKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}
