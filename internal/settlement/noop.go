package settlement

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
)

// NoopProvider accepts every charge without moving value.
type NoopProvider struct {
	mu      sync.Mutex
	charged map[string]Result
}

func NewNoopProvider() *NoopProvider {
	return &NoopProvider{charged: make(map[string]Result)}
}

func (p *NoopProvider) Name() string {
	return string(enums.SettlementProviderNoop)
}

func (p *NoopProvider) Charge(_ context.Context, req ChargeRequest) Result {
	if req.Amount <= 0 {
		return zeroAmount()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.IdempotencyKey != "" {
		if prior, ok := p.charged[req.IdempotencyKey]; ok {
			return replayedTransfer(prior.TransactionRef, prior.Amount)
		}
	}
	result := Result{Success: true, TransactionRef: "noop_" + uuid.NewString(), Amount: req.Amount}
	if req.IdempotencyKey != "" {
		p.charged[req.IdempotencyKey] = result
	}
	return result
}

func (p *NoopProvider) Refund(_ context.Context, ref string) Result {
	return refundUnsupported(ref)
}

func (p *NoopProvider) Status(context.Context) (*Status, error) {
	return &Status{Provider: p.Name(), Connected: true, Accounts: []AccountBalance{}}, nil
}
