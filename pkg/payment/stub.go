package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// StubProvider succeeds every call and replays responses per idempotency key.
// It is wired when PAYMENT.PROVIDER is "stub".
type StubProvider struct {
	node *snowflake.Node

	mu        sync.Mutex
	intents   map[string]*Intent
	transfers map[string]*Transfer
}

func NewStubProvider(node *snowflake.Node) *StubProvider {
	return &StubProvider{
		node:      node,
		intents:   make(map[string]*Intent),
		transfers: make(map[string]*Transfer),
	}
}

func (s *StubProvider) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if req.Amount <= 0 {
		return nil, Terminal("invalid_amount", "amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in, ok := s.intents[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return in, nil
	}

	ttl := req.ExpiresIn
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	in := &Intent{
		ID:        fmt.Sprintf("pi_stub_%s", s.node.Generate().String()),
		Status:    IntentSucceeded,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	s.intents[req.IdempotencyKey] = in
	return in, nil
}

func (s *StubProvider) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.ConnectedAccountID == "" {
		return nil, Terminal("missing_destination", "connected account is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tr, ok := s.transfers[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return tr, nil
	}

	tr := &Transfer{
		ID:     fmt.Sprintf("tr_stub_%s", s.node.Generate().String()),
		Status: "paid",
	}
	s.transfers[req.IdempotencyKey] = tr
	return tr, nil
}
