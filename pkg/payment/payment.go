package payment

import (
	"context"
	"time"
)

type IntentStatus string

const (
	IntentRequiresPayment IntentStatus = "requires_payment"
	IntentProcessing      IntentStatus = "processing"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentFailed          IntentStatus = "failed"
	IntentCancelled       IntentStatus = "cancelled"
)

type IntentRequest struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
	ExpiresIn      time.Duration
}

type Intent struct {
	ID        string
	Status    IntentStatus
	ExpiresAt time.Time
}

type TransferRequest struct {
	ConnectedAccountID string
	Amount             int64
	Currency           string
	IdempotencyKey     string
	Metadata           map[string]string
}

type Transfer struct {
	ID     string
	Status string
}

// Provider is the external payment processor. Both calls must honour
// IdempotencyKey: repeating a key returns the original object.
type Provider interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
}

// Webhook event types handled by the escrow coordinator.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

type EventData struct {
	ID            string            `json:"id"`
	Status        IntentStatus      `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}
