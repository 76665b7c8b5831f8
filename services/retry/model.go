package retry

import (
	"time"

	"freight-controlplane/pkg/payment"

	"github.com/cenkalti/backoff/v4"
)

// IntentExpired is set locally when a session outlives its provider TTL.
const IntentExpired payment.IntentStatus = "expired"

// unsentIntentPrefix marks intent rows for attempts the provider rejected
// before assigning an id.
const unsentIntentPrefix = "unsent:"

type ProviderPaymentIntent struct {
	ID               string               `gorm:"column:id;primaryKey" json:"id"`
	ContractID       string               `gorm:"column:contract_id;index" json:"contract_id"`
	JobID            *string              `gorm:"column:job_id" json:"job_id,omitempty"`
	ExternalIntentID string               `gorm:"column:external_intent_id;uniqueIndex" json:"external_intent_id"`
	IdempotencyKey   string               `gorm:"column:idempotency_key;uniqueIndex" json:"idempotency_key"`
	Amount           int64                `gorm:"column:amount" json:"amount"`
	Currency         string               `gorm:"column:currency" json:"currency"`
	Status           payment.IntentStatus `gorm:"column:status" json:"status"`
	FailureReason    *string              `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	AttemptCount     int                  `gorm:"column:attempt_count;not null;default:1" json:"attempt_count"`
	ExpiresAt        time.Time            `gorm:"column:expires_at" json:"expires_at"`
	CreatedAt        time.Time            `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time            `gorm:"column:updated_at" json:"updated_at"`
}

func (ProviderPaymentIntent) TableName() string { return "provider_payment_intents" }

// Usable reports whether the session can be handed out again. A succeeded
// intent stays usable after its TTL.
func (p *ProviderPaymentIntent) Usable(now time.Time) bool {
	switch p.Status {
	case payment.IntentSucceeded:
		return true
	case payment.IntentRequiresPayment, payment.IntentProcessing:
		return now.Before(p.ExpiresAt)
	default:
		return false
	}
}

type FailureStatus string

const (
	FailureScheduled FailureStatus = "scheduled"
	FailureRetrying  FailureStatus = "retrying"
	FailureResolved  FailureStatus = "resolved"
	FailureTerminal  FailureStatus = "terminal"
)

type ContractPaymentFailure struct {
	ID               string        `gorm:"column:id;primaryKey" json:"id"`
	ContractID       string        `gorm:"column:contract_id;uniqueIndex" json:"contract_id"`
	Status           FailureStatus `gorm:"column:status;index" json:"status"`
	ErrorMessage     string        `gorm:"column:error_message" json:"error_message"`
	RetryAttempt     int           `gorm:"column:retry_attempt;not null;default:0" json:"retry_attempt"`
	ScheduledRetryAt *time.Time    `gorm:"column:scheduled_retry_at;index" json:"scheduled_retry_at,omitempty"`
	IsRetried        bool          `gorm:"column:is_retried;not null;default:false" json:"is_retried"`
	CreatedAt        time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (ContractPaymentFailure) TableName() string { return "contract_payment_failures" }

func Models() []any {
	return []any{&ProviderPaymentIntent{}, &ContractPaymentFailure{}}
}

type SessionRequest struct {
	ContractID     string
	JobID          *string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Description    string
}

type Session struct {
	Intent   *ProviderPaymentIntent
	IsReused bool
}

// Policy bounds the retry schedule of failed contract payments.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Minute, MaxDelay: 6 * time.Hour}
}

// Backoff returns base·2^(attempt-1), capped at MaxDelay. The schedule is
// persisted per attempt, so the delay is recomputed from the attempt number
// rather than carried in a live ExponentialBackOff.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}
