package contract

import (
	"time"
)

// MaxContractDepth bounds the contract tree: a root and one level of children.
const MaxContractDepth = 2

type BillingCycle string

const (
	BillingOnce    BillingCycle = "once"
	BillingHourly  BillingCycle = "hourly"
	BillingWeekly  BillingCycle = "weekly"
	BillingMonthly BillingCycle = "monthly"
)

func (b BillingCycle) Valid() bool {
	switch b {
	case BillingOnce, BillingHourly, BillingWeekly, BillingMonthly:
		return true
	}
	return false
}

func (b BillingCycle) Recurring() bool {
	return b == BillingHourly || b == BillingWeekly || b == BillingMonthly
}

// Next returns the start of the cycle after from. Once has no next cycle.
func (b BillingCycle) Next(from time.Time) time.Time {
	switch b {
	case BillingHourly:
		return from.Add(time.Hour)
	case BillingWeekly:
		return from.AddDate(0, 0, 7)
	case BillingMonthly:
		return from.AddDate(0, 1, 0)
	default:
		return time.Time{}
	}
}

type Contract struct {
	ID                string       `gorm:"column:id;primaryKey" json:"id"`
	JobID             *string      `gorm:"column:job_id;index" json:"job_id,omitempty"`
	CompanyID         *string      `gorm:"column:company_id" json:"company_id,omitempty"`
	ParentContractID  *string      `gorm:"column:parent_contract_id;index" json:"parent_contract_id,omitempty"`
	Depth             int          `gorm:"column:depth;not null;default:0" json:"depth"`
	HiredByUserID     string       `gorm:"column:hired_by_user_id;index" json:"hired_by_user_id"`
	HiredUserID       string       `gorm:"column:hired_user_id;index" json:"hired_user_id"`
	Amount            int64        `gorm:"column:amount" json:"amount"`
	Currency          string       `gorm:"column:currency" json:"currency"`
	BillingCycle      BillingCycle `gorm:"column:billing_cycle" json:"billing_cycle"`
	Status            Status       `gorm:"column:status;index" json:"status"`
	Version           int64        `gorm:"column:version;not null;default:1" json:"version"`
	HoldTransactionID *string      `gorm:"column:hold_transaction_id" json:"hold_transaction_id,omitempty"`
	CycleStart        time.Time    `gorm:"column:cycle_start" json:"cycle_start"`
	NextBillingDate   *time.Time   `gorm:"column:next_billing_date;index" json:"next_billing_date,omitempty"`
	RetryCount        int          `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	LastAttemptedAt   *time.Time   `gorm:"column:last_attempted_at" json:"last_attempted_at,omitempty"`
	CancelReason      *string      `gorm:"column:cancel_reason" json:"cancel_reason,omitempty"`
	StartedAt         *time.Time   `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time   `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (Contract) TableName() string { return "contracts" }

func (c *Contract) IsRoot() bool { return c.ParentContractID == nil }

// IsParty reports whether userID is the hiring or hired party.
func (c *Contract) IsParty(userID string) bool {
	return userID != "" && (c.HiredByUserID == userID || c.HiredUserID == userID)
}

// CycleKey identifies the current billing cycle; provider idempotency keys
// and payout rows are derived from it.
func (c *Contract) CycleKey() string {
	return c.ID + ":" + c.CycleStart.UTC().Format(time.RFC3339)
}

func (c *Contract) CycleEnd() time.Time {
	if next := c.BillingCycle.Next(c.CycleStart); !next.IsZero() {
		return next
	}
	return c.CycleStart
}

func Models() []any {
	return []any{&Contract{}}
}

type CreateParams struct {
	JobID            *string      `json:"job_id"`
	CompanyID        *string      `json:"company_id"`
	ParentContractID *string      `json:"parent_contract_id"`
	HiredUserID      string       `json:"hired_user_id"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	BillingCycle     BillingCycle `json:"billing_cycle"`
}

// TransitionOptions carries the reason and any columns written together with
// the status change.
type TransitionOptions struct {
	Reason  string
	Updates map[string]any
}
