package escrow

import (
	"time"

	"freight-controlplane/services/contract"
)

type PayoutStatus string

const (
	PayoutReserved PayoutStatus = "reserved"
	PayoutPosted   PayoutStatus = "posted"
	PayoutRefunded PayoutStatus = "refunded"
)

type PayoutKind string

const (
	KindEarning     PayoutKind = "earning"
	KindPlatformFee PayoutKind = "platform_fee"
)

// Settlement tells a resumed settlement whether it closes the contract or
// only the current billing cycle.
type Settlement string

const (
	SettlementCompletion Settlement = "completion"
	SettlementCycle      Settlement = "cycle"
)

// ContractTransaction is one payee's share of a settled billing cycle. The
// unique key is the idempotency guard for payouts.
type ContractTransaction struct {
	ID                  string       `gorm:"column:id;primaryKey" json:"id"`
	ContractID          string       `gorm:"column:contract_id;uniqueIndex:idx_contract_tx_cycle,priority:1" json:"contract_id"`
	PayeeUserID         string       `gorm:"column:payee_user_id;uniqueIndex:idx_contract_tx_cycle,priority:2;index" json:"payee_user_id"`
	BillingCycleStart   time.Time    `gorm:"column:billing_cycle_start;uniqueIndex:idx_contract_tx_cycle,priority:3" json:"billing_cycle_start"`
	BillingCycleEnd     time.Time    `gorm:"column:billing_cycle_end" json:"billing_cycle_end"`
	RootContractID      string       `gorm:"column:root_contract_id;index" json:"root_contract_id"`
	Kind                PayoutKind   `gorm:"column:kind" json:"kind"`
	Settlement          Settlement   `gorm:"column:settlement" json:"settlement"`
	Amount              int64        `gorm:"column:amount" json:"amount"`
	Fee                 int64        `gorm:"column:fee" json:"fee"`
	Currency            string       `gorm:"column:currency" json:"currency"`
	ConnectedAccountID  *string      `gorm:"column:connected_account_id" json:"connected_account_id,omitempty"`
	TransferID          *string      `gorm:"column:transfer_id" json:"transfer_id,omitempty"`
	WalletTransactionID *string      `gorm:"column:wallet_transaction_id" json:"wallet_transaction_id,omitempty"`
	Status              PayoutStatus `gorm:"column:status;index" json:"status"`
	RefundReason        *string      `gorm:"column:refund_reason" json:"refund_reason,omitempty"`
	CreatedAt           time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (ContractTransaction) TableName() string { return "contract_transactions" }

func (t *ContractTransaction) External() bool {
	return t.ConnectedAccountID != nil && *t.ConnectedAccountID != ""
}

// WebhookEvent deduplicates provider webhook deliveries by event id.
type WebhookEvent struct {
	ID          string     `gorm:"column:id;primaryKey" json:"id"`
	Type        string     `gorm:"column:type" json:"type"`
	ReceivedAt  time.Time  `gorm:"column:received_at" json:"received_at"`
	ProcessedAt *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
	Error       *string    `gorm:"column:error" json:"error,omitempty"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// PayoutAccount routes a user's earnings to a provider connected account
// instead of the wallet.
type PayoutAccount struct {
	UserID             string    `gorm:"column:user_id;primaryKey" json:"user_id"`
	ConnectedAccountID string    `gorm:"column:connected_account_id" json:"connected_account_id"`
	CreatedAt          time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (PayoutAccount) TableName() string { return "payout_accounts" }

func Models() []any {
	return []any{&ContractTransaction{}, &WebhookEvent{}, &PayoutAccount{}}
}

type CompletionResult struct {
	Contract    *contract.Contract     `json:"contract"`
	Payouts     []*ContractTransaction `json:"payouts"`
	MainEarning int64                  `json:"main_earning"`
	PlatformFee int64                  `json:"platform_fee"`
	Replayed    bool                   `json:"replayed"`
}

// payee is one planned share of a cycle before it is reserved.
type payee struct {
	contractID string
	userID     string
	kind       PayoutKind
	gross      int64
	fee        int64
}
