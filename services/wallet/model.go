package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const GenesisHash = "GENESIS"

type TransactionType string

const (
	TypeCredit     TransactionType = "credit"
	TypeDebit      TransactionType = "debit"
	TypeHold       TransactionType = "hold"
	TypeRelease    TransactionType = "release"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeRefund     TransactionType = "refund"
)

type TransactionStatus string

const (
	StatusInitial    TransactionStatus = "initial"
	StatusProcessing TransactionStatus = "processing"
	StatusProcessed  TransactionStatus = "processed"
	StatusFailed     TransactionStatus = "failed"
)

type ReleaseMode string

const (
	ReleaseModeReturnToAvailable ReleaseMode = "return_to_available"
	ReleaseModePayout            ReleaseMode = "payout"
)

type Wallet struct {
	ID               string    `gorm:"column:id;primaryKey" json:"id"`
	UserID           string    `gorm:"column:user_id;uniqueIndex" json:"user_id"`
	AvailableBalance int64     `gorm:"column:available_balance;not null;default:0" json:"available_balance"`
	OnHold           int64     `gorm:"column:on_hold;not null;default:0" json:"on_hold"`
	Currency         string    `gorm:"column:currency" json:"currency"`
	Sequence         int64     `gorm:"column:sequence;not null;default:0" json:"sequence"`
	LastHash         string    `gorm:"column:last_hash" json:"-"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

type WalletTransaction struct {
	ID            string            `gorm:"column:id;primaryKey" json:"id"`
	WalletID      string            `gorm:"column:wallet_id;uniqueIndex:idx_wallet_tx_sequence,priority:1" json:"wallet_id"`
	Sequence      int64             `gorm:"column:sequence;uniqueIndex:idx_wallet_tx_sequence,priority:2" json:"sequence"`
	Type          TransactionType   `gorm:"column:type" json:"type"`
	Amount        int64             `gorm:"column:amount" json:"amount"`
	Status        TransactionStatus `gorm:"column:status" json:"status"`
	Source        string            `gorm:"column:source" json:"source"`
	ReferenceID   string            `gorm:"column:reference_id;index" json:"reference_id"`
	ReferenceType string            `gorm:"column:reference_type" json:"reference_type"`
	Description   string            `gorm:"column:description" json:"description"`
	ReleaseMode   ReleaseMode       `gorm:"column:release_mode" json:"release_mode,omitempty"`
	Metadata      datatypes.JSON    `gorm:"column:metadata" json:"metadata,omitempty"`
	PreviousHash  string            `gorm:"column:previous_hash" json:"-"`
	Hash          string            `gorm:"column:hash" json:"-"`
	CreatedAt     time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

// HashFields lists the immutable columns covered by the chain hash. Status is
// excluded since it progresses after insert.
func (m *WalletTransaction) HashFields() map[string]string {
	return map[string]string{
		"id":             m.ID,
		"wallet_id":      m.WalletID,
		"sequence":       fmt.Sprintf("%d", m.Sequence),
		"type":           string(m.Type),
		"amount":         fmt.Sprintf("%d", m.Amount),
		"source":         m.Source,
		"reference_id":   m.ReferenceID,
		"reference_type": m.ReferenceType,
		"release_mode":   string(m.ReleaseMode),
		"created_at":     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":  m.PreviousHash,
	}
}

func (m *WalletTransaction) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

type WalletHoldLog struct {
	ID                   string     `gorm:"column:id;primaryKey" json:"id"`
	HoldTransactionID    string     `gorm:"column:hold_transaction_id;uniqueIndex" json:"hold_transaction_id"`
	ReleaseTransactionID *string    `gorm:"column:release_transaction_id" json:"release_transaction_id,omitempty"`
	WalletID             string     `gorm:"column:wallet_id;index" json:"wallet_id"`
	Amount               int64      `gorm:"column:amount" json:"amount"`
	CreatedAt            time.Time  `gorm:"column:created_at" json:"created_at"`
	ReleasedAt           *time.Time `gorm:"column:released_at" json:"released_at,omitempty"`
}

func (WalletHoldLog) TableName() string { return "wallet_hold_logs" }

func (h *WalletHoldLog) Open() bool { return h.ReleaseTransactionID == nil }

// Models returns every table owned by the wallet ledger.
func Models() []any {
	return []any{&Wallet{}, &WalletTransaction{}, &WalletHoldLog{}}
}

// Reference ties a ledger row to the business object that caused it.
type Reference struct {
	ID          string
	Type        string
	Description string
	Metadata    map[string]any
}

// Split is one destination of a payout release. Exactly one of UserID or
// ConnectedAccountID is set; the latter is paid by provider transfer and
// only leaves the hold.
type Split struct {
	UserID             string
	ConnectedAccountID string
	Amount             int64
	Source             string
	Description        string
}

type ReleaseParams struct {
	Mode      ReleaseMode
	Splits    []Split
	Reference Reference
}

type ReleaseResult struct {
	Hold     *WalletTransaction
	Payout   *WalletTransaction
	Returned *WalletTransaction
	// Credits is aligned with ReleaseParams.Splits; external splits are nil.
	Credits []*WalletTransaction
}

type ReplayResult struct {
	WalletID         string `json:"wallet_id"`
	Available        int64  `json:"available"`
	OnHold           int64  `json:"on_hold"`
	StoredAvailable  int64  `json:"stored_available"`
	StoredOnHold     int64  `json:"stored_on_hold"`
	TransactionCount int    `json:"transaction_count"`
}

func (r *ReplayResult) Consistent() bool {
	return r.Available == r.StoredAvailable && r.OnHold == r.StoredOnHold
}
