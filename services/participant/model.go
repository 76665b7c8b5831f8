package participant

import "time"

// MaxDrivers is the number of drivers a contract may have invited, accepted
// or active at once.
const MaxDrivers = 2

type Role string

const (
	RoleDriver  Role = "driver"
	RoleCarrier Role = "carrier"
)

type Status string

const (
	StatusInvited  Status = "invited"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusActive   Status = "active"
	StatusRemoved  Status = "removed"
)

// Engaged reports whether the row still occupies a slot on the contract.
func (s Status) Engaged() bool {
	return s == StatusInvited || s == StatusAccepted || s == StatusActive
}

// Working reports whether the participant accepted and was not removed.
func (s Status) Working() bool {
	return s == StatusAccepted || s == StatusActive
}

type ContractParticipant struct {
	ID                string    `gorm:"column:id;primaryKey" json:"id"`
	ContractID        string    `gorm:"column:contract_id;uniqueIndex:idx_contract_participant,priority:1" json:"contract_id"`
	UserID            string    `gorm:"column:user_id;uniqueIndex:idx_contract_participant,priority:2;index" json:"user_id"`
	Role              Role      `gorm:"column:role;uniqueIndex:idx_contract_participant,priority:3" json:"role"`
	Status            Status    `gorm:"column:status" json:"status"`
	IsLocationVisible bool      `gorm:"column:is_location_visible;not null;default:false" json:"is_location_visible"`
	Reason            *string   `gorm:"column:reason" json:"reason,omitempty"`
	InvitedBy         string    `gorm:"column:invited_by" json:"invited_by"`
	CreatedAt         time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (ContractParticipant) TableName() string { return "contract_participants" }

func Models() []any {
	return []any{&ContractParticipant{}}
}

// Readiness summarises the participants of a contract about to start.
type Readiness struct {
	Invited         int64
	AcceptedDrivers int64
	Carrier         bool
}

type ChangeDriverParams struct {
	CurrentDriverUserID string `json:"current_driver_user_id"`
	NewDriverUserID     string `json:"new_driver_user_id"`
	Reason              string `json:"reason"`
}
