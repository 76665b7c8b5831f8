package rating

import "time"

const (
	MinStars = 1
	MaxStars = 5
)

type Rating struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	ContractID  string    `gorm:"column:contract_id;uniqueIndex:idx_rating_pair,priority:1" json:"contract_id"`
	RaterUserID string    `gorm:"column:rater_user_id;uniqueIndex:idx_rating_pair,priority:2" json:"rater_user_id"`
	RateeUserID string    `gorm:"column:ratee_user_id;uniqueIndex:idx_rating_pair,priority:3;index" json:"ratee_user_id"`
	Stars       int       `gorm:"column:stars" json:"stars"`
	Comment     *string   `gorm:"column:comment" json:"comment,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Rating) TableName() string { return "ratings" }

// UserRatingSummary is the ratee aggregate, recomputed on every upsert.
type UserRatingSummary struct {
	UserID       string    `gorm:"column:user_id;primaryKey" json:"user_id"`
	RatingCount  int64     `gorm:"column:rating_count" json:"rating_count"`
	AverageStars float64   `gorm:"column:average_stars" json:"average_stars"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (UserRatingSummary) TableName() string { return "user_rating_summaries" }

func Models() []any {
	return []any{&Rating{}, &UserRatingSummary{}}
}

type RateInput struct {
	RateeUserID string  `json:"ratee_user_id" binding:"required"`
	Stars       int     `json:"stars"`
	Comment     *string `json:"comment"`
}
