package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freight-controlplane/pkg/db/option"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/repository"
	"freight-controlplane/services/contract"
	"freight-controlplane/services/participant"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service gates ratings to genuine parties of completed contracts.
type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	contracts    *contract.Service
	participants *participant.Service

	rating  repository.Repository[Rating]
	summary repository.Repository[UserRatingSummary]
}

type ServiceParams struct {
	fx.In
	DB           *gorm.DB
	Node         *snowflake.Node
	Contracts    *contract.Service
	Participants *participant.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		contracts:    p.Contracts,
		participants: p.Participants,

		rating:  repository.ProvideStore[Rating](p.DB),
		summary: repository.ProvideStore[UserRatingSummary](p.DB),
	}
}

// CreateOrUpdate stores rater's rating of the ratee on a completed contract.
// Rating the same pair again replaces stars and comment.
func (s *Service) CreateOrUpdate(ctx context.Context, contractID, raterUserID string, in RateInput) (*Rating, error) {
	if in.Stars < MinStars || in.Stars > MaxStars {
		return nil, errutil.ValidationFailed("stars out of range", nil, errutil.WithDetails(errutil.Detail{
			Field:   "stars",
			Message: fmt.Sprintf("must be between %d and %d", MinStars, MaxStars),
		}))
	}
	if in.RateeUserID == "" {
		return nil, errutil.ValidationFailed("ratee is required", nil, errutil.WithDetails(errutil.Detail{
			Field:   "ratee_user_id",
			Message: "required",
		}))
	}
	if in.RateeUserID == raterUserID {
		return nil, errutil.ValidationFailed("cannot rate yourself", nil)
	}

	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.Status != contract.StatusCompleted {
		return nil, errutil.Conflict("only completed contracts can be rated", nil)
	}

	ok, err := s.isParty(ctx, c, raterUserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.Forbidden("only parties of the contract can rate", nil)
	}
	ok, err = s.isParty(ctx, c, in.RateeUserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.ValidationFailed("ratee is not a party of the contract", nil)
	}

	var out *Rating
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.rating.WithTrx(tx)
		key := &Rating{ContractID: c.ID, RaterUserID: raterUserID, RateeUserID: in.RateeUserID}

		now := time.Now().UTC()
		existing, err := repo.FindOne(ctx, key, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if existing == nil {
			row := &Rating{
				ID:          s.node.Generate().String(),
				ContractID:  c.ID,
				RaterUserID: raterUserID,
				RateeUserID: in.RateeUserID,
				Stars:       in.Stars,
				Comment:     in.Comment,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := repo.Create(ctx, row); err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return errutil.Conflict("rating was submitted concurrently, retry", err)
				}
				return err
			}
			out = row
		} else {
			if err := repo.Update(ctx, existing.ID, map[string]any{
				"stars":      in.Stars,
				"comment":    in.Comment,
				"updated_at": now,
			}); err != nil {
				return err
			}
			existing.Stars = in.Stars
			existing.Comment = in.Comment
			existing.UpdatedAt = now
			out = existing
		}

		return s.recompute(ctx, tx, in.RateeUserID, now)
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("contract rated",
		zap.String("contract_id", c.ID),
		zap.String("rater", raterUserID),
		zap.String("ratee", in.RateeUserID),
		zap.Int("stars", in.Stars),
	)
	return out, nil
}

func (s *Service) isParty(ctx context.Context, c *contract.Contract, userID string) (bool, error) {
	if c.IsParty(userID) {
		return true, nil
	}
	return s.participants.IsParticipant(ctx, c.ID, userID)
}

func (s *Service) recompute(ctx context.Context, tx *gorm.DB, userID string, now time.Time) error {
	var agg struct {
		Count int64
		Avg   float64
	}
	if err := tx.WithContext(ctx).Model(&Rating{}).
		Select("COUNT(*) AS count, COALESCE(AVG(stars), 0) AS avg").
		Where("ratee_user_id = ?", userID).
		Scan(&agg).Error; err != nil {
		return err
	}

	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rating_count", "average_stars", "updated_at"}),
	}).Create(&UserRatingSummary{
		UserID:       userID,
		RatingCount:  agg.Count,
		AverageStars: agg.Avg,
		UpdatedAt:    now,
	}).Error
}

// ListForUser returns ratings received by userID, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*Rating, error) {
	return s.rating.Find(ctx, &Rating{RateeUserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}))
}

func (s *Service) Summary(ctx context.Context, userID string) (*UserRatingSummary, error) {
	sum, err := s.summary.FindOne(ctx, &UserRatingSummary{UserID: userID})
	if err != nil {
		return nil, errutil.Internal("failed to load rating summary", err)
	}
	if sum == nil {
		return &UserRatingSummary{UserID: userID}, nil
	}
	return sum, nil
}
