package contract

import (
	"context"
	"fmt"
	"time"

	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/db/option"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	currency string

	contract repository.Repository[Contract]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	currency := "USD"
	if p.Config != nil && p.Config.Payment.Currency != "" {
		currency = p.Config.Payment.Currency
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		currency: currency,

		contract: repository.ProvideStore[Contract](p.DB),
	}
}

func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.contract = s.contract.WithTrx(tx)
	return &cp
}

func (s *Service) Create(ctx context.Context, a actor.Actor, p CreateParams) (*Contract, error) {
	if p.Amount <= 0 {
		return nil, errutil.ValidationFailed("amount must be greater than zero", nil,
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be > 0"}))
	}
	if p.BillingCycle == "" {
		p.BillingCycle = BillingOnce
	}
	if !p.BillingCycle.Valid() {
		return nil, errutil.ValidationFailed("invalid billing cycle", nil,
			errutil.WithDetails(errutil.Detail{Field: "billing_cycle", Message: "one of once, hourly, weekly, monthly"}))
	}
	if p.HiredUserID == "" {
		return nil, errutil.ValidationFailed("hired user is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "hired_user_id", Message: "required"}))
	}
	if p.HiredUserID == a.UserID {
		return nil, errutil.ValidationFailed("hiring and hired party must differ", nil)
	}

	now := time.Now().UTC()
	c := &Contract{
		ID:            s.node.Generate().String(),
		JobID:         p.JobID,
		CompanyID:     p.CompanyID,
		HiredByUserID: a.UserID,
		HiredUserID:   p.HiredUserID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		BillingCycle:  p.BillingCycle,
		Status:        StatusPending,
		Version:       1,
		CycleStart:    now.Truncate(time.Second),
	}
	if c.Currency == "" {
		c.Currency = s.currency
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.ParentContractID != nil {
			if err := s.attachToParent(ctx, tx, a, c, *p.ParentContractID); err != nil {
				return err
			}
		}
		return s.contract.WithTrx(tx).Create(ctx, c)
	})
	if err != nil {
		logger.FromContext(ctx).Warn("failed to create contract", zap.String("hired_by", a.UserID), zap.Error(err))
		return nil, err
	}

	logger.FromContext(ctx).Info("contract created",
		zap.String("contract_id", c.ID),
		zap.Int64("amount", c.Amount),
		zap.Int("depth", c.Depth),
	)
	return c, nil
}

// attachToParent validates a child contract against its locked parent.
func (s *Service) attachToParent(ctx context.Context, tx *gorm.DB, a actor.Actor, c *Contract, parentID string) error {
	parent, err := s.contract.WithTrx(tx).FindOne(ctx, &Contract{ID: parentID}, option.WithLockingUpdate())
	if err != nil {
		return err
	}
	if parent == nil {
		return errutil.NotFound("parent contract not found", nil)
	}
	if parent.Status.Terminal() {
		return errutil.Conflict(fmt.Sprintf("parent contract is %s", parent.Status), nil)
	}
	if parent.Depth+1 >= MaxContractDepth {
		return errutil.ValidationFailed("contract tree depth exceeded", nil)
	}
	if parent.HiredUserID != a.UserID && !a.Privileged() {
		return errutil.Forbidden("only the parent's hired party can subcontract", nil)
	}
	if c.HiredUserID == parent.HiredByUserID {
		return errutil.ValidationFailed("child contract cannot hire the parent's hiring party", nil)
	}

	var allocated int64
	if err := tx.WithContext(ctx).Model(&Contract{}).
		Where("parent_contract_id = ? AND status <> ?", parent.ID, StatusCancelled).
		Select("COALESCE(SUM(amount), 0)").Scan(&allocated).Error; err != nil {
		return err
	}
	if allocated+c.Amount > parent.Amount {
		return errutil.ValidationFailed("child contract amounts exceed parent amount", nil,
			errutil.WithDetails(errutil.Detail{
				Field:   "amount",
				Message: fmt.Sprintf("parent %d, allocated %d, requested %d", parent.Amount, allocated, c.Amount),
			}))
	}

	pid := parent.ID
	c.ParentContractID = &pid
	c.Depth = parent.Depth + 1
	c.HiredByUserID = parent.HiredUserID
	c.Currency = parent.Currency
	c.BillingCycle = parent.BillingCycle
	c.JobID = parent.JobID
	c.CompanyID = parent.CompanyID
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	c, err := s.contract.FindOne(ctx, &Contract{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load contract", err)
	}
	if c == nil {
		return nil, errutil.NotFound("contract not found", nil)
	}
	return c, nil
}

// GetForUpdate loads the contract row FOR UPDATE inside tx.
func (s *Service) GetForUpdate(ctx context.Context, tx *gorm.DB, id string) (*Contract, error) {
	c, err := s.contract.WithTrx(tx).FindOne(ctx, &Contract{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errutil.NotFound("contract not found", nil)
	}
	return c, nil
}

func (s *Service) ListChildren(ctx context.Context, id string) ([]*Contract, error) {
	return s.contract.Find(ctx, &Contract{ParentContractID: &id},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}))
}

// ListForUser returns contracts where userID is either party, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Contract, error) {
	var out []*Contract
	err := s.db.WithContext(ctx).
		Where("hired_by_user_id = ? OR hired_user_id = ?", userID, userID).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *Service) Root(ctx context.Context, c *Contract) (*Contract, error) {
	if c.IsRoot() {
		return c, nil
	}
	return s.Get(ctx, *c.ParentContractID)
}

// Update writes fields guarded by the version column, without a status change.
func (s *Service) Update(ctx context.Context, tx *gorm.DB, c *Contract, fields map[string]any) error {
	if tx == nil {
		tx = s.db
	}

	updates := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["version"] = c.Version + 1
	updates["updated_at"] = time.Now().UTC()

	res := tx.WithContext(ctx).Model(&Contract{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("contract changed concurrently", nil)
	}

	c.Version++
	return s.reload(ctx, tx, c)
}

// Transition moves c to the target status if the edge exists and the actor
// may perform it. The write is conditional on the status and version read
// by the caller; a lost race yields Conflict.
func (s *Service) Transition(ctx context.Context, tx *gorm.DB, c *Contract, to Status, a actor.Actor, opts TransitionOptions) error {
	if tx == nil {
		tx = s.db
	}

	if !IsValidTransition(c.Status, to) {
		return errutil.Conflict(fmt.Sprintf("contract cannot move from %s to %s", c.Status, to), nil)
	}
	action := ActionFor(c.Status, to)
	if !CanActorTransition(c, a, action) {
		return errutil.Forbidden(fmt.Sprintf("not allowed to %s this contract", action), nil)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     to,
		"version":    c.Version + 1,
		"updated_at": now,
	}
	for k, v := range opts.Updates {
		updates[k] = v
	}
	switch to {
	case StatusCompleted:
		updates["completed_at"] = now
	case StatusCancelled:
		if opts.Reason != "" {
			updates["cancel_reason"] = opts.Reason
		}
	case StatusActive:
		if c.StartedAt == nil {
			updates["started_at"] = now
		}
	}

	res := tx.WithContext(ctx).Model(&Contract{}).
		Where("id = ? AND status = ? AND version = ?", c.ID, c.Status, c.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("contract changed concurrently", nil)
	}

	from := c.Status
	if err := s.reload(ctx, tx, c); err != nil {
		return err
	}

	logger.FromContext(ctx).Info("contract transitioned",
		zap.String("contract_id", c.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", a.UserID),
		zap.String("reason", opts.Reason),
	)
	return nil
}

func (s *Service) reload(ctx context.Context, tx *gorm.DB, c *Contract) error {
	fresh, err := s.contract.WithTrx(tx).FindOne(ctx, &Contract{ID: c.ID})
	if err != nil {
		return err
	}
	if fresh == nil {
		return errutil.NotFound("contract not found", nil)
	}
	*c = *fresh
	return nil
}

func (s *Service) Pause(ctx context.Context, a actor.Actor, id, reason string) (*Contract, error) {
	return s.transitionByID(ctx, a, id, StatusPaused, reason)
}

func (s *Service) Resume(ctx context.Context, a actor.Actor, id string) (*Contract, error) {
	return s.transitionByID(ctx, a, id, StatusActive, "")
}

func (s *Service) transitionByID(ctx context.Context, a actor.Actor, id string, to Status, reason string) (*Contract, error) {
	var out *Contract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		opts := TransitionOptions{Reason: reason}
		if to == StatusActive {
			opts.Updates = map[string]any{"retry_count": 0}
		}
		if err := s.Transition(ctx, tx, c, to, a, opts); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListDueForBilling returns active recurring root contracts whose next cycle
// is due.
func (s *Service) ListDueForBilling(ctx context.Context, now time.Time, limit int) ([]*Contract, error) {
	var out []*Contract
	err := s.db.WithContext(ctx).
		Where("status = ? AND parent_contract_id IS NULL", StatusActive).
		Where("billing_cycle IN ?", []BillingCycle{BillingHourly, BillingWeekly, BillingMonthly}).
		Where("next_billing_date IS NOT NULL AND next_billing_date <= ?", now.UTC()).
		Order("next_billing_date asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
