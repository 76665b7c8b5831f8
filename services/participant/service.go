package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/db/option"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/repository"
	"freight-controlplane/services/contract"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service manages who is attached to a contract besides its two parties.
// Every mutation locks the contract row first, so invitations on the same
// contract are serialized.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	contracts *contract.Service

	participant repository.Repository[ContractParticipant]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Contracts *contract.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		contracts: p.Contracts,

		participant: repository.ProvideStore[ContractParticipant](p.DB),
	}
}

func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.contracts = s.contracts.WithTrx(tx)
	cp.participant = s.participant.WithTrx(tx)
	return &cp
}

func (s *Service) AddDriver(ctx context.Context, contractID, userID string, a actor.Actor) (*ContractParticipant, error) {
	return s.add(ctx, contractID, userID, RoleDriver, a)
}

func (s *Service) AddCarrier(ctx context.Context, contractID, userID string, a actor.Actor) (*ContractParticipant, error) {
	return s.add(ctx, contractID, userID, RoleCarrier, a)
}

func (s *Service) add(ctx context.Context, contractID, userID string, role Role, a actor.Actor) (*ContractParticipant, error) {
	if userID == "" {
		return nil, errutil.ValidationFailed("user_id is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "user_id", Message: "required"}))
	}

	var out *ContractParticipant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.lockManaged(ctx, tx, contractID, a)
		if err != nil {
			return err
		}
		out, err = s.invite(ctx, tx, c, userID, role, a)
		return err
	})
	if err != nil {
		logger.FromContext(ctx).Warn("failed to add participant",
			zap.String("contract_id", contractID),
			zap.String("user_id", userID),
			zap.String("role", string(role)),
			zap.Error(err),
		)
		return nil, err
	}

	logger.FromContext(ctx).Info("participant invited",
		zap.String("contract_id", contractID),
		zap.String("user_id", userID),
		zap.String("role", string(role)),
	)
	return out, nil
}

// lockManaged locks the contract and checks a may manage its participants.
func (s *Service) lockManaged(ctx context.Context, tx *gorm.DB, contractID string, a actor.Actor) (*contract.Contract, error) {
	c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(a.UserID) && !a.Privileged() {
		return nil, errutil.Forbidden("only contract parties can manage participants", nil)
	}
	if c.Status.Terminal() {
		return nil, errutil.Conflict(fmt.Sprintf("contract is %s", c.Status), nil)
	}
	return c, nil
}

func (s *Service) invite(ctx context.Context, tx *gorm.DB, c *contract.Contract, userID string, role Role, a actor.Actor) (*ContractParticipant, error) {
	if userID == c.HiredByUserID {
		return nil, errutil.ValidationFailed("the hiring party cannot be a participant", nil)
	}

	repo := s.participant.WithTrx(tx)
	rows, err := repo.Find(ctx, &ContractParticipant{ContractID: c.ID, Role: role}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}

	var existing *ContractParticipant
	var engaged int
	for _, p := range rows {
		if p.UserID == userID {
			existing = p
			continue
		}
		if p.Status.Engaged() {
			engaged++
		}
	}
	if existing != nil && existing.Status.Engaged() {
		return nil, errutil.Conflict(fmt.Sprintf("user already %s on this contract", existing.Status), nil)
	}

	now := time.Now().UTC()
	switch role {
	case RoleDriver:
		if engaged >= MaxDrivers {
			return nil, errutil.Conflict(fmt.Sprintf("contract already has %d drivers", MaxDrivers), nil)
		}
	case RoleCarrier:
		for _, p := range rows {
			if p.UserID != userID && p.Status.Working() {
				return nil, errutil.Conflict("carrier already accepted this contract", nil)
			}
		}
		for _, p := range rows {
			if p.UserID != userID && p.Status == StatusInvited {
				if err := repo.Update(ctx, p.ID, map[string]any{
					"status":     StatusRemoved,
					"reason":     "replaced by a new carrier invitation",
					"updated_at": now,
				}); err != nil {
					return nil, err
				}
			}
		}
	}

	if existing != nil {
		if err := repo.Update(ctx, existing.ID, map[string]any{
			"status":              StatusInvited,
			"reason":              nil,
			"invited_by":          a.UserID,
			"is_location_visible": false,
			"updated_at":          now,
		}); err != nil {
			return nil, err
		}
		return repo.FindOne(ctx, &ContractParticipant{ID: existing.ID})
	}

	p := &ContractParticipant{
		ID:         s.node.Generate().String(),
		ContractID: c.ID,
		UserID:     userID,
		Role:       role,
		Status:     StatusInvited,
		InvitedBy:  a.UserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.Create(ctx, p); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("participant already exists", err)
		}
		return nil, err
	}
	return p, nil
}

// AcceptInvite accepts every open invitation of userID on the contract. When
// the contract is already running the participant becomes active at once.
func (s *Service) AcceptInvite(ctx context.Context, contractID, userID string) ([]*ContractParticipant, error) {
	return s.respond(ctx, contractID, userID, true, "")
}

func (s *Service) DeclineInvite(ctx context.Context, contractID, userID, reason string) ([]*ContractParticipant, error) {
	return s.respond(ctx, contractID, userID, false, reason)
}

func (s *Service) respond(ctx context.Context, contractID, userID string, accept bool, reason string) ([]*ContractParticipant, error) {
	var out []*ContractParticipant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return errutil.Conflict(fmt.Sprintf("contract is %s", c.Status), nil)
		}

		repo := s.participant.WithTrx(tx)
		rows, err := repo.Find(ctx, &ContractParticipant{ContractID: contractID, UserID: userID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return errutil.NotFound("invitation not found", nil)
		}

		next := StatusDeclined
		if accept {
			next = StatusAccepted
			if c.Status == contract.StatusActive || c.Status == contract.StatusPaused {
				next = StatusActive
			}
		}

		now := time.Now().UTC()
		for _, p := range rows {
			if p.Status != StatusInvited {
				continue
			}
			updates := map[string]any{"status": next, "updated_at": now}
			if reason != "" {
				updates["reason"] = reason
			}
			res := tx.WithContext(ctx).Model(&ContractParticipant{}).
				Where("id = ? AND status = ?", p.ID, StatusInvited).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errutil.Conflict("invitation changed concurrently", nil)
			}
			p.Status = next
			p.UpdatedAt = now
			if reason != "" {
				r := reason
				p.Reason = &r
			}
			out = append(out, p)
		}
		if len(out) == 0 {
			return errutil.Conflict("no open invitation for this user", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("invitation answered",
		zap.String("contract_id", contractID),
		zap.String("user_id", userID),
		zap.Bool("accepted", accept),
	)
	return out, nil
}

func (s *Service) RemoveDriver(ctx context.Context, contractID, driverUserID string, a actor.Actor, reason string) (*ContractParticipant, error) {
	if reason == "" {
		return nil, errutil.ValidationFailed("reason is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "reason", Message: "required"}))
	}

	var out *ContractParticipant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockManaged(ctx, tx, contractID, a); err != nil {
			return err
		}
		var err error
		out, err = s.remove(ctx, tx, contractID, driverUserID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("driver removed",
		zap.String("contract_id", contractID),
		zap.String("user_id", driverUserID),
		zap.String("reason", reason),
	)
	return out, nil
}

func (s *Service) remove(ctx context.Context, tx *gorm.DB, contractID, driverUserID, reason string) (*ContractParticipant, error) {
	repo := s.participant.WithTrx(tx)
	p, err := repo.FindOne(ctx, &ContractParticipant{ContractID: contractID, UserID: driverUserID, Role: RoleDriver}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("driver not found on contract", nil)
	}
	if !p.Status.Working() {
		return nil, errutil.Conflict(fmt.Sprintf("driver is %s", p.Status), nil)
	}

	now := time.Now().UTC()
	if err := repo.Update(ctx, p.ID, map[string]any{
		"status":              StatusRemoved,
		"reason":              reason,
		"is_location_visible": false,
		"updated_at":          now,
	}); err != nil {
		return nil, err
	}
	p.Status = StatusRemoved
	p.Reason = &reason
	p.IsLocationVisible = false
	p.UpdatedAt = now
	return p, nil
}

// ChangeDriver removes the current driver, if any, and invites the new one
// in the same transaction.
func (s *Service) ChangeDriver(ctx context.Context, contractID string, a actor.Actor, p ChangeDriverParams) (*ContractParticipant, error) {
	if p.Reason == "" {
		return nil, errutil.ValidationFailed("reason is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "reason", Message: "required"}))
	}
	if p.NewDriverUserID == "" {
		return nil, errutil.ValidationFailed("new driver is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "new_driver_user_id", Message: "required"}))
	}
	if p.NewDriverUserID == p.CurrentDriverUserID {
		return nil, errutil.ValidationFailed("new driver must differ from the current one", nil)
	}

	var out *ContractParticipant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.lockManaged(ctx, tx, contractID, a)
		if err != nil {
			return err
		}
		if p.CurrentDriverUserID != "" {
			if _, err := s.remove(ctx, tx, contractID, p.CurrentDriverUserID, p.Reason); err != nil {
				return err
			}
		}
		out, err = s.invite(ctx, tx, c, p.NewDriverUserID, RoleDriver, a)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("driver changed",
		zap.String("contract_id", contractID),
		zap.String("from", p.CurrentDriverUserID),
		zap.String("to", p.NewDriverUserID),
	)
	return out, nil
}

// SetDriverLocationVisibility may be called by the driver or a contract party.
func (s *Service) SetDriverLocationVisibility(ctx context.Context, contractID, driverUserID string, a actor.Actor, visible bool) (*ContractParticipant, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if a.UserID != driverUserID && !c.IsParty(a.UserID) && !a.Privileged() {
		return nil, errutil.Forbidden("not allowed to change location visibility", nil)
	}

	p, err := s.participant.FindOne(ctx, &ContractParticipant{ContractID: contractID, UserID: driverUserID, Role: RoleDriver})
	if err != nil {
		return nil, errutil.Internal("failed to load driver", err)
	}
	if p == nil {
		return nil, errutil.NotFound("driver not found on contract", nil)
	}
	if !p.Status.Working() {
		return nil, errutil.Conflict(fmt.Sprintf("driver is %s", p.Status), nil)
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&ContractParticipant{}).
		Where("id = ?", p.ID).
		Updates(map[string]any{"is_location_visible": visible, "updated_at": now}).Error; err != nil {
		return nil, errutil.Internal("failed to update location visibility", err)
	}
	p.IsLocationVisible = visible
	p.UpdatedAt = now
	return p, nil
}

// ActivateAccepted moves accepted participants to active when the contract
// starts. It joins the caller's transaction.
func (s *Service) ActivateAccepted(ctx context.Context, tx *gorm.DB, contractID string) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).Model(&ContractParticipant{}).
		Where("contract_id = ? AND status = ?", contractID, StatusAccepted).
		Updates(map[string]any{"status": StatusActive, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

func (s *Service) Readiness(ctx context.Context, tx *gorm.DB, contractID string) (*Readiness, error) {
	repo := s.participant.WithTrx(tx)
	rows, err := repo.Find(ctx, &ContractParticipant{ContractID: contractID})
	if err != nil {
		return nil, err
	}

	out := &Readiness{}
	for _, p := range rows {
		switch {
		case p.Status == StatusInvited:
			out.Invited++
		case p.Status.Working() && p.Role == RoleDriver:
			out.AcceptedDrivers++
		case p.Status.Working() && p.Role == RoleCarrier:
			out.Carrier = true
		}
	}
	return out, nil
}

func (s *Service) List(ctx context.Context, contractID string) ([]*ContractParticipant, error) {
	return s.participant.Find(ctx, &ContractParticipant{ContractID: contractID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}))
}

// ListInvites returns the open invitations addressed to userID.
func (s *Service) ListInvites(ctx context.Context, userID string) ([]*ContractParticipant, error) {
	return s.participant.Find(ctx, &ContractParticipant{UserID: userID, Status: StatusInvited},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}))
}

// IsParticipant reports whether userID accepted a role on the contract and
// was not removed.
func (s *Service) IsParticipant(ctx context.Context, contractID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&ContractParticipant{}).
		Where("contract_id = ? AND user_id = ? AND status IN ?", contractID, userID, []Status{StatusAccepted, StatusActive}).
		Count(&n).Error
	return n > 0, err
}
