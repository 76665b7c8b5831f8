package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/payment"
	"freight-controlplane/pkg/repository"
	"freight-controlplane/services/contract"
	"freight-controlplane/services/participant"
	"freight-controlplane/services/retry"
	"freight-controlplane/services/wallet"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPlatformUserID = "platform"

// mode selects how a money movement reports failure. Request mode returns
// errors to the caller; sweep mode records them with the retry manager.
type mode int

const (
	modeRequest mode = iota
	modeSweep
)

// Service coordinates contract money movement: it holds escrow on start,
// pays out on completion and re-drives failed provider calls. Provider
// calls never run inside a DB transaction.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	provider payment.Provider
	fees     FeePolicy

	contracts    *contract.Service
	wallets      *wallet.Service
	participants *participant.Service
	retries      *retry.Service

	platformUserID string
	requireDriver  bool
	now            func() time.Time

	payout   repository.Repository[ContractTransaction]
	webhook  repository.Repository[WebhookEvent]
	accounts repository.Repository[PayoutAccount]
}

type ServiceParams struct {
	fx.In
	DB           *gorm.DB
	Node         *snowflake.Node
	Provider     payment.Provider
	Fees         FeePolicy
	Contracts    *contract.Service
	Wallets      *wallet.Service
	Participants *participant.Service
	Retries      *retry.Service
	Config       *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:       p.DB,
		node:     p.Node,
		provider: p.Provider,
		fees:     p.Fees,

		contracts:    p.Contracts,
		wallets:      p.Wallets,
		participants: p.Participants,
		retries:      p.Retries,

		platformUserID: defaultPlatformUserID,
		now:            time.Now,

		payout:   repository.ProvideStore[ContractTransaction](p.DB),
		webhook:  repository.ProvideStore[WebhookEvent](p.DB),
		accounts: repository.ProvideStore[PayoutAccount](p.DB),
	}
	if s.fees == nil {
		s.fees = PercentagePolicy{BPS: DefaultFeeBPS}
	}
	if p.Config != nil {
		if p.Config.Escrow.PlatformUserID != "" {
			s.platformUserID = p.Config.Escrow.PlatformUserID
		}
		s.requireDriver = p.Config.Escrow.RequireDriver
	}
	return s
}

// StartContract funds the first cycle of a pending contract and activates
// it once the provider confirms the payment. A pending provider intent
// leaves the contract pending until the webhook arrives.
func (s *Service) StartContract(ctx context.Context, a actor.Actor, contractID string) (*contract.Contract, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !contract.CanActorTransition(c, a, contract.ActionStart) {
		return nil, errutil.Forbidden("only the hiring party can start this contract", nil)
	}
	if c.Status != contract.StatusPending {
		return nil, errutil.Conflict(fmt.Sprintf("contract is %s", c.Status), nil)
	}
	if err := s.checkReadiness(ctx, c); err != nil {
		return nil, err
	}

	if !c.IsRoot() {
		return s.startChild(ctx, a, c)
	}
	return s.fund(ctx, a, c, modeRequest)
}

func (s *Service) checkReadiness(ctx context.Context, c *contract.Contract) error {
	ready, err := s.participants.Readiness(ctx, nil, c.ID)
	if err != nil {
		return errutil.Internal("failed to check participants", err)
	}
	if ready.Invited > 0 {
		return errutil.Conflict(fmt.Sprintf("%d participant invitation(s) still open", ready.Invited), nil)
	}
	if s.requireDriver && ready.AcceptedDrivers == 0 {
		return errutil.Conflict("contract needs an accepted driver before it starts", nil)
	}
	return nil
}

// startChild activates a subcontract. Its amount is already escrowed by the
// parent's hold, so no money moves.
func (s *Service) startChild(ctx context.Context, a actor.Actor, c *contract.Contract) (*contract.Contract, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := s.contracts.GetForUpdate(ctx, tx, *c.ParentContractID)
		if err != nil {
			return err
		}
		if parent.Status != contract.StatusActive {
			return errutil.Conflict("parent contract is not active", nil)
		}
		locked, err := s.contracts.GetForUpdate(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if err := s.contracts.Transition(ctx, tx, locked, contract.StatusActive, a, contract.TransitionOptions{}); err != nil {
			return err
		}
		if _, err := s.participants.ActivateAccepted(ctx, tx, locked.ID); err != nil {
			return err
		}
		*c = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// fund runs one funding attempt for the contract's current cycle: hold on
// the hiring wallet, provider intent outside any lock, then activation.
func (s *Service) fund(ctx context.Context, a actor.Actor, c *contract.Contract, m mode) (*contract.Contract, error) {
	log := logger.FromContext(ctx).With(zap.String("contract_id", c.ID), zap.String("cycle", c.CycleKey()))

	if err := s.reserveHold(ctx, c); err != nil {
		if m == modeSweep && errutil.Is(err, errutil.StatusInsufficientFunds) {
			_, rerr := s.retries.RecordFailure(ctx, nil, c.ID, err)
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}

	session, err := s.retries.GetOrCreatePaymentSession(ctx, retry.SessionRequest{
		ContractID:     c.ID,
		JobID:          c.JobID,
		Amount:         c.Amount,
		Currency:       c.Currency,
		IdempotencyKey: c.CycleKey(),
		Description:    fmt.Sprintf("escrow for contract %s", c.ID),
	})
	if err != nil {
		log.Warn("payment session failed, releasing hold", zap.Error(err))
		if rerr := s.releaseHold(ctx, c.ID); rerr != nil {
			log.Error("failed to release hold after provider error", zap.Error(rerr))
			return nil, errors.Join(err, rerr)
		}
		return nil, s.handleProviderFailure(ctx, c.ID, err)
	}

	if session.Intent.Status != payment.IntentSucceeded {
		log.Info("payment intent awaiting confirmation",
			zap.String("intent_id", session.Intent.ExternalIntentID),
			zap.String("status", string(session.Intent.Status)),
		)
		return s.contracts.Get(ctx, c.ID)
	}

	return s.activate(ctx, a, c.ID)
}

// reserveHold places the cycle's hold unless an open one is already
// recorded on the contract.
func (s *Service) reserveHold(ctx context.Context, c *contract.Contract) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.contracts.GetForUpdate(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if locked.Status != contract.StatusPending && locked.Status != contract.StatusActive {
			return errutil.Conflict(fmt.Sprintf("contract is %s", locked.Status), nil)
		}

		wallets := s.wallets.WithTrx(tx)
		if locked.HoldTransactionID != nil {
			hold, err := wallets.GetHold(ctx, *locked.HoldTransactionID)
			if err == nil && hold.Open() {
				*c = *locked
				return nil
			}
		}

		entry, err := wallets.Hold(ctx, locked.HiredByUserID, locked.Amount, wallet.Reference{
			ID:          locked.ID,
			Type:        "contract",
			Description: fmt.Sprintf("escrow hold for cycle %s", locked.CycleStart.UTC().Format(time.RFC3339)),
		})
		if err != nil {
			return err
		}
		if err := s.contracts.Update(ctx, tx, locked, map[string]any{"hold_transaction_id": entry.ID}); err != nil {
			return err
		}
		*c = *locked
		return nil
	})
}

// releaseHold returns the contract's open hold to the hiring wallet and
// clears it from the contract.
func (s *Service) releaseHold(ctx context.Context, contractID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
		if err != nil {
			return err
		}
		return s.releaseHoldTx(ctx, tx, c)
	})
}

func (s *Service) releaseHoldTx(ctx context.Context, tx *gorm.DB, c *contract.Contract) error {
	if c.HoldTransactionID == nil {
		return nil
	}
	_, err := s.wallets.WithTrx(tx).Release(ctx, *c.HoldTransactionID, wallet.ReleaseParams{
		Mode:      wallet.ReleaseModeReturnToAvailable,
		Reference: wallet.Reference{ID: c.ID, Type: "contract", Description: "escrow returned"},
	})
	if err != nil && !errutil.IsConflict(err) {
		return err
	}
	return s.contracts.Update(ctx, tx, c, map[string]any{"hold_transaction_id": nil})
}

// handleProviderFailure records a retryable failure or closes the contract
// on a terminal one. The original error is returned for the caller.
func (s *Service) handleProviderFailure(ctx context.Context, contractID string, cause error) error {
	observeProviderFailure(cause)
	if errutil.IsProviderTransient(cause) {
		if _, err := s.retries.RecordFailure(ctx, nil, contractID, cause); err != nil {
			return errors.Join(cause, err)
		}
		return cause
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
		if err != nil {
			return err
		}
		to := contract.StatusCancelled
		if c.Status == contract.StatusActive {
			to = contract.StatusPaused
		}
		if !contract.IsValidTransition(c.Status, to) {
			return nil
		}
		return s.contracts.Transition(ctx, tx, c, to, actor.System, contract.TransitionOptions{
			Reason: "payment rejected by provider",
		})
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// activate moves a funded pending contract to active. Already active
// contracts only get their failure state resolved.
func (s *Service) activate(ctx context.Context, a actor.Actor, contractID string) (*contract.Contract, error) {
	var out *contract.Contract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.HoldTransactionID == nil {
			return errutil.Conflict("contract has no open escrow hold", nil)
		}

		if c.Status == contract.StatusPending {
			updates := map[string]any{"retry_count": 0}
			if c.BillingCycle.Recurring() {
				updates["next_billing_date"] = c.CycleEnd()
			}
			if err := s.contracts.Transition(ctx, tx, c, contract.StatusActive, a, contract.TransitionOptions{Updates: updates}); err != nil {
				return err
			}
			if _, err := s.participants.ActivateAccepted(ctx, tx, c.ID); err != nil {
				return err
			}
		}
		if err := s.retries.RecordSuccess(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("contract funded",
		zap.String("contract_id", out.ID),
		zap.String("status", string(out.Status)),
		zap.Int64("amount", out.Amount),
	)
	return out, nil
}

// CancelContract closes a contract that has not paid out its current cycle
// and returns its hold. Cancelling a root cancels its open children.
func (s *Service) CancelContract(ctx context.Context, a actor.Actor, contractID, reason string) (*contract.Contract, error) {
	var out *contract.Contract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if !contract.CanActorTransition(c, a, contract.ActionCancel) {
			return errutil.Forbidden("not allowed to cancel this contract", nil)
		}
		if !contract.IsValidTransition(c.Status, contract.StatusCancelled) {
			return errutil.Conflict(fmt.Sprintf("contract is %s", c.Status), nil)
		}

		var paid int64
		if err := tx.WithContext(ctx).Model(&ContractTransaction{}).
			Where("(contract_id = ? OR root_contract_id = ?) AND billing_cycle_start = ?", c.ID, c.ID, c.CycleStart.UTC()).
			Count(&paid).Error; err != nil {
			return err
		}
		if paid > 0 {
			return errutil.Conflict("current cycle already has payouts; refund them instead", nil)
		}

		if err := s.releaseHoldTx(ctx, tx, c); err != nil {
			return err
		}
		if err := s.contracts.Transition(ctx, tx, c, contract.StatusCancelled, a, contract.TransitionOptions{
			Reason:  reason,
			Updates: map[string]any{"next_billing_date": nil},
		}); err != nil {
			return err
		}

		if c.IsRoot() {
			children, err := s.contracts.WithTrx(tx).ListChildren(ctx, c.ID)
			if err != nil {
				return err
			}
			for _, child := range children {
				if child.Status.Terminal() {
					continue
				}
				if err := s.contracts.Transition(ctx, tx, child, contract.StatusCancelled, actor.System, contract.TransitionOptions{
					Reason: "parent contract cancelled",
				}); err != nil {
					return err
				}
			}
		}

		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	in, err := s.retries.FindIntentByKey(ctx, out.CycleKey())
	if err == nil && in != nil && in.Status != payment.IntentSucceeded && in.Usable(s.now()) {
		if _, _, err := s.retries.MarkIntentStatus(ctx, nil, in.ExternalIntentID, payment.IntentCancelled, "contract cancelled"); err != nil {
			logger.FromContext(ctx).Warn("failed to cancel payment session", zap.String("contract_id", out.ID), zap.Error(err))
		}
	}

	logger.FromContext(ctx).Info("contract cancelled",
		zap.String("contract_id", out.ID),
		zap.String("actor", a.UserID),
		zap.String("reason", reason),
	)
	return out, nil
}

// ResumeContract reactivates a paused contract and clears a terminal
// payment failure. A root whose escrow was released while paused is funded
// again for its current cycle.
func (s *Service) ResumeContract(ctx context.Context, a actor.Actor, contractID string) (*contract.Contract, error) {
	var c *contract.Contract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.contracts.GetForUpdate(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if err := s.contracts.Transition(ctx, tx, locked, contract.StatusActive, a, contract.TransitionOptions{
			Updates: map[string]any{"retry_count": 0},
		}); err != nil {
			return err
		}
		if err := s.retries.RecordSuccess(ctx, tx, locked); err != nil {
			return err
		}
		c = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !c.IsRoot() || c.HoldTransactionID != nil {
		return c, nil
	}
	// Sweep mode keeps a short wallet on the retry schedule.
	logger.FromContext(ctx).Info("funding escrow for resumed contract", zap.String("contract_id", c.ID))
	return s.fund(ctx, a, c, modeSweep)
}

// RetryContract re-drives whatever money movement the contract is waiting
// on. Provider and funding failures are recorded, not returned.
func (s *Service) RetryContract(ctx context.Context, contractID string) error {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return err
	}

	switch {
	case c.Status == contract.StatusPending && c.IsRoot():
		_, err = s.fund(ctx, actor.System, c, modeSweep)
	case c.Status == contract.StatusActive && c.HoldTransactionID == nil:
		_, err = s.fund(ctx, actor.System, c, modeSweep)
	case c.Status == contract.StatusActive:
		var pending []*ContractTransaction
		pending, err = s.payout.Find(ctx, &ContractTransaction{RootContractID: c.ID, BillingCycleStart: c.CycleStart.UTC(), Status: PayoutReserved})
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			_, err = s.activate(ctx, actor.System, c.ID)
			break
		}
		_, err = s.settle(ctx, actor.System, c, pending[0].Settlement)
	default:
		return errutil.Conflict(fmt.Sprintf("contract is %s", c.Status), nil)
	}

	if recorded(err) {
		return nil
	}
	return err
}

// recorded reports whether err was already captured as a payment failure.
func recorded(err error) bool {
	return err != nil && (errutil.IsProviderError(err) || errutil.Is(err, errutil.StatusInsufficientFunds))
}

// RunBillingCycle is the sweep entry for recurring contracts.
func (s *Service) RunBillingCycle(ctx context.Context, contractID string) error {
	_, err := s.ProcessBillingCycle(ctx, contractID)
	if recorded(err) {
		return nil
	}
	return err
}

func (s *Service) lookupAccount(ctx context.Context, tx *gorm.DB, userID string) (*string, error) {
	acc, err := s.accounts.WithTrx(tx).FindOne(ctx, &PayoutAccount{UserID: userID})
	if err != nil {
		return nil, err
	}
	if acc == nil || acc.ConnectedAccountID == "" {
		return nil, nil
	}
	id := acc.ConnectedAccountID
	return &id, nil
}

// SetPayoutAccount routes userID's future earnings to a connected account.
// An empty id switches back to wallet credits.
func (s *Service) SetPayoutAccount(ctx context.Context, userID, connectedAccountID string) (*PayoutAccount, error) {
	now := s.now().UTC()
	acc := &PayoutAccount{UserID: userID, ConnectedAccountID: connectedAccountID, CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Save(acc).Error; err != nil {
		return nil, errutil.Internal("failed to store payout account", err)
	}
	return acc, nil
}
