package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/db/option"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/payment"
	"freight-controlplane/services/contract"
	"freight-controlplane/services/wallet"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const transferConcurrency = 4

// CompleteContract pays out the current cycle of a root contract and closes
// it with its children. Completing an already completed contract returns
// the stored payouts.
func (s *Service) CompleteContract(ctx context.Context, a actor.Actor, contractID string) (*CompletionResult, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.IsRoot() {
		return nil, errutil.ValidationFailed("only a root contract can be completed; complete its job instead", nil)
	}
	if !contract.CanActorTransition(c, a, contract.ActionComplete) {
		return nil, errutil.Forbidden("only the hiring party can complete this contract", nil)
	}

	switch c.Status {
	case contract.StatusCompleted:
		rows, err := s.cycleRows(ctx, nil, c)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, errutil.Conflict("contract completed without payouts", nil)
		}
		return s.result(c, rows, true), nil
	case contract.StatusActive:
	default:
		return nil, errutil.Conflict(fmt.Sprintf("contract is %s", c.Status), nil)
	}

	return s.settle(ctx, a, c, SettlementCompletion)
}

// CompleteJob completes the root contract that owns contractID.
func (s *Service) CompleteJob(ctx context.Context, a actor.Actor, contractID string) (*CompletionResult, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	root, err := s.contracts.Root(ctx, c)
	if err != nil {
		return nil, err
	}
	return s.CompleteContract(ctx, a, root.ID)
}

// ProcessBillingCycle settles a due recurring cycle and funds the next one.
// A failure to fund the next cycle is recorded for retry and does not undo
// the settled payouts.
func (s *Service) ProcessBillingCycle(ctx context.Context, contractID string) (*CompletionResult, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.IsRoot() || !c.BillingCycle.Recurring() {
		return nil, errutil.ValidationFailed("contract is not billed in cycles", nil)
	}
	if c.Status != contract.StatusActive {
		return nil, errutil.Conflict(fmt.Sprintf("contract is %s", c.Status), nil)
	}
	if c.NextBillingDate == nil || c.NextBillingDate.After(s.now()) {
		return nil, errutil.Conflict("billing cycle is not due yet", nil)
	}
	if c.HoldTransactionID == nil {
		return nil, errutil.Conflict("current cycle is not funded", nil)
	}

	res, err := s.settle(ctx, actor.System, c, SettlementCycle)
	if err != nil {
		return nil, err
	}

	if _, err := s.fund(ctx, actor.System, res.Contract, modeSweep); err != nil {
		if !recorded(err) {
			return res, err
		}
		logger.FromContext(ctx).Warn("next billing cycle not funded",
			zap.String("contract_id", c.ID),
			zap.Error(err),
		)
	}
	fresh, err := s.contracts.Get(ctx, c.ID)
	if err == nil {
		res.Contract = fresh
	}
	return res, nil
}

// settle reserves the cycle's payout rows, sends external transfers, then
// releases the hold and posts the rows in one transaction. Reserved rows
// left by an interrupted run are resumed as they are.
func (s *Service) settle(ctx context.Context, a actor.Actor, root *contract.Contract, kind Settlement) (*CompletionResult, error) {
	log := logger.FromContext(ctx).With(zap.String("contract_id", root.ID), zap.String("settlement", string(kind)))

	rows, replayed, err := s.reserve(ctx, root, kind)
	if err != nil {
		return nil, err
	}
	if replayed {
		c, err := s.contracts.Get(ctx, root.ID)
		if err != nil {
			return nil, err
		}
		return s.result(c, rows, true), nil
	}

	if err := s.transferExternal(ctx, root, rows); err != nil {
		observeProviderFailure(err)
		log.Warn("payout transfer failed", zap.Error(err))
		if _, rerr := s.retries.RecordFailure(ctx, nil, root.ID, err); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}

	c, err := s.post(ctx, a, root.ID, rows, kind == SettlementCompletion)
	if err != nil {
		return nil, err
	}

	observeSettlement(kind, rows)
	res := s.result(c, rows, false)
	log.Info("contract cycle settled",
		zap.Int("payouts", len(rows)),
		zap.Int64("main_earning", res.MainEarning),
		zap.Int64("platform_fee", res.PlatformFee),
	)
	return res, nil
}

func (s *Service) cycleRows(ctx context.Context, tx *gorm.DB, c *contract.Contract) ([]*ContractTransaction, error) {
	return s.payout.WithTrx(tx).Find(ctx, &ContractTransaction{
		RootContractID:    c.ID,
		BillingCycleStart: c.CycleStart.UTC(),
	}, option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}))
}

// reserve writes one reserved row per payee of the current cycle. It
// reports replayed when the cycle is already fully posted.
func (s *Service) reserve(ctx context.Context, root *contract.Contract, kind Settlement) ([]*ContractTransaction, bool, error) {
	var (
		rows     []*ContractTransaction
		replayed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.contracts.GetForUpdate(ctx, tx, root.ID)
		if err != nil {
			return err
		}

		existing, err := s.cycleRows(ctx, tx, c)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			rows = existing
			replayed = true
			for _, r := range existing {
				if r.Status == PayoutReserved {
					replayed = false
				}
			}
			return nil
		}

		if c.Status != contract.StatusActive {
			return errutil.Conflict(fmt.Sprintf("contract is %s", c.Status), nil)
		}
		if c.HoldTransactionID == nil {
			return errutil.Conflict("contract has no open escrow hold", nil)
		}

		payees, err := s.plan(ctx, tx, c)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		var totalFee int64
		for _, p := range payees {
			totalFee += p.fee
			net := p.gross - p.fee
			if net <= 0 {
				continue
			}
			account, err := s.lookupAccount(ctx, tx, p.userID)
			if err != nil {
				return err
			}
			rows = append(rows, s.newRow(c, p.contractID, p.userID, p.kind, kind, net, p.fee, account, now))
		}
		if totalFee > 0 {
			rows = append(rows, s.newRow(c, c.ID, s.platformUserID, KindPlatformFee, kind, totalFee, 0, nil, now))
		}
		if len(rows) == 0 {
			return errutil.Conflict("nothing to pay out", nil)
		}

		if err := s.payout.WithTrx(tx).BatchCreate(ctx, rows); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errutil.Conflict("cycle is already being settled", err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rows, replayed, nil
}

func (s *Service) newRow(root *contract.Contract, contractID, userID string, kind PayoutKind, settlement Settlement, amount, fee int64, account *string, now time.Time) *ContractTransaction {
	return &ContractTransaction{
		ID:                 s.node.Generate().String(),
		ContractID:         contractID,
		PayeeUserID:        userID,
		BillingCycleStart:  root.CycleStart.UTC(),
		BillingCycleEnd:    root.CycleEnd().UTC(),
		RootContractID:     root.ID,
		Kind:               kind,
		Settlement:         settlement,
		Amount:             amount,
		Fee:                fee,
		Currency:           root.Currency,
		ConnectedAccountID: account,
		Status:             PayoutReserved,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// plan splits the root amount: started children receive their own amount,
// the hired party of the root receives the rest. Pending children are
// never paid.
func (s *Service) plan(ctx context.Context, tx *gorm.DB, root *contract.Contract) ([]payee, error) {
	children, err := s.contracts.WithTrx(tx).ListChildren(ctx, root.ID)
	if err != nil {
		return nil, err
	}

	var (
		out      []payee
		assigned int64
	)
	for _, child := range children {
		if child.Status != contract.StatusActive && child.Status != contract.StatusPaused {
			continue
		}
		out = append(out, payee{contractID: child.ID, userID: child.HiredUserID, kind: KindEarning, gross: child.Amount})
		assigned += child.Amount
	}
	if assigned > root.Amount {
		return nil, errutil.Internal(fmt.Sprintf("children of %s exceed its amount", root.ID), nil)
	}
	if main := root.Amount - assigned; main > 0 {
		out = append([]payee{{contractID: root.ID, userID: root.HiredUserID, kind: KindEarning, gross: main}}, out...)
	}

	for i := range out {
		depth := root.Depth
		if out[i].contractID != root.ID {
			depth++
		}
		fee, err := s.fees.Fee(FeeInput{
			Gross:        out[i].gross,
			Depth:        depth,
			Kind:         out[i].kind,
			BillingCycle: string(root.BillingCycle),
		})
		if err != nil {
			return nil, errutil.Internal("failed to compute platform fee", err)
		}
		out[i].fee = fee
	}
	return out, nil
}

// transferExternal pays rows routed to connected accounts. The row id is the
// provider idempotency key, so a resumed settlement never pays twice.
func (s *Service) transferExternal(ctx context.Context, root *contract.Contract, rows []*ContractTransaction) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)

	for _, row := range rows {
		if !row.External() || row.TransferID != nil || row.Status != PayoutReserved {
			continue
		}
		row := row
		g.Go(func() error {
			tr, err := s.provider.CreateTransfer(gctx, payment.TransferRequest{
				ConnectedAccountID: *row.ConnectedAccountID,
				Amount:             row.Amount,
				Currency:           row.Currency,
				IdempotencyKey:     row.ID,
				Metadata: map[string]string{
					"contract_id":      row.ContractID,
					"root_contract_id": root.ID,
					"payee_user_id":    row.PayeeUserID,
				},
			})
			if err != nil {
				return payment.Classify(err)
			}
			if err := s.payout.Update(gctx, row.ID, map[string]any{"transfer_id": tr.ID, "updated_at": s.now().UTC()}); err != nil {
				return err
			}
			row.TransferID = &tr.ID
			return nil
		})
	}
	return g.Wait()
}

// post releases the hold into the reserved rows and closes the cycle, or the
// whole contract tree when final is set.
func (s *Service) post(ctx context.Context, a actor.Actor, rootID string, rows []*ContractTransaction, final bool) (*contract.Contract, error) {
	var out *contract.Contract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		root, err := s.contracts.GetForUpdate(ctx, tx, rootID)
		if err != nil {
			return err
		}
		if root.Status != contract.StatusActive {
			return errutil.Conflict(fmt.Sprintf("contract is %s", root.Status), nil)
		}
		if root.HoldTransactionID == nil {
			return errutil.Conflict("contract has no open escrow hold", nil)
		}

		splits := make([]wallet.Split, len(rows))
		for i, row := range rows {
			if row.Status != PayoutReserved {
				return errutil.Conflict("payout already posted", nil)
			}
			sp := wallet.Split{
				Amount:      row.Amount,
				Source:      "contract_" + string(row.Kind),
				Description: fmt.Sprintf("%s for contract %s", row.Kind, row.ContractID),
			}
			if row.External() {
				sp.ConnectedAccountID = *row.ConnectedAccountID
			} else {
				sp.UserID = row.PayeeUserID
			}
			splits[i] = sp
		}

		res, err := s.wallets.WithTrx(tx).Release(ctx, *root.HoldTransactionID, wallet.ReleaseParams{
			Mode:   wallet.ReleaseModePayout,
			Splits: splits,
			Reference: wallet.Reference{
				ID:          root.ID,
				Type:        "contract",
				Description: "escrow payout",
				Metadata:    map[string]any{"cycle_start": root.CycleStart.UTC().Format(time.RFC3339)},
			},
		})
		if err != nil {
			return err
		}

		now := s.now().UTC()
		repo := s.payout.WithTrx(tx)
		for i, row := range rows {
			entry := res.Credits[i]
			if entry == nil {
				entry = res.Payout
			}
			if err := repo.Update(ctx, row.ID, map[string]any{
				"status":                PayoutPosted,
				"wallet_transaction_id": entry.ID,
				"updated_at":            now,
			}); err != nil {
				return err
			}
			row.Status = PayoutPosted
			row.WalletTransactionID = &entry.ID
			row.UpdatedAt = now
		}

		if final {
			if err := s.closeChildren(ctx, tx, root); err != nil {
				return err
			}
			if err := s.contracts.Transition(ctx, tx, root, contract.StatusCompleted, a, contract.TransitionOptions{
				Updates: map[string]any{"hold_transaction_id": nil, "next_billing_date": nil},
			}); err != nil {
				return err
			}
		} else {
			next := root.BillingCycle.Next(root.CycleStart)
			if err := s.contracts.Update(ctx, tx, root, map[string]any{
				"cycle_start":         next.UTC(),
				"next_billing_date":   root.BillingCycle.Next(next).UTC(),
				"hold_transaction_id": nil,
			}); err != nil {
				return err
			}
		}

		if err := s.retries.RecordSuccess(ctx, tx, root); err != nil {
			return err
		}
		out = root
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// closeChildren completes started children and cancels the ones that never
// started.
func (s *Service) closeChildren(ctx context.Context, tx *gorm.DB, root *contract.Contract) error {
	children, err := s.contracts.WithTrx(tx).ListChildren(ctx, root.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		switch child.Status {
		case contract.StatusPaused:
			if err := s.contracts.Transition(ctx, tx, child, contract.StatusActive, actor.System, contract.TransitionOptions{}); err != nil {
				return err
			}
			fallthrough
		case contract.StatusActive:
			err = s.contracts.Transition(ctx, tx, child, contract.StatusCompleted, actor.System, contract.TransitionOptions{})
		case contract.StatusPending:
			err = s.contracts.Transition(ctx, tx, child, contract.StatusCancelled, actor.System, contract.TransitionOptions{
				Reason: "parent contract completed before start",
			})
		default:
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) result(c *contract.Contract, rows []*ContractTransaction, replayed bool) *CompletionResult {
	res := &CompletionResult{Contract: c, Payouts: rows, Replayed: replayed}
	for _, r := range rows {
		switch {
		case r.Kind == KindPlatformFee:
			res.PlatformFee += r.Amount
		case r.ContractID == c.ID:
			res.MainEarning += r.Amount
		}
	}
	return res
}

// RefundPayout reverses a posted wallet payout: the payee is debited and
// the hiring party of the root contract credited, atomically.
func (s *Service) RefundPayout(ctx context.Context, a actor.Actor, payoutID, reason string) (*ContractTransaction, error) {
	if !a.IsAdmin() {
		return nil, errutil.Forbidden("only an admin can refund payouts", nil)
	}
	if reason == "" {
		return nil, errutil.ValidationFailed("reason is required", nil, errutil.WithDetails(errutil.Detail{
			Field:   "reason",
			Message: "must not be empty",
		}))
	}

	var out *ContractTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.payout.WithTrx(tx)
		row, err := repo.FindOne(ctx, &ContractTransaction{ID: payoutID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if row == nil {
			return errutil.NotFound("payout not found", nil)
		}
		if row.Status != PayoutPosted {
			return errutil.Conflict(fmt.Sprintf("payout is %s", row.Status), nil)
		}
		if row.External() {
			return errutil.Conflict("payout was sent by provider transfer and cannot be reversed here", nil)
		}

		root, err := s.contracts.GetForUpdate(ctx, tx, row.RootContractID)
		if err != nil {
			return err
		}

		ref := wallet.Reference{
			ID:          row.ID,
			Type:        "contract_transaction",
			Description: reason,
			Metadata:    map[string]any{"contract_id": row.ContractID, "actor": a.UserID},
		}
		wallets := s.wallets.WithTrx(tx)
		if _, err := wallets.Debit(ctx, row.PayeeUserID, row.Amount, "payout_refund", ref); err != nil {
			return err
		}
		if _, err := wallets.Refund(ctx, root.HiredByUserID, row.Amount, ref); err != nil {
			return err
		}

		if err := repo.Update(ctx, row.ID, map[string]any{
			"status":        PayoutRefunded,
			"refund_reason": reason,
			"updated_at":    s.now().UTC(),
		}); err != nil {
			return err
		}
		out, err = repo.FindOne(ctx, &ContractTransaction{ID: row.ID})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("payout refunded",
		zap.String("payout_id", out.ID),
		zap.String("contract_id", out.ContractID),
		zap.Int64("amount", out.Amount),
		zap.String("actor", a.UserID),
	)
	return out, nil
}

// ListPayouts returns every payout row of a contract and, for a root, of its
// children.
func (s *Service) ListPayouts(ctx context.Context, a actor.Actor, contractID string) ([]*ContractTransaction, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	root, err := s.contracts.Root(ctx, c)
	if err != nil {
		return nil, err
	}
	if !a.Privileged() && !c.IsParty(a.UserID) && !root.IsParty(a.UserID) {
		return nil, errutil.NotFound("contract not found", nil)
	}

	var out []*ContractTransaction
	err = s.db.WithContext(ctx).
		Where("contract_id = ? OR root_contract_id = ?", c.ID, c.ID).
		Order("billing_cycle_start asc, created_at asc").
		Find(&out).Error
	return out, err
}
