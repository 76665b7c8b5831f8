package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/db/option"
	"freight-controlplane/pkg/db/pagination"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultCurrency = "USD"
	maxCASAttempts  = 3
)

var errConcurrentUpdate = errors.New("wallet row changed concurrently")

// Service is the append-only wallet ledger. Every balance change inserts a
// WalletTransaction in the same DB transaction that updates the wallet row.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	currency string

	wallet repository.Repository[Wallet]
	entry  repository.Repository[WalletTransaction]
	hold   repository.Repository[WalletHoldLog]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	currency := defaultCurrency
	if p.Config != nil && p.Config.Payment.Currency != "" {
		currency = p.Config.Payment.Currency
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		currency: currency,

		wallet: repository.ProvideStore[Wallet](p.DB),
		entry:  repository.ProvideStore[WalletTransaction](p.DB),
		hold:   repository.ProvideStore[WalletHoldLog](p.DB),
	}
}

// WithTrx returns a Service whose operations join tx. Each operation then
// runs in a savepoint of tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.wallet = s.wallet.WithTrx(tx)
	cp.entry = s.entry.WithTrx(tx)
	cp.hold = s.hold.WithTrx(tx)
	return &cp
}

func (s *Service) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, errConcurrentUpdate) {
			return err
		}
		logger.FromContext(ctx).Warn("wallet update raced, retrying", zap.Int("attempt", attempt+1))
	}
	return errutil.Conflict("wallet changed concurrently, retry the request", err)
}

type mutation struct {
	Type        TransactionType
	Amount      int64
	Status      TransactionStatus
	Source      string
	Ref         Reference
	ReleaseMode ReleaseMode
	dAvailable  int64
	dOnHold     int64
}

// apply appends one ledger row for w and moves its balances. w is updated in
// place so several mutations can be chained inside one transaction.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, w *Wallet, m mutation) (*WalletTransaction, error) {
	if w.AvailableBalance+m.dAvailable < 0 {
		return nil, errutil.InsufficientFunds("insufficient available balance", nil, errutil.WithDetails(errutil.Detail{
			Field:   "amount",
			Message: fmt.Sprintf("available %d, required %d", w.AvailableBalance, -m.dAvailable),
		}))
	}
	if w.OnHold+m.dOnHold < 0 {
		return nil, errutil.Conflict("release exceeds amount on hold", nil)
	}

	var meta datatypes.JSON
	if len(m.Ref.Metadata) > 0 {
		b, err := json.Marshal(m.Ref.Metadata)
		if err != nil {
			return nil, errutil.BadRequest("invalid metadata", err)
		}
		meta = datatypes.JSON(b)
	}

	previousHash := w.LastHash
	if previousHash == "" {
		previousHash = GenesisHash
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := &WalletTransaction{
		ID:            s.node.Generate().String(),
		WalletID:      w.ID,
		Sequence:      w.Sequence + 1,
		Type:          m.Type,
		Amount:        m.Amount,
		Status:        m.Status,
		Source:        m.Source,
		ReferenceID:   m.Ref.ID,
		ReferenceType: m.Ref.Type,
		Description:   m.Ref.Description,
		ReleaseMode:   m.ReleaseMode,
		Metadata:      meta,
		PreviousHash:  previousHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	entry.Hash = entry.GenerateHash()

	if err := s.entry.WithTrx(tx).Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errConcurrentUpdate
		}
		return nil, err
	}

	res := tx.WithContext(ctx).Model(&Wallet{}).
		Where("id = ? AND sequence = ?", w.ID, w.Sequence).
		Where("available_balance + ? >= 0 AND on_hold + ? >= 0", m.dAvailable, m.dOnHold).
		Updates(map[string]any{
			"available_balance": gorm.Expr("available_balance + ?", m.dAvailable),
			"on_hold":           gorm.Expr("on_hold + ?", m.dOnHold),
			"sequence":          entry.Sequence,
			"last_hash":         entry.Hash,
			"updated_at":        now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errConcurrentUpdate
	}

	w.AvailableBalance += m.dAvailable
	w.OnHold += m.dOnHold
	w.Sequence = entry.Sequence
	w.LastHash = entry.Hash
	w.UpdatedAt = now

	return entry, nil
}

// lockWallet loads the user's wallet FOR UPDATE, creating it when create is set.
func (s *Service) lockWallet(ctx context.Context, tx *gorm.DB, userID string, create bool) (*Wallet, error) {
	repo := s.wallet.WithTrx(tx)
	w, err := repo.FindOne(ctx, &Wallet{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if w != nil || !create {
		return w, nil
	}

	w = &Wallet{
		ID:       s.node.Generate().String(),
		UserID:   userID,
		Currency: s.currency,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(w).Error; err != nil {
		return nil, err
	}

	return repo.FindOne(ctx, &Wallet{UserID: userID}, option.WithLockingUpdate())
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return errutil.ValidationFailed("amount must be greater than zero", nil, errutil.WithDetails(errutil.Detail{
			Field:   "amount",
			Message: "must be > 0",
		}))
	}
	return nil
}

func (s *Service) Credit(ctx context.Context, userID string, amount int64, source string, ref Reference) (*WalletTransaction, error) {
	return s.credit(ctx, TypeCredit, userID, amount, source, ref)
}

// Refund posts a compensating credit.
func (s *Service) Refund(ctx context.Context, userID string, amount int64, ref Reference) (*WalletTransaction, error) {
	return s.credit(ctx, TypeRefund, userID, amount, "refund", ref)
}

func (s *Service) credit(ctx context.Context, typ TransactionType, userID string, amount int64, source string, ref Reference) (*WalletTransaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	var out *WalletTransaction
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, userID, true)
		if err != nil {
			return err
		}

		out, err = s.apply(ctx, tx, w, mutation{
			Type:       typ,
			Amount:     amount,
			Status:     StatusProcessed,
			Source:     source,
			Ref:        ref,
			dAvailable: amount,
		})
		return err
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to credit wallet", zap.String("user_id", userID), zap.String("type", string(typ)), zap.Error(err))
		return nil, err
	}

	return out, nil
}

func (s *Service) Debit(ctx context.Context, userID string, amount int64, source string, ref Reference) (*WalletTransaction, error) {
	return s.debit(ctx, TypeDebit, StatusProcessed, userID, amount, source, ref)
}

// Withdraw takes funds out of available into a withdrawal in status initial.
// MarkWithdrawal settles it later.
func (s *Service) Withdraw(ctx context.Context, userID string, amount int64, ref Reference) (*WalletTransaction, error) {
	return s.debit(ctx, TypeWithdrawal, StatusInitial, userID, amount, "withdrawal", ref)
}

func (s *Service) debit(ctx context.Context, typ TransactionType, status TransactionStatus, userID string, amount int64, source string, ref Reference) (*WalletTransaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	var out *WalletTransaction
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, userID, false)
		if err != nil {
			return err
		}
		if w == nil {
			return errutil.InsufficientFunds("insufficient available balance", nil)
		}

		out, err = s.apply(ctx, tx, w, mutation{
			Type:       typ,
			Amount:     amount,
			Status:     status,
			Source:     source,
			Ref:        ref,
			dAvailable: -amount,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Hold moves amount from available to on-hold and opens a hold log.
func (s *Service) Hold(ctx context.Context, userID string, amount int64, ref Reference) (*WalletTransaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	var out *WalletTransaction
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, userID, true)
		if err != nil {
			return err
		}

		entry, err := s.apply(ctx, tx, w, mutation{
			Type:       TypeHold,
			Amount:     amount,
			Status:     StatusProcessing,
			Source:     "escrow_hold",
			Ref:        ref,
			dAvailable: -amount,
			dOnHold:    amount,
		})
		if err != nil {
			return err
		}

		if err := s.hold.WithTrx(tx).Create(ctx, &WalletHoldLog{
			ID:                s.node.Generate().String(),
			HoldTransactionID: entry.ID,
			WalletID:          w.ID,
			Amount:            amount,
			CreatedAt:         entry.CreatedAt,
		}); err != nil {
			return err
		}

		out = entry
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Warn("failed to hold funds", zap.String("user_id", userID), zap.Int64("amount", amount), zap.Error(err))
		return nil, err
	}

	return out, nil
}

// Release closes an open hold. In return mode the whole hold goes back to
// available. In payout mode the splits leave the hold (user splits are
// credited to their wallets in the same transaction) and any remainder
// returns to available.
func (s *Service) Release(ctx context.Context, holdTransactionID string, p ReleaseParams) (*ReleaseResult, error) {
	var payoutTotal int64
	switch p.Mode {
	case ReleaseModeReturnToAvailable:
		if len(p.Splits) > 0 {
			return nil, errutil.ValidationFailed("return release does not take splits", nil)
		}
	case ReleaseModePayout:
		for _, sp := range p.Splits {
			if err := validateAmount(sp.Amount); err != nil {
				return nil, err
			}
			if (sp.UserID == "") == (sp.ConnectedAccountID == "") {
				return nil, errutil.ValidationFailed("split needs exactly one destination", nil)
			}
			payoutTotal += sp.Amount
		}
	default:
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown release mode %q", p.Mode), nil)
	}

	var out *ReleaseResult
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		holdLog, err := s.hold.WithTrx(tx).FindOne(ctx, &WalletHoldLog{HoldTransactionID: holdTransactionID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if holdLog == nil {
			return errutil.NotFound("hold not found", nil)
		}
		if !holdLog.Open() {
			return errutil.Conflict("hold already released", nil)
		}
		if payoutTotal > holdLog.Amount {
			return errutil.Conflict("payout exceeds held amount", nil, errutil.WithDetails(errutil.Detail{
				Field:   "splits",
				Message: fmt.Sprintf("held %d, requested %d", holdLog.Amount, payoutTotal),
			}))
		}

		holdEntry, err := s.entry.WithTrx(tx).FindOne(ctx, &WalletTransaction{ID: holdTransactionID})
		if err != nil {
			return err
		}
		if holdEntry == nil || holdEntry.Type != TypeHold {
			return errutil.NotFound("hold transaction not found", nil)
		}

		owner, err := s.wallet.WithTrx(tx).FindOne(ctx, &Wallet{ID: holdLog.WalletID})
		if err != nil {
			return err
		}
		if owner == nil {
			return errutil.Internal("hold wallet missing", nil)
		}

		wallets, err := s.lockWallets(ctx, tx, owner.UserID, p.Splits)
		if err != nil {
			return err
		}
		source := wallets[owner.UserID]

		res := &ReleaseResult{Hold: holdEntry, Credits: make([]*WalletTransaction, len(p.Splits))}

		if payoutTotal > 0 {
			res.Payout, err = s.apply(ctx, tx, source, mutation{
				Type:        TypeRelease,
				Amount:      payoutTotal,
				Status:      StatusProcessed,
				Source:      "escrow_payout",
				Ref:         p.Reference,
				ReleaseMode: ReleaseModePayout,
				dOnHold:     -payoutTotal,
			})
			if err != nil {
				return err
			}
		}

		if remainder := holdLog.Amount - payoutTotal; remainder > 0 {
			res.Returned, err = s.apply(ctx, tx, source, mutation{
				Type:        TypeRelease,
				Amount:      remainder,
				Status:      StatusProcessed,
				Source:      "escrow_return",
				Ref:         p.Reference,
				ReleaseMode: ReleaseModeReturnToAvailable,
				dAvailable:  remainder,
				dOnHold:     -remainder,
			})
			if err != nil {
				return err
			}
		}

		for i, sp := range p.Splits {
			if sp.UserID == "" {
				continue
			}
			ref := p.Reference
			if sp.Description != "" {
				ref.Description = sp.Description
			}
			res.Credits[i], err = s.apply(ctx, tx, wallets[sp.UserID], mutation{
				Type:       TypeCredit,
				Amount:     sp.Amount,
				Status:     StatusProcessed,
				Source:     sp.Source,
				Ref:        ref,
				dAvailable: sp.Amount,
			})
			if err != nil {
				return err
			}
		}

		closing := res.Payout
		if closing == nil {
			closing = res.Returned
		}
		now := time.Now().UTC()
		closed := tx.WithContext(ctx).Model(&WalletHoldLog{}).
			Where("id = ? AND release_transaction_id IS NULL", holdLog.ID).
			Updates(map[string]any{"release_transaction_id": closing.ID, "released_at": now})
		if closed.Error != nil {
			return closed.Error
		}
		if closed.RowsAffected == 0 {
			return errutil.Conflict("hold already released", nil)
		}

		if err := s.entry.WithTrx(tx).Update(ctx, holdEntry.ID, map[string]any{"status": StatusProcessed, "updated_at": now}); err != nil {
			return err
		}
		holdEntry.Status = StatusProcessed

		out = res
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Warn("failed to release hold",
			zap.String("hold_transaction_id", holdTransactionID),
			zap.String("mode", string(p.Mode)),
			zap.Error(err),
		)
		return nil, err
	}

	return out, nil
}

// lockWallets locks the owner and every split destination in user id order.
func (s *Service) lockWallets(ctx context.Context, tx *gorm.DB, ownerID string, splits []Split) (map[string]*Wallet, error) {
	ids := []string{ownerID}
	seen := map[string]bool{ownerID: true}
	for _, sp := range splits {
		if sp.UserID != "" && !seen[sp.UserID] {
			seen[sp.UserID] = true
			ids = append(ids, sp.UserID)
		}
	}
	sort.Strings(ids)

	out := make(map[string]*Wallet, len(ids))
	for _, id := range ids {
		w, err := s.lockWallet(ctx, tx, id, true)
		if err != nil {
			return nil, err
		}
		out[id] = w
	}
	return out, nil
}

var withdrawalTransitions = map[TransactionStatus][]TransactionStatus{
	StatusInitial:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusProcessed, StatusFailed},
}

// MarkWithdrawal progresses a withdrawal. A failed withdrawal re-credits the
// wallet with a refund row.
func (s *Service) MarkWithdrawal(ctx context.Context, txID string, status TransactionStatus) (*WalletTransaction, error) {
	var out *WalletTransaction
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		entry, err := s.entry.WithTrx(tx).FindOne(ctx, &WalletTransaction{ID: txID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if entry == nil || entry.Type != TypeWithdrawal {
			return errutil.NotFound("withdrawal not found", nil)
		}
		if entry.Status == status {
			out = entry
			return nil
		}

		allowed := false
		for _, next := range withdrawalTransitions[entry.Status] {
			if next == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return errutil.Conflict(fmt.Sprintf("withdrawal cannot move from %s to %s", entry.Status, status), nil)
		}

		res := tx.WithContext(ctx).Model(&WalletTransaction{}).
			Where("id = ? AND status = ?", entry.ID, entry.Status).
			Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("withdrawal changed concurrently", nil)
		}
		entry.Status = status

		if status == StatusFailed {
			w, err := s.wallet.WithTrx(tx).FindOne(ctx, &Wallet{ID: entry.WalletID}, option.WithLockingUpdate())
			if err != nil {
				return err
			}
			if w == nil {
				return errutil.Internal("withdrawal wallet missing", nil)
			}
			if _, err := s.apply(ctx, tx, w, mutation{
				Type:       TypeRefund,
				Amount:     entry.Amount,
				Status:     StatusProcessed,
				Source:     "withdrawal_failed",
				Ref:        Reference{ID: entry.ID, Type: "withdrawal", Description: "failed withdrawal returned"},
				dAvailable: entry.Amount,
			}); err != nil {
				return err
			}
		}

		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Service) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := s.wallet.FindOne(ctx, &Wallet{UserID: userID})
	if err != nil {
		return nil, errutil.Internal("failed to load wallet", err)
	}
	if w == nil {
		return nil, errutil.NotFound("wallet not found", nil)
	}
	return w, nil
}

// OpenWallet returns the user's wallet, creating an empty one if needed.
func (s *Service) OpenWallet(ctx context.Context, userID string) (*Wallet, error) {
	var out *Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, userID, true)
		out = w
		return err
	})
	if err != nil {
		return nil, errutil.Internal("failed to open wallet", err)
	}
	return out, nil
}

func (s *Service) GetHold(ctx context.Context, holdTransactionID string) (*WalletHoldLog, error) {
	h, err := s.hold.FindOne(ctx, &WalletHoldLog{HoldTransactionID: holdTransactionID})
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errutil.NotFound("hold not found", nil)
	}
	return h, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*WalletTransaction, error) {
	e, err := s.entry.FindOne(ctx, &WalletTransaction{ID: id})
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errutil.NotFound("wallet transaction not found", nil)
	}
	return e, nil
}

// ListTransactions pages the user's ledger newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]*WalletTransaction, *pagination.PageInfo, error) {
	page = page.Normalize()

	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		if errutil.IsNotFound(err) {
			return []*WalletTransaction{}, &pagination.PageInfo{}, nil
		}
		return nil, nil, err
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "desc"}),
		option.WithLimit(page.Limit + 1),
	}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "sequence", Operator: option.LT, Value: cursor.Sequence}))
	}

	rows, err := s.entry.Find(ctx, &WalletTransaction{WalletID: w.ID}, opts...)
	if err != nil {
		return nil, nil, errutil.Internal("failed to list wallet transactions", err)
	}

	rows, info := pagination.BuildCursorPageInfo(rows, page.Limit, func(e *WalletTransaction) pagination.Cursor {
		return pagination.Cursor{Sequence: e.Sequence, ID: e.ID}
	})
	return rows, info, nil
}

func (s *Service) entriesInOrder(ctx context.Context, walletID string) ([]*WalletTransaction, error) {
	return s.entry.Find(ctx, &WalletTransaction{WalletID: walletID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "asc"}))
}

// Replay recomputes balances from the ledger rows in insertion order.
func (s *Service) Replay(ctx context.Context, walletID string) (*ReplayResult, error) {
	w, err := s.wallet.FindOne(ctx, &Wallet{ID: walletID})
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errutil.NotFound("wallet not found", nil)
	}

	entries, err := s.entriesInOrder(ctx, walletID)
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{
		WalletID:         walletID,
		StoredAvailable:  w.AvailableBalance,
		StoredOnHold:     w.OnHold,
		TransactionCount: len(entries),
	}
	for _, e := range entries {
		switch e.Type {
		case TypeCredit, TypeRefund:
			res.Available += e.Amount
		case TypeDebit, TypeWithdrawal:
			res.Available -= e.Amount
		case TypeHold:
			res.Available -= e.Amount
			res.OnHold += e.Amount
		case TypeRelease:
			res.OnHold -= e.Amount
			if e.ReleaseMode == ReleaseModeReturnToAvailable {
				res.Available += e.Amount
			}
		}
	}

	return res, nil
}

// VerifyChain walks the hash chain and reports the first broken link.
func (s *Service) VerifyChain(ctx context.Context, walletID string) error {
	w, err := s.wallet.FindOne(ctx, &Wallet{ID: walletID})
	if err != nil {
		return err
	}
	if w == nil {
		return errutil.NotFound("wallet not found", nil)
	}

	entries, err := s.entriesInOrder(ctx, walletID)
	if err != nil {
		return err
	}

	prev := GenesisHash
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			return errutil.Conflict(fmt.Sprintf("ledger gap at sequence %d", i+1), nil)
		}
		if e.PreviousHash != prev || e.GenerateHash() != e.Hash {
			return errutil.Conflict(fmt.Sprintf("ledger hash mismatch at sequence %d", e.Sequence), nil)
		}
		prev = e.Hash
	}

	if len(entries) > 0 && w.LastHash != prev {
		return errutil.Conflict("wallet head does not match ledger", nil)
	}

	return nil
}

func (s *Service) ListWalletIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Wallet{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
