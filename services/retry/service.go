package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/db/option"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/payment"
	"freight-controlplane/pkg/repository"
	"freight-controlplane/services/contract"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorMessage = 500

// Service records failed provider calls per contract and schedules their
// retries. It also owns the provider payment sessions so that a retried
// cycle reuses the intent created by an earlier attempt.
type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	provider   payment.Provider
	contracts  *contract.Service
	policy     Policy
	sessionTTL time.Duration

	intent  repository.Repository[ProviderPaymentIntent]
	failure repository.Repository[ContractPaymentFailure]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Provider  payment.Provider
	Contracts *contract.Service
	Config    *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	policy := DefaultPolicy()
	ttl := 30 * time.Minute
	if p.Config != nil {
		if p.Config.Retry.MaxAttempts > 0 {
			policy.MaxAttempts = p.Config.Retry.MaxAttempts
		}
		if p.Config.Retry.BaseDelay > 0 {
			policy.BaseDelay = p.Config.Retry.BaseDelay
		}
		if p.Config.Retry.MaxDelay > 0 {
			policy.MaxDelay = p.Config.Retry.MaxDelay
		}
		if p.Config.Payment.SessionTTL > 0 {
			ttl = p.Config.Payment.SessionTTL
		}
	}

	return &Service{
		db:         p.DB,
		node:       p.Node,
		provider:   p.Provider,
		contracts:  p.Contracts,
		policy:     policy,
		sessionTTL: ttl,

		intent:  repository.ProvideStore[ProviderPaymentIntent](p.DB),
		failure: repository.ProvideStore[ContractPaymentFailure](p.DB),
	}
}

func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.contracts = s.contracts.WithTrx(tx)
	cp.intent = s.intent.WithTrx(tx)
	cp.failure = s.failure.WithTrx(tx)
	return &cp
}

func (s *Service) Policy() Policy { return s.policy }

// RecordFailure registers a failed attempt for the contract. Reaching
// MaxAttempts makes the failure terminal: an active contract is paused, a
// pending one cancelled, and nothing further is scheduled.
func (s *Service) RecordFailure(ctx context.Context, tx *gorm.DB, contractID string, cause error) (*ContractPaymentFailure, error) {
	db := s.db
	if tx != nil {
		db = tx
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}

	var out *ContractPaymentFailure
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
		if err != nil {
			return err
		}

		repo := s.failure.WithTrx(tx)
		f, err := repo.FindOne(ctx, &ContractPaymentFailure{ContractID: contractID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		isNew := f == nil
		if isNew {
			f = &ContractPaymentFailure{
				ID:         s.node.Generate().String(),
				ContractID: contractID,
				CreatedAt:  now,
			}
		} else if f.Status == FailureTerminal && c.Status != contract.StatusPending && c.Status != contract.StatusActive {
			out = f
			return nil
		} else if f.Status == FailureResolved || f.Status == FailureTerminal {
			// A terminal failure on a contract that was resumed starts a
			// fresh schedule.
			f.RetryAttempt = 0
			f.IsRetried = false
		}

		f.RetryAttempt++
		f.ErrorMessage = msg
		f.UpdatedAt = now

		terminal := f.RetryAttempt >= s.policy.MaxAttempts
		if terminal {
			f.Status = FailureTerminal
			f.ScheduledRetryAt = nil
		} else {
			at := now.Add(s.policy.Backoff(f.RetryAttempt))
			f.Status = FailureScheduled
			f.ScheduledRetryAt = &at
		}

		if isNew {
			err = repo.Create(ctx, f)
		} else {
			err = tx.WithContext(ctx).Save(f).Error
		}
		if err != nil {
			return err
		}

		fields := map[string]any{"retry_count": f.RetryAttempt, "last_attempted_at": now}
		if terminal && (c.Status == contract.StatusActive || c.Status == contract.StatusPending) {
			to := contract.StatusPaused
			if c.Status == contract.StatusPending {
				to = contract.StatusCancelled
			}
			err = s.contracts.Transition(ctx, tx, c, to, actor.System, contract.TransitionOptions{
				Reason:  fmt.Sprintf("payment failed after %d attempts", f.RetryAttempt),
				Updates: fields,
			})
		} else {
			err = s.contracts.Update(ctx, tx, c, fields)
		}
		if err != nil {
			return err
		}

		out = f
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to record payment failure",
			zap.String("contract_id", contractID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return nil, err
	}

	fields := []zap.Field{
		zap.String("contract_id", contractID),
		zap.Int("attempt", out.RetryAttempt),
		zap.String("status", string(out.Status)),
		zap.String("error", msg),
	}
	if out.ScheduledRetryAt != nil {
		fields = append(fields, zap.Time("scheduled_retry_at", *out.ScheduledRetryAt))
	}
	logger.FromContext(ctx).Warn("contract payment failure recorded", fields...)
	return out, nil
}

// RecordSuccess resolves the open or terminal failure of c and resets its
// retry counter.
// It joins tx when given.
func (s *Service) RecordSuccess(ctx context.Context, tx *gorm.DB, c *contract.Contract) error {
	if tx == nil {
		tx = s.db
	}

	now := time.Now().UTC()
	if err := tx.WithContext(ctx).Model(&ContractPaymentFailure{}).
		Where("contract_id = ? AND status IN ?", c.ID, []FailureStatus{FailureScheduled, FailureRetrying, FailureTerminal}).
		Updates(map[string]any{
			"status":             FailureResolved,
			"scheduled_retry_at": nil,
			"updated_at":         now,
		}).Error; err != nil {
		return err
	}

	if c.RetryCount == 0 {
		return nil
	}
	return s.contracts.Update(ctx, tx, c, map[string]any{"retry_count": 0})
}

// RetryDueContracts lists failures due at now whose contract can still be
// driven.
func (s *Service) RetryDueContracts(ctx context.Context, now time.Time, limit int) ([]*ContractPaymentFailure, error) {
	var out []*ContractPaymentFailure
	err := s.db.WithContext(ctx).
		Model(&ContractPaymentFailure{}).
		Select("contract_payment_failures.*").
		Joins("JOIN contracts ON contracts.id = contract_payment_failures.contract_id").
		Where("contract_payment_failures.status = ?", FailureScheduled).
		Where("contract_payment_failures.scheduled_retry_at <= ?", now.UTC()).
		Where("contracts.status IN ?", []contract.Status{contract.StatusPending, contract.StatusActive}).
		Order("contract_payment_failures.scheduled_retry_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkRetrying claims a scheduled failure. Only one worker wins the claim.
func (s *Service) MarkRetrying(ctx context.Context, failureID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&ContractPaymentFailure{}).
		Where("id = ? AND status = ?", failureID, FailureScheduled).
		Updates(map[string]any{
			"status":     FailureRetrying,
			"is_retried": true,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

// Reschedule puts a claimed failure back on the schedule without counting an
// attempt, for retries that ended before reaching the provider.
func (s *Service) Reschedule(ctx context.Context, failureID string) error {
	at := time.Now().UTC().Add(s.policy.BaseDelay)
	return s.db.WithContext(ctx).Model(&ContractPaymentFailure{}).
		Where("id = ? AND status = ?", failureID, FailureRetrying).
		Updates(map[string]any{
			"status":             FailureScheduled,
			"scheduled_retry_at": at,
			"updated_at":         time.Now().UTC(),
		}).Error
}

func (s *Service) GetFailure(ctx context.Context, contractID string) (*ContractPaymentFailure, error) {
	f, err := s.failure.FindOne(ctx, &ContractPaymentFailure{ContractID: contractID})
	if err != nil {
		return nil, errutil.Internal("failed to load payment failure", err)
	}
	if f == nil {
		return nil, errutil.NotFound("payment failure not found", nil)
	}
	return f, nil
}

// GetOrCreatePaymentSession returns the usable intent stored under the
// idempotency key, or asks the provider for a new one. It must not run
// inside a DB transaction: the provider call is remote.
func (s *Service) GetOrCreatePaymentSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if req.IdempotencyKey == "" {
		return nil, errutil.ValidationFailed("idempotency key is required", nil)
	}
	if req.Amount <= 0 {
		return nil, errutil.ValidationFailed("amount must be greater than zero", nil)
	}

	now := time.Now().UTC()
	existing, err := s.intent.FindOne(ctx, &ProviderPaymentIntent{IdempotencyKey: req.IdempotencyKey})
	if err != nil {
		return nil, errutil.Internal("failed to load payment session", err)
	}
	if existing != nil {
		if existing.Usable(now) {
			return &Session{Intent: existing, IsReused: true}, nil
		}
		if existing.Status == payment.IntentRequiresPayment || existing.Status == payment.IntentProcessing {
			if err := s.setIntentStatus(ctx, s.db, existing, IntentExpired, "session expired"); err != nil {
				return nil, err
			}
		}
	}

	// A replaced session needs its own provider key, otherwise the provider
	// replays the dead intent.
	providerKey := req.IdempotencyKey
	attempt := 1
	if existing != nil {
		attempt = existing.AttemptCount + 1
		providerKey = fmt.Sprintf("%s#%d", req.IdempotencyKey, attempt)
	}

	metadata := map[string]string{"contract_id": req.ContractID, "idempotency_key": req.IdempotencyKey}
	if req.JobID != nil {
		metadata["job_id"] = *req.JobID
	}

	in, err := s.provider.CreatePaymentIntent(ctx, payment.IntentRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: providerKey,
		Description:    req.Description,
		Metadata:       metadata,
		ExpiresIn:      s.sessionTTL,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("payment intent creation failed",
			zap.String("contract_id", req.ContractID),
			zap.String("idempotency_key", providerKey),
			zap.Bool("retryable", payment.IsRetryable(err)),
			zap.Error(err),
		)
		s.recordFailedAttempt(ctx, req, existing, attempt, providerKey, err)
		return nil, payment.Classify(err)
	}

	expires := in.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(s.sessionTTL)
	}

	if existing != nil {
		updates := map[string]any{
			"external_intent_id": in.ID,
			"status":             in.Status,
			"attempt_count":      attempt,
			"failure_reason":     nil,
			"amount":             req.Amount,
			"expires_at":         expires,
			"updated_at":         time.Now().UTC(),
		}
		if err := s.db.WithContext(ctx).Model(&ProviderPaymentIntent{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return nil, errutil.Internal("failed to store payment session", err)
		}
		fresh, err := s.intent.FindOne(ctx, &ProviderPaymentIntent{ID: existing.ID})
		if err != nil || fresh == nil {
			return nil, errutil.Internal("failed to reload payment session", err)
		}
		return &Session{Intent: fresh}, nil
	}

	row := &ProviderPaymentIntent{
		ID:               s.node.Generate().String(),
		ContractID:       req.ContractID,
		JobID:            req.JobID,
		ExternalIntentID: in.ID,
		IdempotencyKey:   req.IdempotencyKey,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Status:           in.Status,
		AttemptCount:     attempt,
		ExpiresAt:        expires,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.intent.Create(ctx, row); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			winner, ferr := s.intent.FindOne(ctx, &ProviderPaymentIntent{IdempotencyKey: req.IdempotencyKey})
			if ferr == nil && winner != nil {
				return &Session{Intent: winner, IsReused: true}, nil
			}
		}
		return nil, errutil.Internal("failed to store payment session", err)
	}

	logger.FromContext(ctx).Info("payment session created",
		zap.String("contract_id", req.ContractID),
		zap.String("intent_id", in.ID),
		zap.String("status", string(in.Status)),
	)
	return &Session{Intent: row}, nil
}

// recordFailedAttempt stores a provider rejection on the cycle's intent row
// so later sessions continue the attempt count. The first attempt of a cycle
// gets a placeholder row keyed by its provider idempotency key.
func (s *Service) recordFailedAttempt(ctx context.Context, req SessionRequest, existing *ProviderPaymentIntent, attempt int, providerKey string, cause error) {
	reason := cause.Error()
	now := time.Now().UTC()
	log := logger.FromContext(ctx).With(zap.String("contract_id", req.ContractID), zap.String("idempotency_key", req.IdempotencyKey))

	if existing != nil {
		if err := s.db.WithContext(ctx).Model(&ProviderPaymentIntent{}).Where("id = ?", existing.ID).
			Updates(map[string]any{
				"status":         payment.IntentFailed,
				"attempt_count":  attempt,
				"failure_reason": reason,
				"updated_at":     now,
			}).Error; err != nil {
			log.Warn("failed to store payment attempt failure", zap.Error(err))
		}
		return
	}

	row := &ProviderPaymentIntent{
		ID:               s.node.Generate().String(),
		ContractID:       req.ContractID,
		JobID:            req.JobID,
		ExternalIntentID: unsentIntentPrefix + providerKey,
		IdempotencyKey:   req.IdempotencyKey,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Status:           payment.IntentFailed,
		FailureReason:    &reason,
		AttemptCount:     attempt,
		ExpiresAt:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.intent.Create(ctx, row); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		log.Warn("failed to store payment attempt failure", zap.Error(err))
	}
}

func (s *Service) FindIntent(ctx context.Context, externalID string) (*ProviderPaymentIntent, error) {
	in, err := s.intent.FindOne(ctx, &ProviderPaymentIntent{ExternalIntentID: externalID})
	if err != nil {
		return nil, errutil.Internal("failed to load payment intent", err)
	}
	if in == nil {
		return nil, errutil.NotFound("payment intent not found", nil)
	}
	return in, nil
}

// FindIntentByKey returns the session stored under a cycle's idempotency
// key, or nil when none was ever created.
func (s *Service) FindIntentByKey(ctx context.Context, key string) (*ProviderPaymentIntent, error) {
	in, err := s.intent.FindOne(ctx, &ProviderPaymentIntent{IdempotencyKey: key})
	if err != nil {
		return nil, errutil.Internal("failed to load payment intent", err)
	}
	return in, nil
}

// MarkIntentStatus applies a provider-reported status. It reports false when
// the stored status already matches or is final, so webhook redeliveries
// are no-ops.
func (s *Service) MarkIntentStatus(ctx context.Context, tx *gorm.DB, externalID string, status payment.IntentStatus, reason string) (*ProviderPaymentIntent, bool, error) {
	if tx == nil {
		tx = s.db
	}
	in, err := s.intent.WithTrx(tx).FindOne(ctx, &ProviderPaymentIntent{ExternalIntentID: externalID}, option.WithLockingUpdate())
	if err != nil {
		return nil, false, err
	}
	if in == nil {
		return nil, false, errutil.NotFound("payment intent not found", nil)
	}
	if in.Status == status || in.Status == payment.IntentSucceeded {
		return in, false, nil
	}
	if err := s.setIntentStatus(ctx, tx, in, status, reason); err != nil {
		return nil, false, err
	}
	return in, true, nil
}

func (s *Service) setIntentStatus(ctx context.Context, tx *gorm.DB, in *ProviderPaymentIntent, status payment.IntentStatus, reason string) error {
	now := time.Now().UTC()
	updates := map[string]any{"status": status, "updated_at": now}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	if err := tx.WithContext(ctx).Model(&ProviderPaymentIntent{}).Where("id = ?", in.ID).Updates(updates).Error; err != nil {
		return err
	}
	in.Status = status
	in.UpdatedAt = now
	if reason != "" {
		in.FailureReason = &reason
	}
	return nil
}
