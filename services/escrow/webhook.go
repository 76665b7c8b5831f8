package escrow

import (
	"context"
	"fmt"

	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/payment"
	"freight-controlplane/services/contract"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// HandleWebhook applies a verified provider event. Each event id is
// processed at most once; redeliveries of a processed event are no-ops.
func (s *Service) HandleWebhook(ctx context.Context, ev payment.Event) error {
	if ev.ID == "" || ev.Data.ID == "" {
		return errutil.BadRequest("event id and intent id are required", nil)
	}
	log := logger.FromContext(ctx).With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("intent_id", ev.Data.ID),
	)

	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&WebhookEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		ReceivedAt: now,
	}).Error; err != nil {
		return errutil.Internal("failed to record webhook event", err)
	}
	stored, err := s.webhook.FindOne(ctx, &WebhookEvent{ID: ev.ID})
	if err != nil {
		return errutil.Internal("failed to load webhook event", err)
	}
	if stored != nil && stored.ProcessedAt != nil {
		log.Debug("webhook event already processed")
		return nil
	}

	var perr error
	switch ev.Type {
	case payment.EventIntentSucceeded:
		perr = s.onIntentSucceeded(ctx, ev)
	case payment.EventIntentFailed:
		perr = s.onIntentFailed(ctx, ev)
	default:
		log.Debug("ignoring webhook event type")
	}

	updates := map[string]any{"processed_at": s.now().UTC(), "error": nil}
	if perr != nil {
		msg := perr.Error()
		updates = map[string]any{"error": msg}
		log.Warn("webhook event failed", zap.Error(perr))
	}
	if err := s.webhook.Update(ctx, ev.ID, updates); err != nil {
		log.Error("failed to mark webhook event", zap.Error(err))
	}
	return perr
}

func (s *Service) onIntentSucceeded(ctx context.Context, ev payment.Event) error {
	in, _, err := s.retries.MarkIntentStatus(ctx, nil, ev.Data.ID, payment.IntentSucceeded, "")
	if err != nil {
		return err
	}
	c, err := s.contracts.Get(ctx, in.ContractID)
	if err != nil {
		return err
	}
	if in.IdempotencyKey != c.CycleKey() {
		logger.FromContext(ctx).Info("payment confirmed for a past cycle",
			zap.String("contract_id", c.ID),
			zap.String("idempotency_key", in.IdempotencyKey),
		)
		return nil
	}
	if c.Status != contract.StatusPending || c.HoldTransactionID == nil {
		return nil
	}
	_, err = s.activate(ctx, actor.System, c.ID)
	return err
}

func (s *Service) onIntentFailed(ctx context.Context, ev payment.Event) error {
	reason := ev.Data.FailureReason
	if reason == "" {
		reason = "payment failed"
	}
	in, changed, err := s.retries.MarkIntentStatus(ctx, nil, ev.Data.ID, payment.IntentFailed, reason)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	c, err := s.contracts.Get(ctx, in.ContractID)
	if err != nil {
		return err
	}
	if in.IdempotencyKey != c.CycleKey() {
		return nil
	}
	if c.Status != contract.StatusPending && c.Status != contract.StatusActive {
		return nil
	}

	if err := s.releaseHold(ctx, c.ID); err != nil {
		return err
	}
	cause := errutil.ProviderTransient(fmt.Sprintf("payment intent %s failed: %s", in.ExternalIntentID, reason), nil)
	_, err = s.retries.RecordFailure(ctx, nil, c.ID, cause)
	return err
}
