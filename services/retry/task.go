package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/task"
	"freight-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Driver re-drives a contract's money movement. Implementations capture
// failures through the retry Service instead of returning them.
type Driver interface {
	RetryContract(ctx context.Context, contractID string) error
	RunBillingCycle(ctx context.Context, contractID string) error
}

type PaymentRetryPayload struct {
	ContractID string `json:"contract_id"`
	FailureID  string `json:"failure_id"`
	Attempt    int    `json:"attempt"`
}

func NewPaymentRetryTask(f *ContractPaymentFailure) (*asynq.Task, error) {
	payload, err := json.Marshal(PaymentRetryPayload{
		ContractID: f.ContractID,
		FailureID:  f.ID,
		Attempt:    f.RetryAttempt,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.ContractPaymentRetry, payload,
		asynq.Queue(task.QueueCritical),
		asynq.TaskID(fmt.Sprintf("payment-retry:%s:%d", f.ID, f.RetryAttempt)),
		asynq.MaxRetry(0),
	), nil
}

type BillingRunPayload struct {
	ContractID string    `json:"contract_id"`
	DueAt      time.Time `json:"due_at"`
}

func NewBillingRunTask(contractID string, dueAt time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(BillingRunPayload{ContractID: contractID, DueAt: dueAt.UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.ContractBillingRun, payload,
		asynq.Queue(task.QueueDefault),
		asynq.TaskID(fmt.Sprintf("billing:%s:%d", contractID, dueAt.Unix())),
		asynq.MaxRetry(0),
	), nil
}

type PaymentRetryHandler struct {
	svc    *Service
	driver Driver
}

func NewPaymentRetryHandler(svc *Service, driver Driver) *PaymentRetryHandler {
	return &PaymentRetryHandler{svc: svc, driver: driver}
}

func (h *PaymentRetryHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p PaymentRetryPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode payment retry payload: %v: %w", err, asynq.SkipRetry)
	}
	log := logger.FromContext(ctx).With(zap.String("contract_id", p.ContractID), zap.Int("attempt", p.Attempt))

	claimed, err := h.svc.MarkRetrying(ctx, p.FailureID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("payment retry already claimed")
		return nil
	}

	if err := h.driver.RetryContract(ctx, p.ContractID); err != nil {
		log.Warn("payment retry did not complete", zap.Error(err))
	}

	// No-op unless the driver returned before recording an outcome.
	if err := h.svc.Reschedule(ctx, p.FailureID); err != nil {
		log.Error("failed to reschedule payment retry", zap.Error(err))
	}
	return nil
}

type BillingRunHandler struct {
	driver Driver
}

func NewBillingRunHandler(driver Driver) *BillingRunHandler {
	return &BillingRunHandler{driver: driver}
}

func (h *BillingRunHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p BillingRunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode billing payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := h.driver.RunBillingCycle(ctx, p.ContractID); err != nil {
		logger.FromContext(ctx).Warn("billing cycle did not complete",
			zap.String("contract_id", p.ContractID),
			zap.Time("due_at", p.DueAt),
			zap.Error(err),
		)
	}
	return nil
}
