package wallet

import (
	"context"
	"errors"
	"time"

	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/logger"
	"freight-controlplane/pkg/task"
	"freight-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewChainVerifyTask() *asynq.Task {
	return asynq.NewTask(taskname.WalletChainVerify, nil)
}

// ChainVerifyHandler audits every wallet: hash chain and balance replay.
// Findings are logged; the task itself never fails.
type ChainVerifyHandler struct {
	svc *Service
}

func NewChainVerifyHandler(svc *Service) *ChainVerifyHandler {
	return &ChainVerifyHandler{svc: svc}
}

func (h *ChainVerifyHandler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	log := logger.FromContext(ctx)

	ids, err := h.svc.ListWalletIDs(ctx)
	if err != nil {
		return err
	}

	broken := 0
	for _, id := range ids {
		if err := h.svc.VerifyChain(ctx, id); err != nil {
			broken++
			log.Error("wallet chain verification failed", zap.String("wallet_id", id), zap.Error(err))
			continue
		}

		replay, err := h.svc.Replay(ctx, id)
		if err != nil {
			log.Error("wallet replay failed", zap.String("wallet_id", id), zap.Error(err))
			continue
		}
		if !replay.Consistent() {
			broken++
			log.Error("wallet balance diverges from ledger",
				zap.String("wallet_id", id),
				zap.Int64("available", replay.Available),
				zap.Int64("stored_available", replay.StoredAvailable),
				zap.Int64("on_hold", replay.OnHold),
				zap.Int64("stored_on_hold", replay.StoredOnHold),
			)
		}
	}

	log.Info("wallet audit finished", zap.Int("wallets", len(ids)), zap.Int("broken", broken))
	return nil
}

// auditTaskID buckets audits per day so every worker's cron maps onto
// one queued task.
func auditTaskID(now time.Time) string {
	return taskname.WalletChainVerify + ":" + now.UTC().Format("2006-01-02")
}

// EnqueueAudit queues a chain verification for the day of now. A task
// already queued for that day is not an error.
func EnqueueAudit(ctx context.Context, enq task.Enqueuer, now time.Time) (bool, error) {
	_, err := enq.Enqueue(ctx, NewChainVerifyTask(),
		asynq.Queue(task.QueueLow),
		asynq.TaskID(auditTaskID(now)),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RegisterAuditSchedule enqueues the wallet audit on WALLET.AUDIT_SPEC.
func RegisterAuditSchedule(lc fx.Lifecycle, cfg *config.Config, enq task.Enqueuer) error {
	spec := cfg.Wallet.AuditSpec
	if spec == "" {
		return nil
	}

	cronLog := cron.PrintfLogger(zap.NewStdLog(zap.L().Named("cron")))
	c := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := EnqueueAudit(ctx, enq, time.Now()); err != nil {
			zap.L().Error("failed to enqueue wallet audit", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}
