package retry

import (
	"context"
	"errors"
	"time"

	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/lock"
	"freight-controlplane/pkg/rediskey"
	"freight-controlplane/pkg/task"
	"freight-controlplane/services/contract"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const sweepBatch = 100

// Sweeper turns due payment failures and billing cycles into asynq tasks.
// Only the instance holding the redis lock sweeps; workers do the rest.
type Sweeper struct {
	svc       *Service
	contracts *contract.Service
	enqueuer  task.Enqueuer
	locker    lock.Locker
	spec      string
	lockTTL   time.Duration
	now       func() time.Time
}

type SweeperParams struct {
	fx.In
	Service   *Service
	Contracts *contract.Service
	Enqueuer  task.Enqueuer
	Locker    lock.Locker
	Config    *config.Config `optional:"true"`
}

func NewSweeper(p SweeperParams) *Sweeper {
	s := &Sweeper{
		svc:       p.Service,
		contracts: p.Contracts,
		enqueuer:  p.Enqueuer,
		locker:    p.Locker,
		spec:      "@every 1m",
		lockTTL:   50 * time.Second,
		now:       time.Now,
	}
	if p.Config != nil {
		if p.Config.Retry.SweepSpec != "" {
			s.spec = p.Config.Retry.SweepSpec
		}
		if p.Config.Retry.LockTTL > 0 {
			s.lockTTL = p.Config.Retry.LockTTL
		}
	}
	return s
}

type SweepResult struct {
	Retries  int
	Billings int
}

// Sweep enqueues one task per due failure and per due billing cycle. It
// returns lock.ErrNotAcquired when another instance is sweeping.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	out := &SweepResult{}
	err := lock.WithLock(ctx, s.locker, rediskey.BuildRetrySweepLockKey("payments"), s.lockTTL, func(ctx context.Context) error {
		now := s.now().UTC()

		due, err := s.svc.RetryDueContracts(ctx, now, sweepBatch)
		if err != nil {
			return err
		}
		for _, f := range due {
			t, err := NewPaymentRetryTask(f)
			if err != nil {
				return err
			}
			if s.enqueue(ctx, t, f.ContractID) {
				out.Retries++
			}
		}

		billing, err := s.contracts.ListDueForBilling(ctx, now, sweepBatch)
		if err != nil {
			return err
		}
		for _, c := range billing {
			t, err := NewBillingRunTask(c.ID, *c.NextBillingDate)
			if err != nil {
				return err
			}
			if s.enqueue(ctx, t, c.ID) {
				out.Billings++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sweeper) enqueue(ctx context.Context, t *asynq.Task, contractID string) bool {
	if _, err := s.enqueuer.Enqueue(ctx, t); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return false
		}
		zap.L().Error("failed to enqueue contract task",
			zap.String("task_type", t.Type()),
			zap.String("contract_id", contractID),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL)
	defer cancel()

	res, err := s.Sweep(ctx)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		zap.L().Debug("retry sweep skipped, lock held elsewhere")
	case err != nil:
		zap.L().Error("retry sweep failed", zap.Error(err))
	case res.Retries > 0 || res.Billings > 0:
		zap.L().Info("retry sweep enqueued tasks", zap.Int("retries", res.Retries), zap.Int("billings", res.Billings))
	}
}

// RegisterSweeper schedules the sweep on the worker's cron.
func RegisterSweeper(lc fx.Lifecycle, s *Sweeper) error {
	cronLog := cron.PrintfLogger(zap.NewStdLog(zap.L().Named("cron")))
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(s.spec, s.run); err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.Start()
			zap.L().Info("[Cron] retry sweeper started", zap.String("spec", s.spec))
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
