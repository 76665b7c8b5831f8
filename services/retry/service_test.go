package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/lock"
	"freight-controlplane/pkg/payment"
	"freight-controlplane/pkg/payment/mock"
	"freight-controlplane/services/contract"
	"freight-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	db        *gorm.DB
	svc       *Service
	contracts *contract.Service
	provider  *mock.MockProvider
}

func setup(t *testing.T) *fixture {
	t.Helper()
	models := append(contract.Models(), Models()...)
	db := testutil.NewTestDB(t, models...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = time.Minute
	cfg.Retry.MaxDelay = time.Hour
	cfg.Payment.SessionTTL = 10 * time.Minute

	provider := mock.NewMockProvider(gomock.NewController(t))
	contracts := contract.NewService(contract.ServiceParams{DB: db, Node: node})
	svc := NewService(ServiceParams{DB: db, Node: node, Provider: provider, Contracts: contracts, Config: cfg})

	return &fixture{db: db, svc: svc, contracts: contracts, provider: provider}
}

func (f *fixture) newContract(t *testing.T, status contract.Status) *contract.Contract {
	t.Helper()
	ctx := context.Background()
	c, err := f.contracts.Create(ctx, actor.User("shipper"), contract.CreateParams{HiredUserID: "carrier", Amount: 1000})
	require.NoError(t, err)
	if status == contract.StatusActive {
		require.NoError(t, f.contracts.Transition(ctx, nil, c, contract.StatusActive, actor.System, contract.TransitionOptions{}))
	}
	return c
}

func TestBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Minute, MaxDelay: 10 * time.Minute}

	require.Equal(t, time.Minute, p.Backoff(0))
	require.Equal(t, time.Minute, p.Backoff(1))
	require.Equal(t, 2*time.Minute, p.Backoff(2))
	require.Equal(t, 8*time.Minute, p.Backoff(4))
	require.Equal(t, 10*time.Minute, p.Backoff(5))
	require.Equal(t, 10*time.Minute, p.Backoff(64))
}

func TestRecordFailureSchedulesWithBackoff(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.newContract(t, contract.StatusPending)

	before := time.Now().UTC()
	first, err := f.svc.RecordFailure(ctx, nil, c.ID, errors.New("gateway timeout"))
	require.NoError(t, err)
	require.Equal(t, FailureScheduled, first.Status)
	require.Equal(t, 1, first.RetryAttempt)
	require.NotNil(t, first.ScheduledRetryAt)
	require.WithinDuration(t, before.Add(time.Minute), *first.ScheduledRetryAt, 5*time.Second)

	second, err := f.svc.RecordFailure(ctx, nil, c.ID, errors.New("gateway timeout"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.RetryAttempt)
	require.WithinDuration(t, before.Add(2*time.Minute), *second.ScheduledRetryAt, 5*time.Second)

	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.LastAttemptedAt)
	require.Equal(t, contract.StatusPending, got.Status)
}

func TestRecordFailureTerminal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	pending := f.newContract(t, contract.StatusPending)
	active := f.newContract(t, contract.StatusActive)

	for i := 0; i < 3; i++ {
		_, err := f.svc.RecordFailure(ctx, nil, pending.ID, errors.New("declined"))
		require.NoError(t, err)
		_, err = f.svc.RecordFailure(ctx, nil, active.ID, errors.New("declined"))
		require.NoError(t, err)
	}

	failure, err := f.svc.GetFailure(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, FailureTerminal, failure.Status)
	require.Nil(t, failure.ScheduledRetryAt)

	got, err := f.contracts.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)

	got, err = f.contracts.Get(ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusPaused, got.Status)
	require.Equal(t, 3, got.RetryCount)

	// Nothing is scheduled past the terminal attempt.
	again, err := f.svc.RecordFailure(ctx, nil, active.ID, errors.New("declined"))
	require.NoError(t, err)
	require.Equal(t, 3, again.RetryAttempt)
}

func TestRecordSuccessResolves(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.newContract(t, contract.StatusPending)

	_, err := f.svc.RecordFailure(ctx, nil, c.ID, errors.New("timeout"))
	require.NoError(t, err)

	c, err = f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.RecordSuccess(ctx, nil, c))
	require.Equal(t, 0, c.RetryCount)

	failure, err := f.svc.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, FailureResolved, failure.Status)

	// A new streak starts from one.
	next, err := f.svc.RecordFailure(ctx, nil, c.ID, errors.New("timeout"))
	require.NoError(t, err)
	require.Equal(t, 1, next.RetryAttempt)
}

func TestRetryDueContracts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	due := f.newContract(t, contract.StatusPending)
	later := f.newContract(t, contract.StatusActive)
	cancelled := f.newContract(t, contract.StatusPending)

	for _, c := range []*contract.Contract{due, later, cancelled} {
		_, err := f.svc.RecordFailure(ctx, nil, c.ID, errors.New("timeout"))
		require.NoError(t, err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.db.Model(&ContractPaymentFailure{}).
		Where("contract_id IN ?", []string{due.ID, cancelled.ID}).
		Update("scheduled_retry_at", past).Error)
	require.NoError(t, f.db.Model(&contract.Contract{}).
		Where("id = ?", cancelled.ID).
		Update("status", contract.StatusCancelled).Error)

	list, err := f.svc.RetryDueContracts(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, due.ID, list[0].ContractID)

	failureID := list[0].ID
	claimed, err := f.svc.MarkRetrying(ctx, failureID)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = f.svc.MarkRetrying(ctx, failureID)
	require.NoError(t, err)
	require.False(t, claimed)

	list, err = f.svc.RetryDueContracts(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, f.svc.Reschedule(ctx, failureID))
	failure, err := f.svc.GetFailure(ctx, due.ID)
	require.NoError(t, err)
	require.Equal(t, FailureScheduled, failure.Status)
	require.True(t, failure.IsRetried)
}

func TestRecordFailureAfterResumeStartsOver(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.newContract(t, contract.StatusActive)

	for i := 0; i < 3; i++ {
		_, err := f.svc.RecordFailure(ctx, nil, c.ID, errors.New("declined"))
		require.NoError(t, err)
	}
	paused, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusPaused, paused.Status)

	// Still terminal while paused.
	same, err := f.svc.RecordFailure(ctx, nil, c.ID, errors.New("declined again"))
	require.NoError(t, err)
	require.Equal(t, FailureTerminal, same.Status)
	require.Equal(t, 3, same.RetryAttempt)

	_, err = f.contracts.Resume(ctx, actor.User("shipper"), c.ID)
	require.NoError(t, err)

	next, err := f.svc.RecordFailure(ctx, nil, c.ID, errors.New("timeout after resume"))
	require.NoError(t, err)
	require.Equal(t, FailureScheduled, next.Status)
	require.Equal(t, 1, next.RetryAttempt)
	require.Equal(t, "timeout after resume", next.ErrorMessage)
	require.NotNil(t, next.ScheduledRetryAt)

	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, got.Status)
	require.Equal(t, 1, got.RetryCount)

	due, err := f.svc.RetryDueContracts(ctx, next.ScheduledRetryAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestRecordSuccessResolvesTerminalFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.newContract(t, contract.StatusActive)

	for i := 0; i < 3; i++ {
		_, err := f.svc.RecordFailure(ctx, nil, c.ID, errors.New("declined"))
		require.NoError(t, err)
	}
	paused, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.RecordSuccess(ctx, nil, paused))
	failure, err := f.svc.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, FailureResolved, failure.Status)
}

func TestGetOrCreatePaymentSessionKeepsFailedAttempts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.newContract(t, contract.StatusPending)
	req := SessionRequest{ContractID: c.ID, Amount: 1000, Currency: "USD", IdempotencyKey: c.CycleKey()}

	f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		Return(nil, payment.Transient("timeout", "gateway timeout"))
	_, err := f.svc.GetOrCreatePaymentSession(ctx, req)
	require.True(t, errutil.IsProviderTransient(err))

	failed, err := f.svc.FindIntentByKey(ctx, c.CycleKey())
	require.NoError(t, err)
	require.NotNil(t, failed)
	require.Equal(t, payment.IntentFailed, failed.Status)
	require.Equal(t, 1, failed.AttemptCount)
	require.NotNil(t, failed.FailureReason)

	f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		Return(nil, payment.Transient("timeout", "gateway timeout"))
	_, err = f.svc.GetOrCreatePaymentSession(ctx, req)
	require.Error(t, err)

	var sent payment.IntentRequest
	f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in payment.IntentRequest) (*payment.Intent, error) {
			sent = in
			return &payment.Intent{ID: "pi_3", Status: payment.IntentSucceeded}, nil
		})
	session, err := f.svc.GetOrCreatePaymentSession(ctx, req)
	require.NoError(t, err)
	require.Equal(t, c.CycleKey()+"#3", sent.IdempotencyKey)
	require.Equal(t, failed.ID, session.Intent.ID)
	require.Equal(t, 3, session.Intent.AttemptCount)
	require.Equal(t, "pi_3", session.Intent.ExternalIntentID)
	require.Nil(t, session.Intent.FailureReason)
}

func TestGetOrCreatePaymentSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.newContract(t, contract.StatusPending)

	req := SessionRequest{ContractID: c.ID, Amount: 1000, Currency: "USD", IdempotencyKey: c.CycleKey()}

	f.provider.EXPECT().
		CreatePaymentIntent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in payment.IntentRequest) (*payment.Intent, error) {
			require.Equal(t, c.CycleKey(), in.IdempotencyKey)
			require.Equal(t, c.ID, in.Metadata["contract_id"])
			require.Equal(t, 10*time.Minute, in.ExpiresIn)
			return &payment.Intent{ID: "pi_1", Status: payment.IntentProcessing, ExpiresAt: time.Now().Add(10 * time.Minute)}, nil
		})

	first, err := f.svc.GetOrCreatePaymentSession(ctx, req)
	require.NoError(t, err)
	require.False(t, first.IsReused)
	require.Equal(t, "pi_1", first.Intent.ExternalIntentID)

	second, err := f.svc.GetOrCreatePaymentSession(ctx, req)
	require.NoError(t, err)
	require.True(t, second.IsReused)
	require.Equal(t, first.Intent.ID, second.Intent.ID)

	_, changed, err := f.svc.MarkIntentStatus(ctx, nil, "pi_1", payment.IntentFailed, "card declined")
	require.NoError(t, err)
	require.True(t, changed)

	_, changed, err = f.svc.MarkIntentStatus(ctx, nil, "pi_1", payment.IntentFailed, "card declined")
	require.NoError(t, err)
	require.False(t, changed)

	f.provider.EXPECT().
		CreatePaymentIntent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in payment.IntentRequest) (*payment.Intent, error) {
			require.Equal(t, c.CycleKey()+"#2", in.IdempotencyKey)
			return &payment.Intent{ID: "pi_2", Status: payment.IntentSucceeded}, nil
		})

	third, err := f.svc.GetOrCreatePaymentSession(ctx, req)
	require.NoError(t, err)
	require.False(t, third.IsReused)
	require.Equal(t, first.Intent.ID, third.Intent.ID)
	require.Equal(t, "pi_2", third.Intent.ExternalIntentID)
	require.Equal(t, 2, third.Intent.AttemptCount)
	require.Equal(t, payment.IntentSucceeded, third.Intent.Status)

	_, changed, err = f.svc.MarkIntentStatus(ctx, nil, "pi_2", payment.IntentFailed, "late failure")
	require.NoError(t, err)
	require.False(t, changed)
}

func TestGetOrCreatePaymentSessionProviderErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.newContract(t, contract.StatusPending)

	_, err := f.svc.GetOrCreatePaymentSession(ctx, SessionRequest{ContractID: c.ID, Amount: 1000})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		Return(nil, payment.Transient("rate_limited", "slow down"))
	_, err = f.svc.GetOrCreatePaymentSession(ctx, SessionRequest{ContractID: c.ID, Amount: 1000, IdempotencyKey: "k1"})
	require.True(t, errutil.IsProviderTransient(err))

	f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		Return(nil, payment.Terminal("card_declined", "declined"))
	_, err = f.svc.GetOrCreatePaymentSession(ctx, SessionRequest{ContractID: c.ID, Amount: 1000, IdempotencyKey: "k2"})
	require.Equal(t, errutil.StatusProviderTerminal, errutil.StatusOf(err))

	_, err = f.svc.FindIntent(ctx, "missing")
	require.True(t, errutil.IsNotFound(err))
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	seen  map[string]bool
	tasks []*asynq.Task
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := t.Type() + string(t.Payload())
	if e.seen[key] {
		return nil, asynq.ErrTaskIDConflict
	}
	e.seen[key] = true
	e.tasks = append(e.tasks, t)
	return &asynq.TaskInfo{}, nil
}

type fakeLocker struct {
	held bool
}

type fakeLock struct{ l *fakeLocker }

func (l *fakeLocker) Acquire(context.Context, string, time.Duration) (lock.Lock, error) {
	if l.held {
		return nil, lock.ErrNotAcquired
	}
	l.held = true
	return fakeLock{l: l}, nil
}

func (l fakeLock) Release(context.Context) error {
	l.l.held = false
	return nil
}

func TestSweeperEnqueuesDueWork(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	failing := f.newContract(t, contract.StatusPending)
	_, err := f.svc.RecordFailure(ctx, nil, failing.ID, errors.New("timeout"))
	require.NoError(t, err)

	recurring, err := f.contracts.Create(ctx, actor.User("shipper"), contract.CreateParams{
		HiredUserID: "carrier", Amount: 500, BillingCycle: contract.BillingWeekly,
	})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&contract.Contract{}).Where("id = ?", recurring.ID).
		Updates(map[string]any{"status": contract.StatusActive, "next_billing_date": time.Now().UTC().Add(-time.Hour)}).Error)

	enq := &fakeEnqueuer{seen: map[string]bool{}}
	locker := &fakeLocker{}
	sw := NewSweeper(SweeperParams{Service: f.svc, Contracts: f.contracts, Enqueuer: enq, Locker: locker})
	sw.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Retries)
	require.Equal(t, 1, res.Billings)
	require.False(t, locker.held)

	res, err = sw.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Retries)
	require.Zero(t, res.Billings)
	require.Len(t, enq.tasks, 2)

	locker.held = true
	_, err = sw.Sweep(ctx)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
}

type fakeDriver struct {
	retried []string
	billed  []string
	err     error
}

func (d *fakeDriver) RetryContract(_ context.Context, id string) error {
	d.retried = append(d.retried, id)
	return d.err
}

func (d *fakeDriver) RunBillingCycle(_ context.Context, id string) error {
	d.billed = append(d.billed, id)
	return d.err
}

func TestPaymentRetryHandler(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.newContract(t, contract.StatusPending)

	failure, err := f.svc.RecordFailure(ctx, nil, c.ID, errors.New("timeout"))
	require.NoError(t, err)

	driver := &fakeDriver{err: errutil.Conflict("contract changed concurrently", nil)}
	h := NewPaymentRetryHandler(f.svc, driver)

	tk, err := NewPaymentRetryTask(failure)
	require.NoError(t, err)

	require.NoError(t, h.ProcessTask(ctx, tk))
	require.Equal(t, []string{c.ID}, driver.retried)

	got, err := f.svc.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, FailureScheduled, got.Status)
	require.Equal(t, 1, got.RetryAttempt)

	require.NoError(t, f.db.Model(&ContractPaymentFailure{}).Where("id = ?", failure.ID).
		Update("status", FailureResolved).Error)
	require.NoError(t, h.ProcessTask(ctx, tk))
	require.Len(t, driver.retried, 1)

	err = h.ProcessTask(ctx, asynq.NewTask("contract:payment:retry", []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	billing := NewBillingRunHandler(driver)
	bt, err := NewBillingRunTask(c.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, billing.ProcessTask(ctx, bt))
	require.Equal(t, []string{c.ID}, driver.billed)
}
