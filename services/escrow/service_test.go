package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/payment"
	"freight-controlplane/pkg/payment/mock"
	"freight-controlplane/services/contract"
	"freight-controlplane/services/participant"
	"freight-controlplane/services/retry"
	"freight-controlplane/services/testutil"
	"freight-controlplane/services/wallet"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	db        *gorm.DB
	svc       *Service
	contracts *contract.Service
	wallets   *wallet.Service
	retries   *retry.Service
	provider  *mock.MockProvider
}

func setup(t *testing.T) *fixture {
	t.Helper()
	var models []any
	models = append(models, contract.Models()...)
	models = append(models, participant.Models()...)
	models = append(models, wallet.Models()...)
	models = append(models, retry.Models()...)
	models = append(models, Models()...)
	db := testutil.NewTestDB(t, models...)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = time.Minute
	cfg.Retry.MaxDelay = time.Hour
	cfg.Payment.SessionTTL = 10 * time.Minute
	cfg.Escrow.PlatformUserID = "platform"

	provider := mock.NewMockProvider(gomock.NewController(t))
	contracts := contract.NewService(contract.ServiceParams{DB: db, Node: node})
	wallets := wallet.NewService(wallet.ServiceParams{DB: db, Node: node})
	participants := participant.NewService(participant.ServiceParams{DB: db, Node: node, Contracts: contracts})
	retries := retry.NewService(retry.ServiceParams{DB: db, Node: node, Provider: provider, Contracts: contracts, Config: cfg})

	svc := NewService(ServiceParams{
		DB:           db,
		Node:         node,
		Provider:     provider,
		Fees:         PercentagePolicy{BPS: 1000},
		Contracts:    contracts,
		Wallets:      wallets,
		Participants: participants,
		Retries:      retries,
		Config:       cfg,
	})

	return &fixture{db: db, svc: svc, contracts: contracts, wallets: wallets, retries: retries, provider: provider}
}

func (f *fixture) topUp(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.wallets.Credit(context.Background(), userID, amount, "topup", wallet.Reference{ID: "topup-" + userID, Type: "topup"})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) (int64, int64) {
	t.Helper()
	w, err := f.wallets.GetWallet(context.Background(), userID)
	if errutil.IsNotFound(err) {
		return 0, 0
	}
	require.NoError(t, err)
	return w.AvailableBalance, w.OnHold
}

func (f *fixture) newContract(t *testing.T, amount int64, cycle contract.BillingCycle) *contract.Contract {
	t.Helper()
	c, err := f.contracts.Create(context.Background(), actor.User("shipper"), contract.CreateParams{
		HiredUserID:  "carrier",
		Amount:       amount,
		BillingCycle: cycle,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) expectIntent(status payment.IntentStatus) *gomock.Call {
	return f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
			return &payment.Intent{ID: "pi_" + req.IdempotencyKey, Status: status}, nil
		})
}

func (f *fixture) start(t *testing.T, c *contract.Contract) *contract.Contract {
	t.Helper()
	f.expectIntent(payment.IntentSucceeded)
	out, err := f.svc.StartContract(context.Background(), actor.User("shipper"), c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, out.Status)
	return out
}

func requireStatus(t *testing.T, err error, status errutil.CoreStatus) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, status, errutil.StatusOf(err), err.Error())
}

func TestStartContractHoldsAndActivates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	c := f.newContract(t, 4000, contract.BillingOnce)

	_, err := f.svc.StartContract(ctx, actor.User("carrier"), c.ID)
	requireStatus(t, err, errutil.StatusForbidden)

	out := f.start(t, c)
	require.NotNil(t, out.HoldTransactionID)
	require.NotNil(t, out.StartedAt)
	require.Nil(t, out.NextBillingDate)

	available, onHold := f.balance(t, "shipper")
	require.Equal(t, int64(6000), available)
	require.Equal(t, int64(4000), onHold)

	in, err := f.retries.FindIntentByKey(ctx, out.CycleKey())
	require.NoError(t, err)
	require.Equal(t, payment.IntentSucceeded, in.Status)

	_, err = f.svc.StartContract(ctx, actor.User("shipper"), c.ID)
	requireStatus(t, err, errutil.StatusConflict)
}

func TestStartContractBlockedByOpenInvites(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	c := f.newContract(t, 4000, contract.BillingOnce)

	_, err := f.svc.participants.AddDriver(ctx, c.ID, "driver-1", actor.User("shipper"))
	require.NoError(t, err)

	_, err = f.svc.StartContract(ctx, actor.User("shipper"), c.ID)
	requireStatus(t, err, errutil.StatusConflict)

	_, err = f.svc.participants.AcceptInvite(ctx, c.ID, "driver-1")
	require.NoError(t, err)

	f.start(t, c)
	rows, err := f.svc.participants.List(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, participant.StatusActive, rows[0].Status)
}

func TestStartContractInsufficientFunds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 100)
	c := f.newContract(t, 4000, contract.BillingOnce)

	_, err := f.svc.StartContract(ctx, actor.User("shipper"), c.ID)
	requireStatus(t, err, errutil.StatusInsufficientFunds)

	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusPending, got.Status)
	require.Nil(t, got.HoldTransactionID)
}

func TestStartContractTransientFailureReleasesHold(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	c := f.newContract(t, 4000, contract.BillingOnce)

	f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		Return(nil, payment.Transient("timeout", "gateway timeout"))

	_, err := f.svc.StartContract(ctx, actor.User("shipper"), c.ID)
	requireStatus(t, err, errutil.StatusProviderTransient)

	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusPending, got.Status)
	require.Nil(t, got.HoldTransactionID)
	require.Equal(t, 1, got.RetryCount)

	available, onHold := f.balance(t, "shipper")
	require.Equal(t, int64(10000), available)
	require.Zero(t, onHold)

	failure, err := f.retries.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, retry.FailureScheduled, failure.Status)

	// The sweeper retry succeeds and resolves the failure.
	f.expectIntent(payment.IntentSucceeded)
	require.NoError(t, f.svc.RetryContract(ctx, c.ID))

	got, err = f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, got.Status)
	require.Zero(t, got.RetryCount)

	failure, err = f.retries.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, retry.FailureResolved, failure.Status)
}

func TestStartContractRecoversOnThirdAttempt(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	c := f.newContract(t, 4000, contract.BillingOnce)

	f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		Return(nil, payment.Transient("timeout", "gateway timeout")).Times(2)

	_, err := f.svc.StartContract(ctx, actor.User("shipper"), c.ID)
	requireStatus(t, err, errutil.StatusProviderTransient)
	require.NoError(t, f.svc.RetryContract(ctx, c.ID))

	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusPending, got.Status)
	require.Equal(t, 2, got.RetryCount)

	f.expectIntent(payment.IntentSucceeded)
	require.NoError(t, f.svc.RetryContract(ctx, c.ID))

	got, err = f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, got.Status)
	require.Zero(t, got.RetryCount)
	require.NotNil(t, got.HoldTransactionID)

	failure, err := f.retries.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, retry.FailureResolved, failure.Status)

	in, err := f.retries.FindIntentByKey(ctx, c.CycleKey())
	require.NoError(t, err)
	require.Equal(t, payment.IntentSucceeded, in.Status)
	require.Equal(t, 3, in.AttemptCount)

	available, onHold := f.balance(t, "shipper")
	require.Equal(t, int64(6000), available)
	require.Equal(t, int64(4000), onHold)
}

func TestStartContractTerminalFailureCancels(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	c := f.newContract(t, 4000, contract.BillingOnce)

	f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		Return(nil, payment.Terminal("card_declined", "card declined"))

	_, err := f.svc.StartContract(ctx, actor.User("shipper"), c.ID)
	requireStatus(t, err, errutil.StatusProviderTerminal)

	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCancelled, got.Status)
	require.Nil(t, got.HoldTransactionID)

	available, onHold := f.balance(t, "shipper")
	require.Equal(t, int64(10000), available)
	require.Zero(t, onHold)
}

func TestRetryContractSwallowsProviderErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	c := f.newContract(t, 4000, contract.BillingOnce)

	f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		Return(nil, payment.Transient("timeout", "gateway timeout")).Times(3)

	_, err := f.svc.StartContract(ctx, actor.User("shipper"), c.ID)
	require.Error(t, err)
	require.NoError(t, f.svc.RetryContract(ctx, c.ID))
	require.NoError(t, f.svc.RetryContract(ctx, c.ID))

	// Third attempt reaches MaxAttempts: the pending contract is cancelled.
	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCancelled, got.Status)

	failure, err := f.retries.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, retry.FailureTerminal, failure.Status)

	err = f.svc.RetryContract(ctx, c.ID)
	requireStatus(t, err, errutil.StatusConflict)
}

func TestWebhookActivatesPendingContract(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	c := f.newContract(t, 4000, contract.BillingOnce)

	f.expectIntent(payment.IntentRequiresPayment)
	out, err := f.svc.StartContract(ctx, actor.User("shipper"), c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusPending, out.Status)
	require.NotNil(t, out.HoldTransactionID)

	ev := payment.Event{
		ID:   "evt_1",
		Type: payment.EventIntentSucceeded,
		Data: payment.EventData{ID: "pi_" + out.CycleKey(), Status: payment.IntentSucceeded},
	}
	require.NoError(t, f.svc.HandleWebhook(ctx, ev))
	require.NoError(t, f.svc.HandleWebhook(ctx, ev))

	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, got.Status)

	var stored WebhookEvent
	require.NoError(t, f.db.First(&stored, "id = ?", "evt_1").Error)
	require.NotNil(t, stored.ProcessedAt)
	require.Nil(t, stored.Error)

	var count int64
	require.NoError(t, f.db.Model(&WebhookEvent{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestWebhookFailureReleasesHold(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	c := f.newContract(t, 4000, contract.BillingOnce)

	f.expectIntent(payment.IntentProcessing)
	out, err := f.svc.StartContract(ctx, actor.User("shipper"), c.ID)
	require.NoError(t, err)

	ev := payment.Event{
		ID:   "evt_fail",
		Type: payment.EventIntentFailed,
		Data: payment.EventData{ID: "pi_" + out.CycleKey(), Status: payment.IntentFailed, FailureReason: "insufficient_funds"},
	}
	require.NoError(t, f.svc.HandleWebhook(ctx, ev))

	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusPending, got.Status)
	require.Nil(t, got.HoldTransactionID)

	available, onHold := f.balance(t, "shipper")
	require.Equal(t, int64(10000), available)
	require.Zero(t, onHold)

	failure, err := f.retries.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, failure.RetryAttempt)

	// Redelivery does not record a second failure.
	require.NoError(t, f.svc.HandleWebhook(ctx, ev))
	failure, err = f.retries.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, failure.RetryAttempt)
}

func TestWebhookUnknownIntentRecordsError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.svc.HandleWebhook(ctx, payment.Event{
		ID:   "evt_unknown",
		Type: payment.EventIntentSucceeded,
		Data: payment.EventData{ID: "pi_missing"},
	})
	requireStatus(t, err, errutil.StatusNotFound)

	var stored WebhookEvent
	require.NoError(t, f.db.First(&stored, "id = ?", "evt_unknown").Error)
	require.Nil(t, stored.ProcessedAt)
	require.NotNil(t, stored.Error)
}

func TestCompleteContractPaysTreeWithFees(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	root := f.newContract(t, 10000, contract.BillingOnce)

	child, err := f.contracts.Create(ctx, actor.User("carrier"), contract.CreateParams{
		ParentContractID: &root.ID,
		HiredUserID:      "subcarrier",
		Amount:           4000,
	})
	require.NoError(t, err)
	idle, err := f.contracts.Create(ctx, actor.User("carrier"), contract.CreateParams{
		ParentContractID: &root.ID,
		HiredUserID:      "idle",
		Amount:           1000,
	})
	require.NoError(t, err)

	_, err = f.svc.StartContract(ctx, actor.User("carrier"), child.ID)
	requireStatus(t, err, errutil.StatusConflict)

	f.start(t, root)
	started, err := f.svc.StartContract(ctx, actor.User("carrier"), child.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, started.Status)
	require.Nil(t, started.HoldTransactionID)

	_, err = f.svc.CompleteContract(ctx, actor.User("carrier"), root.ID)
	requireStatus(t, err, errutil.StatusForbidden)
	_, err = f.svc.CompleteContract(ctx, actor.User("carrier"), child.ID)
	requireStatus(t, err, errutil.StatusValidationFailed)

	res, err := f.svc.CompleteJob(ctx, actor.User("shipper"), child.ID)
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, contract.StatusCompleted, res.Contract.Status)
	require.Nil(t, res.Contract.HoldTransactionID)
	require.Len(t, res.Payouts, 3)
	// Main earning: 10000 - 4000 = 6000 gross, 600 fee.
	require.Equal(t, int64(5400), res.MainEarning)
	require.Equal(t, int64(1000), res.PlatformFee)

	for user, want := range map[string]int64{"carrier": 5400, "subcarrier": 3600, "platform": 1000, "shipper": 0, "idle": 0} {
		available, onHold := f.balance(t, user)
		require.Equal(t, want, available, user)
		require.Zero(t, onHold, user)
	}

	got, err := f.contracts.Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCompleted, got.Status)
	got, err = f.contracts.Get(ctx, idle.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCancelled, got.Status)

	for _, p := range res.Payouts {
		require.Equal(t, PayoutPosted, p.Status)
		require.NotNil(t, p.WalletTransactionID)
		require.Equal(t, root.ID, p.RootContractID)
	}

	again, err := f.svc.CompleteContract(ctx, actor.User("shipper"), root.ID)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Len(t, again.Payouts, 3)
	require.Equal(t, res.MainEarning, again.MainEarning)

	available, _ := f.balance(t, "carrier")
	require.Equal(t, int64(5400), available)

	for _, id := range []string{"shipper", "carrier", "subcarrier", "platform"} {
		w, err := f.wallets.GetWallet(ctx, id)
		require.NoError(t, err)
		require.NoError(t, f.wallets.VerifyChain(ctx, w.ID))
	}
}

func TestTransferFailureKeepsContractActive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	root := f.newContract(t, 5000, contract.BillingOnce)
	_, err := f.svc.SetPayoutAccount(ctx, "carrier", "acct_carrier")
	require.NoError(t, err)

	f.start(t, root)

	f.provider.EXPECT().CreateTransfer(gomock.Any(), gomock.Any()).
		Return(nil, payment.Transient("timeout", "gateway timeout"))

	_, err = f.svc.CompleteContract(ctx, actor.User("shipper"), root.ID)
	requireStatus(t, err, errutil.StatusProviderTransient)

	got, err := f.contracts.Get(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, got.Status)
	require.NotNil(t, got.HoldTransactionID)

	failure, err := f.retries.GetFailure(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, retry.FailureScheduled, failure.Status)

	_, err = f.svc.CancelContract(ctx, actor.User("shipper"), root.ID, "changed plans")
	requireStatus(t, err, errutil.StatusConflict)

	var sent payment.TransferRequest
	f.provider.EXPECT().CreateTransfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req payment.TransferRequest) (*payment.Transfer, error) {
			sent = req
			return &payment.Transfer{ID: "tr_1", Status: "paid"}, nil
		})
	require.NoError(t, f.svc.RetryContract(ctx, root.ID))
	require.Equal(t, "acct_carrier", sent.ConnectedAccountID)
	require.Equal(t, int64(4500), sent.Amount)

	got, err = f.contracts.Get(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCompleted, got.Status)

	rows, err := f.svc.ListPayouts(ctx, actor.User("shipper"), root.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.Equal(t, PayoutPosted, r.Status)
		if r.PayeeUserID == "carrier" {
			require.Equal(t, sent.IdempotencyKey, r.ID)
			require.Equal(t, "tr_1", *r.TransferID)
		}
	}

	// External payouts leave the hold without a wallet credit.
	available, _ := f.balance(t, "carrier")
	require.Zero(t, available)
	available, onHold := f.balance(t, "shipper")
	require.Equal(t, int64(5000), available)
	require.Zero(t, onHold)
}

func TestCancelContractReturnsHold(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 10000)
	root := f.newContract(t, 6000, contract.BillingOnce)
	child, err := f.contracts.Create(ctx, actor.User("carrier"), contract.CreateParams{
		ParentContractID: &root.ID,
		HiredUserID:      "subcarrier",
		Amount:           2000,
	})
	require.NoError(t, err)

	f.start(t, root)

	_, err = f.svc.CancelContract(ctx, actor.User("carrier"), root.ID, "no")
	requireStatus(t, err, errutil.StatusForbidden)

	out, err := f.svc.CancelContract(ctx, actor.User("shipper"), root.ID, "shipment withdrawn")
	require.NoError(t, err)
	require.Equal(t, contract.StatusCancelled, out.Status)
	require.Equal(t, "shipment withdrawn", *out.CancelReason)
	require.Nil(t, out.HoldTransactionID)

	got, err := f.contracts.Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusCancelled, got.Status)

	available, onHold := f.balance(t, "shipper")
	require.Equal(t, int64(10000), available)
	require.Zero(t, onHold)

	_, err = f.svc.CancelContract(ctx, actor.User("shipper"), root.ID, "again")
	requireStatus(t, err, errutil.StatusConflict)
}

func TestProcessBillingCycleAdvances(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 5000)
	c := f.newContract(t, 1000, contract.BillingWeekly)

	out := f.start(t, c)
	require.NotNil(t, out.NextBillingDate)
	require.True(t, out.NextBillingDate.Equal(out.CycleStart.Add(7*24*time.Hour)))

	_, err := f.svc.ProcessBillingCycle(ctx, c.ID)
	requireStatus(t, err, errutil.StatusConflict)

	f.svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	f.expectIntent(payment.IntentSucceeded)

	res, err := f.svc.ProcessBillingCycle(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, res.Payouts, 2)
	require.Equal(t, int64(900), res.MainEarning)
	require.Equal(t, int64(100), res.PlatformFee)

	got := res.Contract
	require.Equal(t, contract.StatusActive, got.Status)
	require.True(t, got.CycleStart.Equal(out.CycleStart.Add(7*24*time.Hour)))
	require.True(t, got.NextBillingDate.Equal(out.CycleStart.Add(14*24*time.Hour)))
	require.NotNil(t, got.HoldTransactionID)
	require.NotEqual(t, *out.HoldTransactionID, *got.HoldTransactionID)

	available, onHold := f.balance(t, "shipper")
	require.Equal(t, int64(3000), available)
	require.Equal(t, int64(1000), onHold)
	available, _ = f.balance(t, "carrier")
	require.Equal(t, int64(900), available)

	// Payouts of a settled cycle do not block cancelling the next one.
	_, err = f.svc.CancelContract(ctx, actor.User("shipper"), c.ID, "season over")
	require.NoError(t, err)
	available, onHold = f.balance(t, "shipper")
	require.Equal(t, int64(4000), available)
	require.Zero(t, onHold)
}

func TestResumeContractFundsPausedCycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 5000)
	c := f.newContract(t, 1000, contract.BillingWeekly)
	f.start(t, c)

	f.svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	f.provider.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
		Return(nil, payment.Transient("timeout", "gateway timeout")).Times(3)

	_, err := f.svc.ProcessBillingCycle(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.RetryContract(ctx, c.ID))
	require.NoError(t, f.svc.RetryContract(ctx, c.ID))

	paused, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusPaused, paused.Status)
	require.Nil(t, paused.HoldTransactionID)
	failure, err := f.retries.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, retry.FailureTerminal, failure.Status)

	_, err = f.svc.ResumeContract(ctx, actor.User("carrier"), c.ID)
	requireStatus(t, err, errutil.StatusForbidden)

	f.expectIntent(payment.IntentSucceeded)
	resumed, err := f.svc.ResumeContract(ctx, actor.User("shipper"), c.ID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusActive, resumed.Status)
	require.NotNil(t, resumed.HoldTransactionID)
	require.Zero(t, resumed.RetryCount)

	failure, err = f.retries.GetFailure(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, retry.FailureResolved, failure.Status)

	available, onHold := f.balance(t, "shipper")
	require.Equal(t, int64(3000), available)
	require.Equal(t, int64(1000), onHold)

	// Failures after the resume are counted and scheduled again.
	next, err := f.retries.RecordFailure(ctx, nil, c.ID, errors.New("timeout after resume"))
	require.NoError(t, err)
	require.Equal(t, retry.FailureScheduled, next.Status)
	require.Equal(t, 1, next.RetryAttempt)
	require.NotNil(t, next.ScheduledRetryAt)

	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, contract.StatusActive, got.Status)
}

func TestRefundPayout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 5000)
	c := f.newContract(t, 5000, contract.BillingOnce)
	f.start(t, c)

	res, err := f.svc.CompleteContract(ctx, actor.User("shipper"), c.ID)
	require.NoError(t, err)

	var earning *ContractTransaction
	for _, p := range res.Payouts {
		if p.Kind == KindEarning {
			earning = p
		}
	}
	require.NotNil(t, earning)

	_, err = f.svc.RefundPayout(ctx, actor.User("shipper"), earning.ID, "damaged cargo")
	requireStatus(t, err, errutil.StatusForbidden)
	_, err = f.svc.RefundPayout(ctx, actor.Admin("ops"), earning.ID, "")
	requireStatus(t, err, errutil.StatusValidationFailed)

	out, err := f.svc.RefundPayout(ctx, actor.Admin("ops"), earning.ID, "damaged cargo")
	require.NoError(t, err)
	require.Equal(t, PayoutRefunded, out.Status)
	require.Equal(t, "damaged cargo", *out.RefundReason)

	available, _ := f.balance(t, "carrier")
	require.Zero(t, available)
	available, _ = f.balance(t, "shipper")
	require.Equal(t, int64(4500), available)

	_, err = f.svc.RefundPayout(ctx, actor.Admin("ops"), earning.ID, "damaged cargo")
	requireStatus(t, err, errutil.StatusConflict)
}

func TestRefundPayoutRollsBackWhenPayeeSpent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.topUp(t, "shipper", 5000)
	c := f.newContract(t, 5000, contract.BillingOnce)
	f.start(t, c)

	res, err := f.svc.CompleteContract(ctx, actor.User("shipper"), c.ID)
	require.NoError(t, err)

	_, err = f.wallets.Withdraw(ctx, "carrier", 4000, wallet.Reference{ID: "wd-1", Type: "withdrawal"})
	require.NoError(t, err)

	var earning *ContractTransaction
	for _, p := range res.Payouts {
		if p.Kind == KindEarning {
			earning = p
		}
	}
	_, err = f.svc.RefundPayout(ctx, actor.Admin("ops"), earning.ID, "damaged cargo")
	requireStatus(t, err, errutil.StatusInsufficientFunds)

	available, _ := f.balance(t, "shipper")
	require.Zero(t, available)

	rows, err := f.svc.ListPayouts(ctx, actor.Admin("ops"), c.ID)
	require.NoError(t, err)
	for _, r := range rows {
		require.Equal(t, PayoutPosted, r.Status)
	}
}

func TestListPayoutsHidesFromStrangers(t *testing.T) {
	f := setup(t)
	c := f.newContract(t, 5000, contract.BillingOnce)

	_, err := f.svc.ListPayouts(context.Background(), actor.User("stranger"), c.ID)
	requireStatus(t, err, errutil.StatusNotFound)

	rows, err := f.svc.ListPayouts(context.Background(), actor.User("carrier"), c.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRecordedErrors(t *testing.T) {
	require.False(t, recorded(nil))
	require.False(t, recorded(errors.New("db down")))
	require.True(t, recorded(errutil.ProviderTerminal("declined", nil)))
	require.True(t, recorded(errors.Join(errutil.InsufficientFunds("broke", nil), nil)))
}
