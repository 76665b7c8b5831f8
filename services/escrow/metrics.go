package escrow

import (
	"freight-controlplane/pkg/errutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "settlements_total",
		Help:      "Contract cycles settled, by settlement kind.",
	}, []string{"settlement"})

	payoutAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "payout_amount_minor_total",
		Help:      "Released escrow in minor units, by payout kind and currency.",
	}, []string{"kind", "currency"})

	providerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "provider_failures_total",
		Help:      "Payment provider failures seen while funding or paying out.",
	}, []string{"status"})
)

func observeSettlement(kind Settlement, rows []*ContractTransaction) {
	settlementsTotal.WithLabelValues(string(kind)).Inc()
	for _, row := range rows {
		payoutAmountTotal.WithLabelValues(string(row.Kind), row.Currency).Add(float64(row.Amount))
	}
}

func observeProviderFailure(err error) {
	providerFailuresTotal.WithLabelValues(string(errutil.StatusOf(err))).Inc()
}
