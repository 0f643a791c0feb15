package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "disburser_build_info",
			Help: "Build information of the disburser engine",
		},
		[]string{"version", "commit", "date"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disburser_cycles_total",
			Help: "Total number of distribution cycles by outcome",
		},
		[]string{"outcome"},
	)

	CycleStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "disburser_cycle_stage_duration_seconds",
			Help:    "Duration of each cycle stage",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"stage"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disburser_transfers_total",
			Help: "Total number of holder transfers by status",
		},
		[]string{"status"},
	)

	WithdrawnAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "disburser_withdrawn_amount_total",
			Help: "Cumulative withdrawn fee amount in smallest units",
		},
	)

	SwapReceivedAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "disburser_swap_received_amount_total",
			Help: "Cumulative verified swap proceeds in payout-asset smallest units",
		},
	)

	CarryAmount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "disburser_carry_amount",
			Help: "Pool amount carried into the next cycle in smallest units",
		},
	)

	PayoutCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "disburser_payout_cursor",
			Help: "Index of the payout asset selected for the next cycle",
		},
	)
)
