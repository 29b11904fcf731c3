package telemetry

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors. Package level so every Telemetry instance shares
// them; the /metrics endpoint serves the default registry.
var (
	promTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voya_turns_total",
			Help: "Completed chat turns by session mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
	promTurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voya_turn_duration_seconds",
			Help:    "Wall-clock duration of one chat turn",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
	promActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voya_actions_total",
			Help: "Controller actions executed by type and status",
		},
		[]string{"type", "status"},
	)
	promAmadeusRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voya_amadeus_requests_total",
			Help: "Inventory searches by kind (flights, hotels, transfers) and status",
		},
		[]string{"kind", "status"},
	)
	promBookingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voya_bookings_total",
			Help: "Booking outcomes by terminal status",
		},
		[]string{"status"},
	)
	promLLMTokens = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voya_llm_tokens",
			Help:    "Tokens per model call by direction",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
		},
		[]string{"direction"},
	)
	promLLMCost = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voya_llm_cost_usd_total",
			Help: "Cumulative LLM spend in USD since process start",
		},
	)
)

func init() {
	prometheus.MustRegister(promTurnsTotal)
	prometheus.MustRegister(promTurnDuration)
	prometheus.MustRegister(promActionsTotal)
	prometheus.MustRegister(promAmadeusRequests)
	prometheus.MustRegister(promBookingsTotal)
	prometheus.MustRegister(promLLMTokens)
	prometheus.MustRegister(promLLMCost)
}

func observeTurn(event TurnEvent) {
	outcome := "ok"
	if !event.Success {
		outcome = "failed"
	}
	mode := event.Mode
	if mode == "" {
		mode = "normal"
	}
	promTurnsTotal.WithLabelValues(mode, outcome).Inc()
	promTurnDuration.Observe(event.Duration.Seconds())
}

func observeAction(event ActionEvent) {
	status := "ok"
	if !event.Success {
		status = "failed"
	}
	promActionsTotal.WithLabelValues(event.ActionType, status).Inc()
}

func observeSearch(event SearchEvent) {
	kind := strings.TrimPrefix(event.Provider, "amadeus_")
	status := "ok"
	if !event.Success {
		status = "error"
	}
	promAmadeusRequests.WithLabelValues(kind, status).Inc()
}

func observeLLM(tokensIn, tokensOut int64, cost float64) {
	promLLMTokens.WithLabelValues("in").Observe(float64(tokensIn))
	promLLMTokens.WithLabelValues("out").Observe(float64(tokensOut))
	promLLMCost.Add(cost)
}

func observeBooking(status string) {
	promBookingsTotal.WithLabelValues(status).Inc()
}
