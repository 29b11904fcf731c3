package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voyatrip/voya/config"
)

// Telemetry provides comprehensive monitoring and cost tracking
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	mu sync.RWMutex
	// Turn metrics
	TotalTurns      int64
	SuccessfulTurns int64
	FailedTurns     int64
	AverageTurnTime time.Duration

	// Action metrics
	ActionExecutions   map[string]int64
	ActionSuccessRates map[string]float64
	ActionAverageTimes map[string]time.Duration

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Search metrics
	SearchRequests     map[string]int64
	SearchSuccessRates map[string]float64
	SearchAverageTimes map[string]time.Duration
}

// CostTracker tracks costs across models and call roles
type CostTracker struct {
	mu sync.RWMutex
	// Daily costs
	DailyCosts map[string]float64 // date -> cost

	// Role costs
	RoleCosts map[string]float64 // controller/responder/summary -> cost

	// Model costs
	ModelCosts map[string]float64 // model -> cost

	// Total costs
	TotalCost   float64
	TotalTokens int64
}

// TurnEvent represents one completed chat turn
type TurnEvent struct {
	ID         string
	SessionID  string
	UserID     string
	Mode       string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	Actions    []string
	ModelsUsed []string
}

// ActionEvent represents a single executed action within a turn
type ActionEvent struct {
	ID         string
	ActionType string
	SegmentID  string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
}

// SearchEvent represents one inventory search call
type SearchEvent struct {
	ID        string
	Provider  string // amadeus_flights, amadeus_hotels, amadeus_transfers
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Success   bool
	Error     string
	Results   int
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			ActionExecutions:   make(map[string]int64),
			ActionSuccessRates: make(map[string]float64),
			ActionAverageTimes: make(map[string]time.Duration),
			LLMRequests:        make(map[string]int64),
			LLMTokensUsed:      make(map[string]int64),
			SearchRequests:     make(map[string]int64),
			SearchSuccessRates: make(map[string]float64),
			SearchAverageTimes: make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			DailyCosts: make(map[string]float64),
			RoleCosts:  make(map[string]float64),
			ModelCosts: make(map[string]float64),
		},
	}

	// Start background tasks (periodic logs can be disabled via config)
	if config.Enabled && config.PeriodicLogs {
		go t.startMetricsCollection()
		go t.startCostReporting()
	}

	return t
}

// RecordTurnEvent records a complete turn. Prometheus counters update even
// when telemetry logging is disabled; the in-memory aggregates do not.
func (t *Telemetry) RecordTurnEvent(ctx context.Context, event TurnEvent) {
	observeTurn(event)
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalTurns++
	if event.Success {
		t.metrics.SuccessfulTurns++
	} else {
		t.metrics.FailedTurns++
	}

	// Update average turn time
	if t.metrics.TotalTurns == 1 {
		t.metrics.AverageTurnTime = event.Duration
	} else {
		total := t.metrics.AverageTurnTime * time.Duration(t.metrics.TotalTurns-1)
		t.metrics.AverageTurnTime = (total + event.Duration) / time.Duration(t.metrics.TotalTurns)
	}

	for _, action := range event.Actions {
		t.metrics.ActionExecutions[action]++
	}
	for _, model := range event.ModelsUsed {
		t.metrics.LLMRequests[model]++
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	t.logger.Printf("Turn Event: Session=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d, Actions=%d",
		event.SessionID, event.Success, event.Duration, event.Cost, event.TokensUsed, len(event.Actions))
}

// RecordActionEvent records an executed action
func (t *Telemetry) RecordActionEvent(ctx context.Context, event ActionEvent) {
	observeAction(event)
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ActionExecutions[event.ActionType]++

	currentSuccess := t.metrics.ActionSuccessRates[event.ActionType]
	currentExecutions := t.metrics.ActionExecutions[event.ActionType]
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.ActionSuccessRates[event.ActionType] = currentSuccess / float64(currentExecutions)

	currentAvg := t.metrics.ActionAverageTimes[event.ActionType]
	if currentExecutions == 1 {
		t.metrics.ActionAverageTimes[event.ActionType] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentExecutions-1)
		t.metrics.ActionAverageTimes[event.ActionType] = (total + event.Duration) / time.Duration(currentExecutions)
	}

	t.logger.Printf("Action Event: Type=%s, Success=%t, Duration=%v",
		event.ActionType, event.Success, event.Duration)
}

// RecordSearchEvent records an inventory search call
func (t *Telemetry) RecordSearchEvent(ctx context.Context, event SearchEvent) {
	observeSearch(event)
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.SearchRequests[event.Provider]++

	currentSuccess := t.metrics.SearchSuccessRates[event.Provider]
	currentRequests := t.metrics.SearchRequests[event.Provider]
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.SearchSuccessRates[event.Provider] = currentSuccess / float64(currentRequests)

	currentAvg := t.metrics.SearchAverageTimes[event.Provider]
	if currentRequests == 1 {
		t.metrics.SearchAverageTimes[event.Provider] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentRequests-1)
		t.metrics.SearchAverageTimes[event.Provider] = (total + event.Duration) / time.Duration(currentRequests)
	}

	t.logger.Printf("Search Event: Provider=%s, Success=%t, Duration=%v, Results=%d",
		event.Provider, event.Success, event.Duration, event.Results)
}

// RecordLLMCall records cost and tokens for one model call
func (t *Telemetry) RecordLLMCall(role, model string, tokensIn, tokensOut int64, cost float64) {
	observeLLM(tokensIn, tokensOut, cost)
	if !t.config.Enabled || !t.config.CostTracking {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.LLMRequests[model]++
	t.metrics.LLMTokensUsed[model] += tokensIn + tokensOut

	t.costTracker.TotalCost += cost
	t.costTracker.TotalTokens += tokensIn + tokensOut
	t.costTracker.ModelCosts[model] += cost
	t.costTracker.RoleCosts[role] += cost
	t.costTracker.DailyCosts[time.Now().Format("2006-01-02")] += cost
}

// RecordBooking counts a terminal booking outcome. The worker calls this when
// it settles a booking; the server calls it when a booking is cancelled.
func (t *Telemetry) RecordBooking(status string) {
	observeBooking(status)
	if !t.config.Enabled {
		return
	}
	t.logger.Printf("Booking Event: Status=%s", status)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Create a deep copy to avoid race conditions
	metrics := *t.metrics
	metrics.ActionExecutions = make(map[string]int64)
	metrics.ActionSuccessRates = make(map[string]float64)
	metrics.ActionAverageTimes = make(map[string]time.Duration)
	metrics.LLMRequests = make(map[string]int64)
	metrics.LLMTokensUsed = make(map[string]int64)
	metrics.SearchRequests = make(map[string]int64)
	metrics.SearchSuccessRates = make(map[string]float64)
	metrics.SearchAverageTimes = make(map[string]time.Duration)

	for k, v := range t.metrics.ActionExecutions {
		metrics.ActionExecutions[k] = v
	}
	for k, v := range t.metrics.ActionSuccessRates {
		metrics.ActionSuccessRates[k] = v
	}
	for k, v := range t.metrics.ActionAverageTimes {
		metrics.ActionAverageTimes[k] = v
	}
	for k, v := range t.metrics.LLMRequests {
		metrics.LLMRequests[k] = v
	}
	for k, v := range t.metrics.LLMTokensUsed {
		metrics.LLMTokensUsed[k] = v
	}
	for k, v := range t.metrics.SearchRequests {
		metrics.SearchRequests[k] = v
	}
	for k, v := range t.metrics.SearchSuccessRates {
		metrics.SearchSuccessRates[k] = v
	}
	for k, v := range t.metrics.SearchAverageTimes {
		metrics.SearchAverageTimes[k] = v
	}

	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		DailyCosts:  make(map[string]float64),
		ModelCosts:  make(map[string]float64),
		RoleCosts:   make(map[string]float64),
	}

	for k, v := range t.costTracker.DailyCosts {
		summary.DailyCosts[k] = v
	}
	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.RoleCosts {
		summary.RoleCosts[k] = v
	}

	return summary
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	DailyCosts  map[string]float64
	ModelCosts  map[string]float64
	RoleCosts   map[string]float64
}

// startMetricsCollection starts periodic metrics collection
func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Turns=%d/%d, AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SuccessfulTurns, metrics.TotalTurns,
			metrics.AverageTurnTime, costs.TotalCost, costs.TotalTokens)
	}
}

// startCostReporting starts periodic cost reporting
func (t *Telemetry) startCostReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		costs := t.GetCostSummary()

		t.logger.Printf("Cost Report: Total=$%.4f, Tokens=%d", costs.TotalCost, costs.TotalTokens)

		for model, cost := range costs.ModelCosts {
			t.logger.Printf("  Model %s: $%.4f", model, cost)
		}
		for role, cost := range costs.RoleCosts {
			t.logger.Printf("  Role %s: $%.4f", role, cost)
		}
	}
}

// Shutdown gracefully shuts down the telemetry system
func (t *Telemetry) Shutdown() {
	t.logger.Println("Shutting down telemetry system...")

	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Turns: %d", metrics.TotalTurns)
	if metrics.TotalTurns > 0 {
		t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SuccessfulTurns)/float64(metrics.TotalTurns)*100)
	}
	t.logger.Printf("  Average Turn Time: %v", metrics.AverageTurnTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}

// GetPerformanceReport returns a detailed performance report
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	turnDenom := metrics.TotalTurns
	if turnDenom == 0 {
		turnDenom = 1
	}
	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Overall Metrics:
  Total Turns: %d
  Successful: %d (%.2f%%)
  Failed: %d (%.2f%%)
  Average Turn Time: %v
  Total Cost: $%.4f
  Total Tokens: %d

Action Performance:
`, metrics.TotalTurns, metrics.SuccessfulTurns,
		float64(metrics.SuccessfulTurns)/float64(turnDenom)*100,
		metrics.FailedTurns, float64(metrics.FailedTurns)/float64(turnDenom)*100,
		metrics.AverageTurnTime, costs.TotalCost, costs.TotalTokens)

	for action, executions := range metrics.ActionExecutions {
		successRate := metrics.ActionSuccessRates[action]
		avgTime := metrics.ActionAverageTimes[action]
		report += fmt.Sprintf("  %s: %d executions, %.2f%% success, %v avg time\n",
			action, executions, successRate*100, avgTime)
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		tokens := metrics.LLMTokensUsed[model]
		cost := costs.ModelCosts[model]
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, tokens, cost)
	}

	report += "\nSearch Performance:\n"
	for provider, requests := range metrics.SearchRequests {
		successRate := metrics.SearchSuccessRates[provider]
		avgTime := metrics.SearchAverageTimes[provider]
		report += fmt.Sprintf("  %s: %d requests, %.2f%% success, %v avg time\n",
			provider, requests, successRate*100, avgTime)
	}

	return report
}
