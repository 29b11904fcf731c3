package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voyatrip/voya/config"
	"github.com/voyatrip/voya/internal/agent/telemetry"
	"github.com/voyatrip/voya/internal/budget"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TravelAgent coordinates one chat turn: the controller decides actions,
// the agent executes them against the trip plan, and the responder writes
// the reply. One instance serves all sessions; per-turn state stays on the
// stack.
type TravelAgent struct {
	config    *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	controller  *Controller
	responder   *Responder
	llmProvider LLMProvider

	searcher      TravelSearcher
	trips         TripStore
	sessions      SessionStore
	conversations ConversationStore
	usage         UsageRecorder
	booker        Booker
	guides        GuideProvider
	approvals     ApprovalStore
	index         SearchIndexer

	// Sessions with a turn in flight
	active map[string]struct{}
	mu     sync.RWMutex

	// Concurrency control for inventory searches
	searchSem chan struct{}
}

// AgentDeps carries the orchestrator's external dependencies. Searcher,
// Trips, Sessions and Conversations are required; the rest degrade to
// no-ops when nil.
type AgentDeps struct {
	Searcher      TravelSearcher
	Trips         TripStore
	Sessions      SessionStore
	Conversations ConversationStore
	Usage         UsageRecorder
	Booker        Booker
	Guides        GuideProvider
	Approvals     ApprovalStore
	Index         SearchIndexer

	// LLM overrides the provider built from config when set.
	LLM LLMProvider
}

var orchestratorTracer trace.Tracer = otel.Tracer("voya/internal/agent/orchestrator")

// ErrSessionBusy is returned when a session already has a turn in flight.
var ErrSessionBusy = errors.New("session already has a turn in flight")

// ErrTripNotReady is returned when booking is requested before every
// segment is confirmed.
var ErrTripNotReady = errors.New("trip is not fully confirmed")

// NewTravelAgent creates a new orchestrator instance
func NewTravelAgent(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, deps AgentDeps) (*TravelAgent, error) {
	llmProvider := deps.LLM
	if llmProvider == nil {
		var err error
		llmProvider, err = NewLLMProvider(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM provider: %w", err)
		}
	}
	if deps.Searcher == nil {
		return nil, fmt.Errorf("travel searcher is required")
	}
	if deps.Trips == nil || deps.Sessions == nil || deps.Conversations == nil {
		return nil, fmt.Errorf("trip, session and conversation stores are required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	}

	concurrent := cfg.Agents.MaxConcurrentSearches
	if concurrent <= 0 {
		concurrent = 1
	}

	return &TravelAgent{
		config:        cfg,
		logger:        logger,
		telemetry:     tel,
		controller:    NewController(cfg, llmProvider),
		responder:     NewResponder(cfg, llmProvider),
		llmProvider:   llmProvider,
		searcher:      deps.Searcher,
		trips:         deps.Trips,
		sessions:      deps.Sessions,
		conversations: deps.Conversations,
		usage:         deps.Usage,
		booker:        deps.Booker,
		guides:        deps.Guides,
		approvals:     deps.Approvals,
		index:         deps.Index,
		active:        make(map[string]struct{}),
		searchSem:     make(chan struct{}, concurrent),
	}, nil
}

// LLM exposes the orchestrator's underlying LLM provider.
func (a *TravelAgent) LLM() LLMProvider {
	return a.llmProvider
}

// Busy reports whether a session has a turn in flight.
func (a *TravelAgent) Busy(sessionID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, busy := a.active[sessionID]
	return busy
}

func (a *TravelAgent) acquireSession(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.active[id]; busy {
		return ErrSessionBusy
	}
	a.active[id] = struct{}{}
	return nil
}

func (a *TravelAgent) releaseSession(id string) {
	a.mu.Lock()
	delete(a.active, id)
	a.mu.Unlock()
}

// RunTurn processes one user message and returns the finished turn.
func (a *TravelAgent) RunTurn(ctx context.Context, input TurnInput) (TurnResult, error) {
	if err := a.acquireSession(input.SessionID); err != nil {
		return TurnResult{}, err
	}
	defer a.releaseSession(input.SessionID)
	return a.run(ctx, input, nil)
}

// RunTurnStream processes one user message and emits progress events while
// the turn runs. The channel closes when the turn finishes; failures arrive
// as a final turn_failed event.
func (a *TravelAgent) RunTurnStream(ctx context.Context, input TurnInput) (<-chan TurnEvent, error) {
	if err := a.acquireSession(input.SessionID); err != nil {
		return nil, err
	}
	events := make(chan TurnEvent, 16)
	go func() {
		defer close(events)
		defer a.releaseSession(input.SessionID)
		if _, err := a.run(ctx, input, events); err != nil {
			emitEvent(ctx, events, TurnEvent{Type: EventTurnFailed, Error: err.Error()})
		}
	}()
	return events, nil
}

// run is the turn state machine shared by RunTurn and RunTurnStream.
func (a *TravelAgent) run(ctx context.Context, input TurnInput, events chan<- TurnEvent) (TurnResult, error) {
	startTime := time.Now()
	ctx, span := orchestratorTracer.Start(ctx, "agent.run_turn",
		trace.WithAttributes(
			attribute.String("session.id", input.SessionID),
			attribute.String("user.id", input.UserID),
		))
	defer span.End()

	if strings.TrimSpace(input.Message) == "" && !input.ApproveBooking {
		err := fmt.Errorf("message is required")
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}

	if a.config.Agents.MaxTurnDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Agents.MaxTurnDuration)
		defer cancel()
	}

	session, err := a.sessions.GetSession(ctx, input.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, fmt.Errorf("loading session: %w", err)
	}
	if session.UserID != "" && input.UserID != "" && session.UserID != input.UserID {
		err := fmt.Errorf("session %s does not belong to user", input.SessionID)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}
	if input.Mode != "" {
		session.Mode = ParseMode(input.Mode)
	}
	span.SetAttributes(attribute.String("session.mode", string(session.Mode)))

	turnEvent := telemetry.TurnEvent{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		UserID:    session.UserID,
		Mode:      string(session.Mode),
		StartTime: startTime,
	}
	defer func() {
		turnEvent.EndTime = time.Now()
		turnEvent.Duration = turnEvent.EndTime.Sub(turnEvent.StartTime)
		if a.telemetry != nil {
			a.telemetry.RecordTurnEvent(ctx, turnEvent)
		}
	}()

	history, err := a.conversations.RecentMessages(ctx, session.ID, a.config.Agents.HistoryWindow)
	if err != nil {
		a.logger.Printf("loading history for session %s failed: %v", session.ID, err)
	}

	tripID := input.TripID
	if tripID == "" {
		tripID = session.ActiveTripID
	}
	var trip *TripPlan
	if tripID != "" {
		trip, err = a.trips.GetTrip(ctx, tripID)
		if err != nil {
			turnEvent.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return TurnResult{}, fmt.Errorf("loading trip %s: %w", tripID, err)
		}
	}

	effective := budget.FromLimits(
		a.config.Agents.Budget.MaxCostPerTurn,
		a.config.Agents.Budget.MaxTokensPerTurn,
		int64(a.config.Agents.MaxTurnDuration.Seconds()),
		a.config.Agents.Budget.ApprovalThreshold,
		a.config.Agents.Budget.RequireApproval,
	)
	if session.Budget != nil {
		effective = budget.Merge(effective, *session.Budget)
	}
	var monitor *budget.Monitor
	if !effective.IsZero() {
		monitor = budget.NewMonitor(effective)
	}

	emitEvent(ctx, events, TurnEvent{Type: EventTurnStarted})
	a.logger.Printf("Starting turn for session %s (mode=%s)", session.ID, session.Mode)

	var (
		usage      TurnUsage
		records    []ActionRecord
		outcome    TurnOutcome
		guideQuery string
	)

	if input.ApproveBooking {
		// The user confirmed a held booking; no controller pass needed.
		a.applyApprovedBooking(ctx, session, trip, &outcome)
	} else {
		trip, records, outcome, guideQuery = a.controllerLoop(ctx, session, trip, input, history, monitor, &usage, events)
	}

	// Agent mode books on its own once the whole plan is confirmed, holding
	// anything over the approval threshold for the user.
	if !input.ApproveBooking && session.Mode == ModeAgent && a.config.Agents.AutoBookEnabled &&
		trip != nil && trip.AllConfirmed() && outcome.BookingID == "" &&
		trip.Status != TripStatusBooking && trip.Status != TripStatusBooked {
		total := trip.ConfirmedTotal()
		if budget.RequiresApproval(effective, total.Amount) {
			outcome.NeedsApproval = true
			outcome.ApprovalAmount = total
			trip.Status = TripStatusReady
			if a.approvals != nil {
				id, aerr := a.approvals.CreatePendingApproval(ctx, ApprovalRequest{
					TripID:    trip.ID,
					SessionID: session.ID,
					UserID:    session.UserID,
					Amount:    total,
					Reason:    "agent booking over approval threshold",
				})
				if aerr != nil {
					a.logger.Printf("recording pending approval failed: %v", aerr)
				} else {
					outcome.PendingApprovalID = id
				}
			}
			span.AddEvent("booking.held_for_approval", trace.WithAttributes(
				attribute.Float64("booking.amount", total.Amount),
			))
		} else {
			a.requestBooking(ctx, session, trip, "agent", &outcome)
		}
	}

	lang := languageOf(TurnState{Session: session, Message: input.Message})
	guideContext := a.fetchGuideContext(ctx, guideQuery, lang)

	// Responder phase: the reply never fails the turn.
	outcome.Actions = records
	outcome.Trip = trip
	state := TurnState{
		Session:      session,
		Trip:         trip,
		Message:      input.Message,
		History:      history,
		Actions:      records,
		GuideContext: guideContext,
		Language:     lang,
	}
	respCtx, respSpan := orchestratorTracer.Start(ctx, "agent.respond")
	reply, inTok, outTok, rerr := a.responder.Reply(respCtx, state, outcome)
	if rerr != nil {
		a.logger.Printf("responder failed, using fallback: %v", rerr)
		reply = fallbackReply(state, outcome)
		respSpan.RecordError(rerr)
		respSpan.SetStatus(codes.Error, rerr.Error())
	} else {
		respSpan.SetStatus(codes.Ok, "completed")
	}
	respSpan.End()
	if inTok+outTok > 0 {
		// Budget breaches after the reply exists only get logged.
		if err := a.recordSpend(ctx, session, "responder", a.config.LLM.Routing.Responder, inTok, outTok, monitor, &usage); err != nil {
			a.logger.Printf("responder spend over budget: %v", err)
		}
	}

	now := time.Now()
	usage.Elapsed = now.Sub(startTime)

	if trip != nil {
		trip.UpdatedAt = now
		if err := a.trips.SaveTrip(ctx, trip); err != nil {
			turnEvent.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return TurnResult{}, fmt.Errorf("saving trip: %w", err)
		}
		if session.ActiveTripID != trip.ID {
			if err := a.sessions.SetSessionTrip(ctx, session.ID, trip.ID); err != nil {
				a.logger.Printf("linking trip %s to session %s failed: %v", trip.ID, session.ID, err)
			}
		}
	}

	userMsg := ChatMessage{Role: "user", Content: input.Message, CreatedAt: startTime}
	assistantMsg := ChatMessage{Role: "assistant", Content: reply, CreatedAt: now}
	if err := a.conversations.AppendTurn(ctx, session.ID, userMsg, assistantMsg, records, usage); err != nil {
		a.logger.Printf("persisting transcript for session %s failed: %v", session.ID, err)
	}
	if err := a.sessions.TouchSession(ctx, session.ID); err != nil {
		a.logger.Printf("touching session %s failed: %v", session.ID, err)
	}
	if a.index != nil {
		if trip != nil {
			if err := a.index.IndexTrip(ctx, trip); err != nil {
				a.logger.Printf("indexing trip %s failed: %v", trip.ID, err)
			}
		}
		if err := a.index.IndexTurn(ctx, session.ID, session.UserID, input.Message, reply, now); err != nil {
			a.logger.Printf("indexing turn failed: %v", err)
		}
	}

	result := TurnResult{
		SessionID:         session.ID,
		Reply:             reply,
		Question:          outcome.Question,
		Actions:           records,
		Usage:             usage,
		CreatedAt:         now,
		BookingID:         outcome.BookingID,
		NeedsApproval:     outcome.NeedsApproval,
		PendingApprovalID: outcome.PendingApprovalID,
		ApprovalAmount:    outcome.ApprovalAmount.Amount,
	}
	if trip != nil {
		result.TripID = trip.ID
		result.Trip = trip.Clone()
	}

	emitEvent(ctx, events, TurnEvent{Type: EventReply, Reply: reply})
	emitEvent(ctx, events, TurnEvent{Type: EventTurnCompleted, Trip: result.Trip})

	turnEvent.Success = true
	turnEvent.Cost = usage.Cost
	turnEvent.TokensUsed = usage.TokensIn + usage.TokensOut
	turnEvent.ModelsUsed = usage.Models
	for _, rec := range records {
		turnEvent.Actions = append(turnEvent.Actions, string(rec.Action.Type))
	}

	a.logger.Printf("Completed turn for session %s in %v (actions=%d cost=$%.4f)",
		session.ID, usage.Elapsed, len(records), usage.Cost)
	span.SetAttributes(
		attribute.Float64("turn.cost_usd", usage.Cost),
		attribute.Int64("turn.tokens", usage.TokensIn+usage.TokensOut),
		attribute.Int("turn.action_count", len(records)),
	)
	span.SetStatus(codes.Ok, "completed")

	return result, nil
}

// controllerLoop runs decide/apply iterations until the controller asks the
// user something, the action budget runs out, or a guard trips.
func (a *TravelAgent) controllerLoop(ctx context.Context, session Session, trip *TripPlan, input TurnInput, history []ChatMessage, monitor *budget.Monitor, usage *TurnUsage, events chan<- TurnEvent) (*TripPlan, []ActionRecord, TurnOutcome, string) {
	var (
		records    []ActionRecord
		outcome    TurnOutcome
		guideQuery string
	)
	detector := newLoopDetector(a.config.Agents.LoopWindow, a.config.Agents.LoopThreshold)
	lang := languageOf(TurnState{Session: session, Message: input.Message})
	maxActions := a.config.Agents.MaxActionsPerTurn
	if maxActions <= 0 {
		maxActions = 6
	}

	for i := 0; i < maxActions; i++ {
		if ctx.Err() != nil {
			outcome.Interrupted = "turn time limit reached"
			break
		}
		if monitor != nil {
			if err := monitor.CheckTime(); err != nil {
				outcome.Interrupted = err.Error()
				break
			}
		}

		state := TurnState{
			Session:  session,
			Trip:     trip,
			Message:  input.Message,
			History:  history,
			Actions:  records,
			Language: lang,
		}

		decideCtx, decideSpan := orchestratorTracer.Start(ctx, "agent.decide",
			trace.WithAttributes(attribute.Int("turn.iteration", i)))
		action, inTok, outTok, err := a.controller.Decide(decideCtx, state)
		if err != nil {
			decideSpan.RecordError(err)
			decideSpan.SetStatus(codes.Error, err.Error())
			decideSpan.End()
			a.logger.Printf("controller failed on iteration %d: %v", i, err)
			outcome.Question = clarifyQuestion(state)
			outcome.Interrupted = "controller unavailable"
			break
		}
		decideSpan.SetAttributes(attribute.String("action.type", string(action.Type)))
		decideSpan.SetStatus(codes.Ok, "completed")
		decideSpan.End()

		if err := a.recordSpend(ctx, session, "controller", a.config.LLM.Routing.Controller, inTok, outTok, monitor, usage); err != nil {
			var exceeded budget.ErrExceeded
			if errors.As(err, &exceeded) {
				outcome.Interrupted = exceeded.Error()
			} else {
				outcome.Interrupted = err.Error()
			}
			break
		}

		if action.GuideQuery != "" {
			guideQuery = action.GuideQuery
		}

		if detector.Observe(action) {
			a.logger.Printf("loop detected on %s for session %s, handing back to user", action.Type, session.ID)
			records = append(records, ActionRecord{
				Action:      action,
				Status:      ActionStatusSkipped,
				Error:       "repeated action loop detected",
				StartedAt:   time.Now(),
				CompletedAt: time.Now(),
			})
			outcome.Question = clarifyQuestion(state)
			outcome.Interrupted = "the assistant kept repeating the same action"
			break
		}

		var applied []ActionRecord
		trip, applied = a.applyAction(ctx, session, trip, action, events)
		records = append(records, applied...)
		recalcTripStatus(trip)

		if action.Type == ActionAskUser {
			outcome.Question = action.Question
			break
		}
	}

	return trip, records, outcome, guideQuery
}

// applyAction executes one controller action and returns the (possibly
// replaced) trip plus the records it produced. BATCH runs its items in
// order; consecutive searches inside a batch run concurrently.
func (a *TravelAgent) applyAction(ctx context.Context, session Session, trip *TripPlan, action Action, events chan<- TurnEvent) (*TripPlan, []ActionRecord) {
	switch action.Type {
	case ActionBatch:
		var records []ActionRecord
		var pendingSearches []Action
		flush := func() {
			if len(pendingSearches) == 0 {
				return
			}
			records = append(records, a.executeSearches(ctx, session, trip, pendingSearches, events)...)
			pendingSearches = nil
		}
		for _, sub := range action.Actions {
			if sub.Type == ActionCallSearch {
				pendingSearches = append(pendingSearches, sub)
				continue
			}
			flush()
			var applied []ActionRecord
			trip, applied = a.applyAction(ctx, session, trip, sub, events)
			records = append(records, applied...)
		}
		flush()
		return trip, records

	case ActionCallSearch:
		return trip, a.executeSearches(ctx, session, trip, []Action{action}, events)

	default:
		rec := ActionRecord{Action: action, StartedAt: time.Now()}
		emitEvent(ctx, events, TurnEvent{Type: EventActionStarted, Action: &rec})

		var err error
		switch action.Type {
		case ActionCreateItinerary:
			var created *TripPlan
			created, err = a.createItinerary(session, action)
			if err == nil {
				trip = created
			}
		case ActionUpdateReq:
			err = applyUpdateReq(trip, action)
		case ActionSelectOption:
			err = applySelectOption(trip, action)
		case ActionAskUser:
			// No state change; the question reaches the user via the reply.
		default:
			err = fmt.Errorf("unknown action type %q", action.Type)
		}

		rec.CompletedAt = time.Now()
		if err != nil {
			rec.Status = ActionStatusFailed
			rec.Error = err.Error()
		} else {
			rec.Status = ActionStatusOK
		}
		a.recordActionEvent(ctx, rec)
		emitEvent(ctx, events, TurnEvent{Type: EventActionCompleted, Action: &rec})
		return trip, []ActionRecord{rec}
	}
}

// executeSearches dispatches inventory searches, at most MaxConcurrentSearches
// at a time. Each action targets one segment; segments move to SEARCHING
// before dispatch so prompts built mid-flight see the truth. In agent mode,
// settled segments get their top option selected automatically.
func (a *TravelAgent) executeSearches(ctx context.Context, session Session, trip *TripPlan, searches []Action, events chan<- TurnEvent) []ActionRecord {
	records := make([]ActionRecord, len(searches))
	targets := make([]*Segment, len(searches))

	for i, act := range searches {
		rec := ActionRecord{Action: act, StartedAt: time.Now()}
		seg, err := requireSegment(act.SegmentID, trip)
		if err == nil && !seg.Status.CanTransition(SegmentSearching) {
			err = fmt.Errorf("segment %s is %s and cannot be searched", seg.ID, seg.Status)
		}
		if err != nil {
			rec.Status = ActionStatusFailed
			rec.Error = err.Error()
			rec.CompletedAt = time.Now()
			records[i] = rec
			a.recordActionEvent(ctx, rec)
			continue
		}
		if len(act.Requirements) > 0 {
			if seg.Requirements == nil {
				seg.Requirements = Requirements{}
			}
			for k, v := range act.Requirements {
				seg.Requirements[k] = v
			}
		}
		seg.Status = SegmentSearching
		seg.Error = ""
		targets[i] = seg
		records[i] = rec
		emitEvent(ctx, events, TurnEvent{Type: EventActionStarted, Action: &rec})
	}

	var wg sync.WaitGroup
	for i := range searches {
		seg := targets[i]
		if seg == nil {
			continue
		}
		wg.Add(1)
		go func(idx int, seg *Segment) {
			defer wg.Done()

			select {
			case a.searchSem <- struct{}{}:
				defer func() { <-a.searchSem }()
			case <-ctx.Done():
				seg.Status = SegmentPending
				seg.Error = ctx.Err().Error()
				records[idx].Status = ActionStatusFailed
				records[idx].Error = ctx.Err().Error()
				records[idx].CompletedAt = time.Now()
				return
			}

			err := a.searchSegment(ctx, seg, trip.Currency, trip.Travelers)
			records[idx].CompletedAt = time.Now()
			if err != nil {
				records[idx].Status = ActionStatusFailed
				records[idx].Error = err.Error()
			} else {
				records[idx].Status = ActionStatusOK
				if seg.Error != "" {
					records[idx].Error = seg.Error
				}
			}
			a.recordActionEvent(ctx, records[idx])
			emitEvent(ctx, events, TurnEvent{Type: EventActionCompleted, Action: &records[idx]})
		}(i, seg)
	}
	wg.Wait()

	if session.Mode != ModeAgent {
		return records
	}

	// Auto-select the winner for every segment the searches just settled.
	var autoRecords []ActionRecord
	for _, seg := range targets {
		if seg == nil || seg.Status != SegmentSelecting || len(seg.OptionsPool) == 0 {
			continue
		}
		auto := Action{
			Type:      ActionSelectOption,
			SegmentID: seg.ID,
			OptionID:  seg.OptionsPool[0].ID,
			Reason:    "top ranked option selected automatically in agent mode",
		}
		rec := ActionRecord{Action: auto, StartedAt: time.Now()}
		if err := applySelectOption(trip, auto); err != nil {
			rec.Status = ActionStatusFailed
			rec.Error = err.Error()
		} else {
			rec.Status = ActionStatusOK
		}
		rec.CompletedAt = time.Now()
		a.recordActionEvent(ctx, rec)
		emitEvent(ctx, events, TurnEvent{Type: EventActionCompleted, Action: &rec})
		autoRecords = append(autoRecords, rec)
	}
	return append(records, autoRecords...)
}

// searchSegment runs one inventory search and applies the outcome to the
// segment: SELECTING with a ranked pool on results, back to PENDING with
// Error on failure or an empty pool.
func (a *TravelAgent) searchSegment(ctx context.Context, seg *Segment, currency string, travelers int) error {
	searchCtx := ctx
	if a.config.Agents.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, a.config.Agents.SearchTimeout)
		defer cancel()
	}
	searchCtx, span := orchestratorTracer.Start(searchCtx, "agent.search",
		trace.WithAttributes(
			attribute.String("segment.id", seg.ID),
			attribute.String("segment.type", string(seg.Type)),
		))
	defer span.End()

	req := seg.Requirements.Clone()
	if req == nil {
		req = Requirements{}
	}
	if req.String("currency") == "" && currency != "" {
		req["currency"] = currency
	}
	if req.Int("adults") == 0 && travelers > 0 {
		req["adults"] = travelers
	}

	started := time.Now()
	var (
		options  []Option
		err      error
		provider string
	)
	switch seg.Type {
	case SegmentFlight:
		provider = "amadeus_flights"
		options, err = a.searcher.SearchFlights(searchCtx, req)
	case SegmentHotel:
		provider = "amadeus_hotels"
		options, err = a.searcher.SearchHotels(searchCtx, req)
	case SegmentTransfer:
		provider = "amadeus_transfers"
		options, err = a.searcher.SearchTransfers(searchCtx, req)
	default:
		err = fmt.Errorf("unknown segment type %q", seg.Type)
	}

	if a.telemetry != nil {
		a.telemetry.RecordSearchEvent(ctx, telemetry.SearchEvent{
			ID:        seg.ID,
			Provider:  provider,
			StartTime: started,
			EndTime:   time.Now(),
			Duration:  time.Since(started),
			Success:   err == nil,
			Error:     errString(err),
			Results:   len(options),
		})
	}

	now := time.Now()
	seg.SearchedAt = &now
	if err != nil {
		seg.Status = SegmentPending
		seg.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(options) == 0 {
		seg.Status = SegmentPending
		seg.Error = "no results found"
		span.SetStatus(codes.Ok, "no results")
		return nil
	}

	rankOptions(options, a.config.Agents.Scoring)
	seg.OptionsPool = options
	seg.SelectedOption = nil
	seg.Status = SegmentSelecting
	seg.Error = ""
	span.SetAttributes(attribute.Int("search.results", len(options)))
	span.SetStatus(codes.Ok, "completed")
	return nil
}

// RefreshSegmentOptions re-runs the inventory search for a SELECTING segment
// and replaces its pool with fresh ranked results. When the refresh fails or
// comes back empty, the previous pool is restored: a stale pool still beats
// no pool. The caller persists the trip.
func (a *TravelAgent) RefreshSegmentOptions(ctx context.Context, trip *TripPlan, segmentID string) error {
	seg, err := requireSegment(segmentID, trip)
	if err != nil {
		return err
	}
	if seg.Status != SegmentSelecting {
		return fmt.Errorf("segment %s is %s; only SELECTING segments can be refreshed", seg.ID, seg.Status)
	}

	oldPool := seg.OptionsPool
	oldSearched := seg.SearchedAt
	seg.Status = SegmentSearching

	err = a.searchSegment(ctx, seg, trip.Currency, trip.Travelers)
	if err != nil || seg.Status != SegmentSelecting {
		seg.Status = SegmentSelecting
		seg.OptionsPool = oldPool
		seg.SearchedAt = oldSearched
		seg.Error = ""
		if err != nil {
			return err
		}
		return fmt.Errorf("refresh for segment %s returned no results", seg.ID)
	}
	return nil
}

// createItinerary builds a fresh trip plan from a CREATE_ITINERARY action.
func (a *TravelAgent) createItinerary(session Session, action Action) (*TripPlan, error) {
	if len(action.Segments) == 0 {
		return nil, fmt.Errorf("CREATE_ITINERARY needs at least one segment")
	}
	meta := action.Trip
	if meta == nil {
		meta = &TripMeta{}
	}
	travelers := meta.Travelers
	if travelers <= 0 {
		travelers = 1
	}
	currency := strings.ToUpper(strings.TrimSpace(meta.Currency))
	if currency == "" {
		currency = a.config.Amadeus.Currency
	}
	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = "New trip"
	}

	now := time.Now()
	trip := &TripPlan{
		ID:        uuid.NewString(),
		UserID:    session.UserID,
		SessionID: session.ID,
		Title:     title,
		HomeCity:  strings.ToUpper(strings.TrimSpace(meta.HomeCity)),
		Travelers: travelers,
		Currency:  currency,
		Language:  meta.Language,
		Status:    TripStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, draft := range action.Segments {
		segType, err := ParseSegmentType(string(draft.Type))
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		trip.Segments = append(trip.Segments, Segment{
			ID:           fmt.Sprintf("seg-%d", i+1),
			Type:         segType,
			Status:       SegmentPending,
			Requirements: draft.Requirements.Clone(),
		})
	}
	return trip, nil
}

// applyUpdateReq patches a segment's requirements and resets it to PENDING.
// A nil value removes the key.
func applyUpdateReq(trip *TripPlan, action Action) error {
	seg, err := requireSegment(action.SegmentID, trip)
	if err != nil {
		return err
	}
	if len(action.Requirements) == 0 {
		return fmt.Errorf("UPDATE_REQ needs non-empty requirements")
	}
	if seg.Requirements == nil {
		seg.Requirements = Requirements{}
	}
	for k, v := range action.Requirements {
		if v == nil {
			delete(seg.Requirements, k)
			continue
		}
		seg.Requirements[k] = v
	}
	seg.Status = SegmentPending
	seg.OptionsPool = nil
	seg.SelectedOption = nil
	seg.SearchedAt = nil
	seg.Error = ""
	return nil
}

// applySelectOption confirms one option from the segment's pool.
func applySelectOption(trip *TripPlan, action Action) error {
	if trip == nil {
		return fmt.Errorf("no trip exists yet; use CREATE_ITINERARY")
	}
	return trip.SelectOption(action.SegmentID, action.OptionID)
}

// recalcTripStatus derives the plan-phase trip status from its segments.
// Booking-phase statuses are owned by the booking pipeline and never touched.
func recalcTripStatus(trip *TripPlan) {
	if trip == nil {
		return
	}
	switch trip.Status {
	case TripStatusBooking, TripStatusBooked, TripStatusCancelled:
		return
	}
	if trip.AllConfirmed() {
		trip.Status = TripStatusReady
		return
	}
	for i := range trip.Segments {
		seg := &trip.Segments[i]
		if seg.Status != SegmentPending || seg.SelectedOption != nil || len(seg.OptionsPool) > 0 || seg.SearchedAt != nil {
			trip.Status = TripStatusPlanning
			return
		}
	}
	trip.Status = TripStatusDraft
}

// applyApprovedBooking handles a turn where the user confirmed a held
// booking instead of sending a new instruction.
func (a *TravelAgent) applyApprovedBooking(ctx context.Context, session Session, trip *TripPlan, outcome *TurnOutcome) {
	switch {
	case trip == nil || !trip.AllConfirmed():
		outcome.Interrupted = "no fully confirmed trip to book"
	case trip.Status == TripStatusBooking || trip.Status == TripStatusBooked:
		outcome.BookingID = trip.BookingID
	default:
		a.requestBooking(ctx, session, trip, "user", outcome)
	}
}

// requestBooking hands the trip to the asynchronous booking pipeline.
func (a *TravelAgent) requestBooking(ctx context.Context, session Session, trip *TripPlan, requestedBy string, outcome *TurnOutcome) {
	if a.booker == nil {
		outcome.Interrupted = "booking is not available right now"
		return
	}
	req := BookingRequest{
		TripID:         trip.ID,
		SessionID:      session.ID,
		UserID:         session.UserID,
		Total:          trip.ConfirmedTotal(),
		RequestedBy:    requestedBy,
		IdempotencyKey: uuid.NewString(),
	}
	id, err := a.booker.RequestBooking(ctx, req)
	if err != nil {
		a.logger.Printf("booking request for trip %s failed: %v", trip.ID, err)
		outcome.Interrupted = fmt.Sprintf("booking request failed: %v", err)
		return
	}
	trip.Status = TripStatusBooking
	trip.BookingID = id
	outcome.BookingID = id
	a.logger.Printf("booking %s requested for trip %s by %s (total %s)", id, trip.ID, requestedBy, req.Total)
}

// BookTrip initiates booking for a fully confirmed trip outside the chat
// loop (the explicit booking endpoint). Repeat calls while a booking is in
// flight return the existing booking id. A card token makes the worker
// charge that token instead of the user's saved payment customer.
func (a *TravelAgent) BookTrip(ctx context.Context, userID, tripID, requestedBy, cardToken string) (string, error) {
	trip, err := a.trips.GetTrip(ctx, tripID)
	if err != nil {
		return "", fmt.Errorf("loading trip %s: %w", tripID, err)
	}
	if userID != "" && trip.UserID != userID {
		return "", fmt.Errorf("trip %s does not belong to user", tripID)
	}
	if trip.Status == TripStatusBooking || trip.Status == TripStatusBooked {
		return trip.BookingID, nil
	}
	if !trip.AllConfirmed() {
		return "", ErrTripNotReady
	}
	if a.booker == nil {
		return "", fmt.Errorf("booking pipeline unavailable")
	}

	req := BookingRequest{
		TripID:         trip.ID,
		SessionID:      trip.SessionID,
		UserID:         trip.UserID,
		Total:          trip.ConfirmedTotal(),
		RequestedBy:    requestedBy,
		CardToken:      cardToken,
		IdempotencyKey: uuid.NewString(),
	}
	id, err := a.booker.RequestBooking(ctx, req)
	if err != nil {
		return "", fmt.Errorf("requesting booking: %w", err)
	}
	trip.Status = TripStatusBooking
	trip.BookingID = id
	trip.UpdatedAt = time.Now()
	if err := a.trips.SaveTrip(ctx, trip); err != nil {
		return id, fmt.Errorf("saving trip: %w", err)
	}
	a.logger.Printf("booking %s requested for trip %s by %s", id, trip.ID, requestedBy)
	return id, nil
}

// fetchGuideContext pulls destination notes for the responder when the
// controller asked for them.
func (a *TravelAgent) fetchGuideContext(ctx context.Context, query, language string) string {
	if query == "" || a.guides == nil {
		return ""
	}
	guideCtx := ctx
	if a.config.Guides.FetchTimeout > 0 {
		var cancel context.CancelFunc
		guideCtx, cancel = context.WithTimeout(ctx, a.config.Guides.FetchTimeout)
		defer cancel()
	}
	text, err := a.guides.Guide(guideCtx, query, language)
	if err != nil {
		a.logger.Printf("guide lookup %q failed: %v", query, err)
		return ""
	}
	return text
}

// recordSpend accumulates one LLM call into the turn usage, the usage
// ledger, telemetry, and the budget monitor. The returned error is the
// monitor's breach, if any.
func (a *TravelAgent) recordSpend(ctx context.Context, session Session, role, model string, tokensIn, tokensOut int64, monitor *budget.Monitor, usage *TurnUsage) error {
	cost := a.llmProvider.CalculateCost(tokensIn, tokensOut, model)
	usage.Cost += cost
	usage.TokensIn += tokensIn
	usage.TokensOut += tokensOut
	usage.Models = appendUnique(usage.Models, model)

	if a.telemetry != nil {
		a.telemetry.RecordLLMCall(role, model, tokensIn, tokensOut, cost)
	}
	if a.usage != nil {
		if err := a.usage.RecordLLMUsage(ctx, LLMUsage{
			SessionID: session.ID,
			UserID:    session.UserID,
			Role:      role,
			Model:     model,
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
			Cost:      cost,
		}); err != nil {
			a.logger.Printf("usage ledger write failed: %v", err)
		}
	}
	if monitor != nil {
		return monitor.Add(cost, tokensIn+tokensOut)
	}
	return nil
}

func (a *TravelAgent) recordActionEvent(ctx context.Context, rec ActionRecord) {
	if a.telemetry == nil {
		return
	}
	a.telemetry.RecordActionEvent(ctx, telemetry.ActionEvent{
		ID:         uuid.NewString(),
		ActionType: string(rec.Action.Type),
		SegmentID:  rec.Action.SegmentID,
		StartTime:  rec.StartedAt,
		EndTime:    rec.CompletedAt,
		Duration:   rec.CompletedAt.Sub(rec.StartedAt),
		Success:    rec.Status == ActionStatusOK,
		Error:      rec.Error,
	})
}

// GetPerformanceMetrics returns performance metrics
func (a *TravelAgent) GetPerformanceMetrics() map[string]interface{} {
	if a.telemetry == nil {
		return map[string]interface{}{}
	}
	metrics := a.telemetry.GetMetrics()
	costs := a.telemetry.GetCostSummary()
	return map[string]interface{}{
		"metrics": metrics,
		"costs":   costs,
		"report":  a.telemetry.GetPerformanceReport(),
	}
}

// emitEvent delivers a progress event without ever blocking a turn past
// its context.
func emitEvent(ctx context.Context, events chan<- TurnEvent, ev TurnEvent) {
	if events == nil {
		return
	}
	ev.At = time.Now()
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
