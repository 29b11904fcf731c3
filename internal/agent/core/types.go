package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voyatrip/voya/internal/budget"
)

// Mode selects how much autonomy the assistant has within a session.
type Mode string

const (
	// ModeNormal asks the user before selecting options or booking.
	ModeNormal Mode = "normal"
	// ModeAgent lets the assistant select the best options and book on its
	// own, subject to the session budget's approval rules.
	ModeAgent Mode = "agent"
)

// ParseMode normalizes a mode string, defaulting to normal.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeAgent):
		return ModeAgent
	default:
		return ModeNormal
	}
}

// TripStatus describes the lifecycle of a whole trip plan.
type TripStatus string

const (
	TripStatusDraft     TripStatus = "draft"
	TripStatusPlanning  TripStatus = "planning"
	TripStatusReady     TripStatus = "ready"
	TripStatusBooking   TripStatus = "booking"
	TripStatusBooked    TripStatus = "booked"
	TripStatusCancelled TripStatus = "cancelled"
)

// SegmentType identifies what kind of inventory a segment holds.
type SegmentType string

const (
	SegmentFlight   SegmentType = "flight"
	SegmentHotel    SegmentType = "hotel"
	SegmentTransfer SegmentType = "transfer"
)

// ParseSegmentType normalizes a segment type string.
func ParseSegmentType(s string) (SegmentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(SegmentFlight):
		return SegmentFlight, nil
	case string(SegmentHotel):
		return SegmentHotel, nil
	case string(SegmentTransfer):
		return SegmentTransfer, nil
	default:
		return "", fmt.Errorf("unknown segment type %q", s)
	}
}

// SegmentStatus is the per-segment state machine. A segment starts PENDING,
// moves to SEARCHING when a search is dispatched, to SELECTING once options
// arrive, and to CONFIRMED when one option is chosen. Requirement changes
// send it back to PENDING.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "PENDING"
	SegmentSearching SegmentStatus = "SEARCHING"
	SegmentSelecting SegmentStatus = "SELECTING"
	SegmentConfirmed SegmentStatus = "CONFIRMED"
)

var segmentTransitions = map[SegmentStatus][]SegmentStatus{
	SegmentPending:   {SegmentSearching},
	SegmentSearching: {SegmentSelecting, SegmentPending},
	SegmentSelecting: {SegmentConfirmed, SegmentSearching, SegmentPending},
	SegmentConfirmed: {SegmentPending},
}

// CanTransition reports whether moving to next is a legal state change.
func (s SegmentStatus) CanTransition(next SegmentStatus) bool {
	for _, allowed := range segmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Requirements holds the search constraints for a segment as produced by the
// controller model: origin, destination, dates, traveller counts and so on.
// Keys are free-form so the model can carry anything the adapters understand.
type Requirements map[string]interface{}

// String returns the string value for key, or empty.
func (r Requirements) String(key string) string {
	if r == nil {
		return ""
	}
	if v, ok := r[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Int returns the integer value for key, tolerating JSON numbers.
func (r Requirements) Int(key string) int {
	if r == nil {
		return 0
	}
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Float returns the float value for key, tolerating JSON numbers.
func (r Requirements) Float(key string) float64 {
	if r == nil {
		return 0
	}
	switch v := r[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Clone produces a shallow copy of the requirement map.
func (r Requirements) Clone() Requirements {
	if r == nil {
		return nil
	}
	out := make(Requirements, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Money is an amount in a specific currency.
type Money struct {
	Amount   float64 `json:"amount" bson:"amount"`
	Currency string  `json:"currency" bson:"currency"`
}

func (m Money) String() string {
	return fmt.Sprintf("%.2f %s", m.Amount, m.Currency)
}

// Option is one concrete search result a user (or the agent) can select.
type Option struct {
	ID       string                 `json:"id" bson:"id"`
	Provider string                 `json:"provider" bson:"provider"` // carrier, hotel chain or transfer operator code
	Summary  string                 `json:"summary" bson:"summary"`
	Price    Money                  `json:"price" bson:"price"`
	Details  map[string]interface{} `json:"details,omitempty" bson:"details,omitempty"`
	Score    float64                `json:"score" bson:"score"`
}

// Segment is one bookable leg of a trip: a flight, a hotel stay or a
// ground transfer.
type Segment struct {
	ID             string        `json:"id" bson:"id"`
	Type           SegmentType   `json:"type" bson:"type"`
	Status         SegmentStatus `json:"status" bson:"status"`
	Requirements   Requirements  `json:"requirements" bson:"requirements"`
	OptionsPool    []Option      `json:"options_pool,omitempty" bson:"options_pool,omitempty"`
	SelectedOption *Option       `json:"selected_option,omitempty" bson:"selected_option,omitempty"`
	SearchedAt     *time.Time    `json:"searched_at,omitempty" bson:"searched_at,omitempty"`
	Error          string        `json:"error,omitempty" bson:"error,omitempty"`
}

// Option returns the pooled option with the given id.
func (s *Segment) Option(id string) (*Option, bool) {
	for i := range s.OptionsPool {
		if s.OptionsPool[i].ID == id {
			return &s.OptionsPool[i], true
		}
	}
	return nil, false
}

// TripPlan is the mutable state a conversation builds up: trip metadata plus
// an ordered list of segments.
type TripPlan struct {
	ID        string     `json:"id" bson:"_id"`
	UserID    string     `json:"user_id" bson:"user_id"`
	SessionID string     `json:"session_id" bson:"session_id"`
	Title     string     `json:"title" bson:"title"`
	HomeCity  string     `json:"home_city,omitempty" bson:"home_city,omitempty"`
	Travelers int        `json:"travelers" bson:"travelers"`
	Currency  string     `json:"currency" bson:"currency"`
	Language  string     `json:"language,omitempty" bson:"language,omitempty"`
	Status    TripStatus `json:"status" bson:"status"`
	Segments  []Segment  `json:"segments" bson:"segments"`
	Notes     []string   `json:"notes,omitempty" bson:"notes,omitempty"`
	BookingID string     `json:"booking_id,omitempty" bson:"booking_id,omitempty"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

// Segment returns the segment with the given id.
func (t *TripPlan) Segment(id string) (*Segment, bool) {
	for i := range t.Segments {
		if t.Segments[i].ID == id {
			return &t.Segments[i], true
		}
	}
	return nil, false
}

// AllConfirmed reports whether every segment has a selected option.
func (t *TripPlan) AllConfirmed() bool {
	if len(t.Segments) == 0 {
		return false
	}
	for i := range t.Segments {
		if t.Segments[i].Status != SegmentConfirmed || t.Segments[i].SelectedOption == nil {
			return false
		}
	}
	return true
}

// SelectOption confirms one option from a segment's pool. The segment must be
// able to transition to CONFIRMED and the option must come from options_pool.
// When the selection completes the plan, the trip moves to ready; statuses
// owned by the booking pipeline are never touched.
func (t *TripPlan) SelectOption(segmentID, optionID string) error {
	if t == nil {
		return fmt.Errorf("no trip exists yet; use CREATE_ITINERARY")
	}
	if segmentID == "" {
		return fmt.Errorf("segment_id is required")
	}
	seg, ok := t.Segment(segmentID)
	if !ok {
		return fmt.Errorf("segment %s not found in trip", segmentID)
	}
	if !seg.Status.CanTransition(SegmentConfirmed) {
		return fmt.Errorf("segment %s is %s; options can only be selected while SELECTING", seg.ID, seg.Status)
	}
	opt, ok := seg.Option(optionID)
	if !ok {
		return fmt.Errorf("option %s is not in segment %s options_pool", optionID, seg.ID)
	}
	sel := *opt
	seg.SelectedOption = &sel
	seg.Status = SegmentConfirmed
	switch t.Status {
	case TripStatusBooking, TripStatusBooked, TripStatusCancelled:
	default:
		if t.AllConfirmed() {
			t.Status = TripStatusReady
		}
	}
	return nil
}

// ConfirmedTotal sums the selected option prices. Amounts in a currency other
// than the trip currency are summed as-is; the adapters request quotes in the
// trip currency so mixed results indicate an upstream problem.
func (t *TripPlan) ConfirmedTotal() Money {
	total := Money{Currency: t.Currency}
	for i := range t.Segments {
		sel := t.Segments[i].SelectedOption
		if sel == nil {
			continue
		}
		total.Amount += sel.Price.Amount
		if total.Currency == "" {
			total.Currency = sel.Price.Currency
		}
	}
	return total
}

// Clone produces a deep copy safe to hand to another goroutine.
func (t *TripPlan) Clone() *TripPlan {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Segments = make([]Segment, len(t.Segments))
	for i, seg := range t.Segments {
		cs := seg
		cs.Requirements = seg.Requirements.Clone()
		if len(seg.OptionsPool) > 0 {
			cs.OptionsPool = make([]Option, len(seg.OptionsPool))
			copy(cs.OptionsPool, seg.OptionsPool)
		}
		if seg.SelectedOption != nil {
			sel := *seg.SelectedOption
			cs.SelectedOption = &sel
		}
		if seg.SearchedAt != nil {
			at := *seg.SearchedAt
			cs.SearchedAt = &at
		}
		clone.Segments[i] = cs
	}
	if len(t.Notes) > 0 {
		clone.Notes = append([]string(nil), t.Notes...)
	}
	return &clone
}

// ActionType enumerates the decisions the controller model may emit.
type ActionType string

const (
	ActionCreateItinerary ActionType = "CREATE_ITINERARY"
	ActionUpdateReq       ActionType = "UPDATE_REQ"
	ActionCallSearch      ActionType = "CALL_SEARCH"
	ActionSelectOption    ActionType = "SELECT_OPTION"
	ActionAskUser         ActionType = "ASK_USER"
	ActionBatch           ActionType = "BATCH"
)

// ParseActionType normalizes an action type string.
func ParseActionType(s string) (ActionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(ActionCreateItinerary):
		return ActionCreateItinerary, nil
	case string(ActionUpdateReq):
		return ActionUpdateReq, nil
	case string(ActionCallSearch):
		return ActionCallSearch, nil
	case string(ActionSelectOption):
		return ActionSelectOption, nil
	case string(ActionAskUser):
		return ActionAskUser, nil
	case string(ActionBatch):
		return ActionBatch, nil
	default:
		return "", fmt.Errorf("unknown action type %q", s)
	}
}

// TripMeta carries trip-level fields for CREATE_ITINERARY.
type TripMeta struct {
	Title     string `json:"title,omitempty"`
	HomeCity  string `json:"home_city,omitempty"`
	Travelers int    `json:"travelers,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Language  string `json:"language,omitempty"`
}

// SegmentDraft describes a segment to create inside CREATE_ITINERARY.
type SegmentDraft struct {
	Type         SegmentType  `json:"type"`
	Requirements Requirements `json:"requirements,omitempty"`
}

// Action is one structured decision from the controller model.
type Action struct {
	Type         ActionType     `json:"type"`
	Trip         *TripMeta      `json:"trip,omitempty"`         // CREATE_ITINERARY
	Segments     []SegmentDraft `json:"segments,omitempty"`     // CREATE_ITINERARY
	SegmentID    string         `json:"segment_id,omitempty"`   // UPDATE_REQ, CALL_SEARCH, SELECT_OPTION
	Requirements Requirements   `json:"requirements,omitempty"` // UPDATE_REQ
	OptionID     string         `json:"option_id,omitempty"`    // SELECT_OPTION
	Question     string         `json:"question,omitempty"`     // ASK_USER
	GuideQuery   string         `json:"guide_query,omitempty"`  // optional destination guide lookup
	Actions      []Action       `json:"actions,omitempty"`      // BATCH
	Reason       string         `json:"reason,omitempty"`
}

// Fingerprint collapses an action to a comparable key for loop detection.
func (a Action) Fingerprint() string {
	var b strings.Builder
	b.WriteString(string(a.Type))
	b.WriteString("|")
	b.WriteString(a.SegmentID)
	b.WriteString("|")
	b.WriteString(a.OptionID)
	if a.Type == ActionAskUser {
		q := []rune(strings.ToLower(strings.TrimSpace(a.Question)))
		if len(q) > 48 {
			q = q[:48]
		}
		b.WriteString("|")
		b.WriteString(string(q))
	}
	for _, sub := range a.Actions {
		b.WriteString("|")
		b.WriteString(sub.Fingerprint())
	}
	return b.String()
}

// ActionRecord is an executed action with its outcome, kept for the turn
// transcript and for the controller's next iteration.
type ActionRecord struct {
	Action      Action    `json:"action" bson:"action"`
	Status      string    `json:"status" bson:"status"` // ok, failed, skipped
	Error       string    `json:"error,omitempty" bson:"error,omitempty"`
	StartedAt   time.Time `json:"started_at" bson:"started_at"`
	CompletedAt time.Time `json:"completed_at" bson:"completed_at"`
}

const (
	ActionStatusOK      = "ok"
	ActionStatusFailed  = "failed"
	ActionStatusSkipped = "skipped"
)

// ChatMessage is one utterance in a conversation.
type ChatMessage struct {
	Role      string    `json:"role" bson:"role"` // user, assistant
	Content   string    `json:"content" bson:"content"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Session holds the per-conversation settings the orchestrator needs.
type Session struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Title        string         `json:"title"`
	Mode         Mode           `json:"mode"`
	Language     string         `json:"language,omitempty"`
	ActiveTripID string         `json:"active_trip_id,omitempty"`
	Budget       *budget.Config `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TurnInput is a single user turn handed to the orchestrator.
type TurnInput struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	TripID         string `json:"trip_id,omitempty"` // plan against this trip instead of the session's active one
	Message        string `json:"message"`
	Mode           string `json:"mode,omitempty"`            // per-turn mode override
	ApproveBooking bool   `json:"approve_booking,omitempty"` // user confirms a pending booking approval
}

// TurnState is the snapshot the controller and responder prompts are built
// from: the trip so far, recent conversation, and what already happened in
// this turn.
type TurnState struct {
	Session      Session
	Trip         *TripPlan
	Message      string
	History      []ChatMessage
	Actions      []ActionRecord
	GuideContext string
	Language     string
}

// TurnOutcome summarises how a turn ended for the responder prompt.
type TurnOutcome struct {
	Actions           []ActionRecord
	Trip              *TripPlan
	Question          string // pending ASK_USER question, if any
	BookingID         string // booking request enqueued during this turn
	NeedsApproval     bool   // booking held until the user approves
	PendingApprovalID string
	ApprovalAmount    Money
	Interrupted       string // budget/loop/limit description when the loop stopped early
}

// TurnUsage aggregates LLM spend for one turn.
type TurnUsage struct {
	Cost      float64       `json:"cost" bson:"cost"`
	TokensIn  int64         `json:"tokens_in" bson:"tokens_in"`
	TokensOut int64         `json:"tokens_out" bson:"tokens_out"`
	Models    []string      `json:"models,omitempty" bson:"models,omitempty"`
	Elapsed   time.Duration `json:"elapsed" bson:"elapsed"`
}

// TurnResult is what a completed turn returns to the API layer.
type TurnResult struct {
	SessionID string         `json:"session_id"`
	TripID    string         `json:"trip_id,omitempty"`
	Reply     string         `json:"reply"`
	Question  string         `json:"question,omitempty"`
	Actions   []ActionRecord `json:"actions"`
	Trip      *TripPlan      `json:"trip,omitempty"`
	Usage     TurnUsage      `json:"usage"`
	CreatedAt time.Time      `json:"created_at"`

	// Booking outcome, set when the turn reached the booking stage.
	BookingID         string  `json:"booking_id,omitempty"`
	NeedsApproval     bool    `json:"needs_approval,omitempty"`
	PendingApprovalID string  `json:"pending_approval_id,omitempty"`
	ApprovalAmount    float64 `json:"approval_amount,omitempty"`
}

// TurnEventType labels streamed progress events.
type TurnEventType string

const (
	EventTurnStarted     TurnEventType = "turn_started"
	EventActionStarted   TurnEventType = "action_started"
	EventActionCompleted TurnEventType = "action_completed"
	EventReply           TurnEventType = "reply"
	EventTurnCompleted   TurnEventType = "turn_completed"
	EventTurnFailed      TurnEventType = "turn_failed"
)

// TurnEvent is one progress update emitted while a turn runs. Trip is a
// deep copy and safe to read after the turn continues.
type TurnEvent struct {
	Type   TurnEventType `json:"type"`
	Action *ActionRecord `json:"action,omitempty"`
	Reply  string        `json:"reply,omitempty"`
	Trip   *TripPlan     `json:"trip,omitempty"`
	Error  string        `json:"error,omitempty"`
	At     time.Time     `json:"at"`
}

// LLMProvider interface defines the contract for LLM providers
type LLMProvider interface {
	// Generate generates text using the LLM
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetAvailableModels returns available models
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	MaxTokens       int      `json:"max_tokens"`
	CostPer1KInput  float64  `json:"cost_per_1k_input"`
	CostPer1KOutput float64  `json:"cost_per_1k_output"`
	Capabilities    []string `json:"capabilities"`
	Description     string   `json:"description"`
}

// TravelSearcher searches inventory for a segment's requirements.
type TravelSearcher interface {
	SearchFlights(ctx context.Context, req Requirements) ([]Option, error)
	SearchHotels(ctx context.Context, req Requirements) ([]Option, error)
	SearchTransfers(ctx context.Context, req Requirements) ([]Option, error)
}

// TripStore persists trip plans.
type TripStore interface {
	SaveTrip(ctx context.Context, trip *TripPlan) error
	GetTrip(ctx context.Context, id string) (*TripPlan, error)
}

// SessionStore loads and updates chat sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (Session, error)
	SetSessionTrip(ctx context.Context, sessionID, tripID string) error
	TouchSession(ctx context.Context, id string) error
}

// ConversationStore persists turn transcripts and serves recent history.
type ConversationStore interface {
	AppendTurn(ctx context.Context, sessionID string, userMsg, assistantMsg ChatMessage, actions []ActionRecord, usage TurnUsage) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error)
}

// LLMUsage is one model call recorded to the usage ledger.
type LLMUsage struct {
	SessionID string
	UserID    string
	Role      string // controller, responder, summary
	Model     string
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

// UsageRecorder writes per-call LLM usage to the ledger.
type UsageRecorder interface {
	RecordLLMUsage(ctx context.Context, u LLMUsage) error
}

// BookingRequest asks the booking pipeline to purchase a fully confirmed trip.
// CardToken is set on manual bookings; agent bookings charge the user's saved
// payment customer instead.
type BookingRequest struct {
	TripID         string `json:"trip_id"`
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	Total          Money  `json:"total"`
	RequestedBy    string `json:"requested_by"` // user or agent
	CardToken      string `json:"card_token,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Booker hands a booking request to the asynchronous booking pipeline and
// returns the booking id it will settle under.
type Booker interface {
	RequestBooking(ctx context.Context, req BookingRequest) (string, error)
}

// GuideProvider returns destination guide context for a free-form query.
type GuideProvider interface {
	Guide(ctx context.Context, query, language string) (string, error)
}

// ApprovalRequest is a booking held for explicit user confirmation.
type ApprovalRequest struct {
	TripID    string
	SessionID string
	UserID    string
	Amount    Money
	Reason    string
}

// ApprovalStore persists pending booking approvals.
type ApprovalStore interface {
	CreatePendingApproval(ctx context.Context, req ApprovalRequest) (string, error)
}

// SearchIndexer feeds finished turns and trip snapshots into the search index.
type SearchIndexer interface {
	IndexTrip(ctx context.Context, trip *TripPlan) error
	IndexTurn(ctx context.Context, sessionID, userID, userMessage, reply string, at time.Time) error
}
