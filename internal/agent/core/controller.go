package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/voyatrip/voya/config"
)

// Controller turns the conversation state into the next structured action.
// It is the decision half of the turn loop; it never talks to the user.
type Controller struct {
	config      *config.Config
	llmProvider LLMProvider
	logger      *log.Logger
}

// NewController creates a new controller instance
func NewController(cfg *config.Config, llmProvider LLMProvider) *Controller {
	return &Controller{
		config:      cfg,
		llmProvider: llmProvider,
		logger:      log.New(log.Writer(), "[CONTROLLER] ", log.LstdFlags),
	}
}

const controllerSystem = `You are the controller of a travel planning assistant. You do not talk to the user. You read the trip state and the conversation and decide exactly one next action as JSON. Return ONLY valid JSON, no prose, no markdown fences.`

// Decide asks the controller model for the next action given the turn state.
// It returns the parsed action plus the token usage of the call(s).
func (c *Controller) Decide(ctx context.Context, state TurnState) (Action, int64, int64, error) {
	prompt := c.buildPrompt(state)
	model := c.config.LLM.Routing.Controller

	var totalIn, totalOut int64
	response, inTok, outTok, err := c.llmProvider.GenerateWithTokens(ctx, prompt, model, map[string]interface{}{
		"temperature": 0.2, // Lower temperature for more consistent decisions
		"max_tokens":  1200,
		"system":      controllerSystem,
		"json":        true,
	})
	totalIn += inTok
	totalOut += outTok
	if err != nil {
		return Action{}, totalIn, totalOut, fmt.Errorf("controller generation failed: %w", err)
	}

	action, parseErr := parseAction(response)
	if parseErr == nil {
		parseErr = ValidateAction(action, state.Trip, 0)
	}
	if parseErr == nil {
		return action, totalIn, totalOut, nil
	}

	// One corrective retry with the failure spelled out, then give up and
	// hand the turn back to the user.
	c.logger.Printf("controller output rejected: %v", parseErr)
	retryPrompt := prompt + fmt.Sprintf(`

YOUR PREVIOUS OUTPUT WAS REJECTED: %s
Previous output (truncated): %s
Respond again with ONE valid action JSON object that fixes this.`, parseErr, truncate(response, 400))

	response, inTok, outTok, err = c.llmProvider.GenerateWithTokens(ctx, retryPrompt, model, map[string]interface{}{
		"temperature": 0.1,
		"max_tokens":  1200,
		"system":      controllerSystem,
		"json":        true,
	})
	totalIn += inTok
	totalOut += outTok
	if err != nil {
		return Action{}, totalIn, totalOut, fmt.Errorf("controller retry failed: %w", err)
	}

	action, parseErr = parseAction(response)
	if parseErr == nil {
		parseErr = ValidateAction(action, state.Trip, 0)
	}
	if parseErr != nil {
		c.logger.Printf("controller retry rejected, asking user: %v", parseErr)
		return Action{
			Type:     ActionAskUser,
			Question: clarifyQuestion(state),
			Reason:   "controller could not produce a valid action",
		}, totalIn, totalOut, nil
	}
	return action, totalIn, totalOut, nil
}

// buildPrompt renders the sectioned controller prompt.
func (c *Controller) buildPrompt(state TurnState) string {
	var b strings.Builder

	b.WriteString("TRIP STATE:\n")
	b.WriteString(tripStateJSON(state.Trip))
	b.WriteString("\n\nCONVERSATION (oldest first):\n")
	b.WriteString(renderHistory(state.History, c.config.Agents.HistoryWindow))
	b.WriteString(fmt.Sprintf("\nUSER MESSAGE: %s\n", state.Message))

	if len(state.Actions) > 0 {
		b.WriteString("\nACTIONS ALREADY TAKEN THIS TURN:\n")
		for _, rec := range state.Actions {
			line := fmt.Sprintf("- %s", rec.Action.Type)
			if rec.Action.SegmentID != "" {
				line += fmt.Sprintf(" segment=%s", rec.Action.SegmentID)
			}
			if rec.Action.OptionID != "" {
				line += fmt.Sprintf(" option=%s", rec.Action.OptionID)
			}
			line += fmt.Sprintf(" -> %s", rec.Status)
			if rec.Error != "" {
				line += fmt.Sprintf(" (%s)", truncate(rec.Error, 120))
			}
			b.WriteString(line + "\n")
		}
	}

	if state.GuideContext != "" {
		b.WriteString("\nDESTINATION GUIDE CONTEXT:\n")
		b.WriteString(truncate(state.GuideContext, 2000))
		b.WriteString("\n")
	}

	mode := state.Session.Mode
	b.WriteString(fmt.Sprintf("\nMODE: %s\n", mode))
	if mode == ModeAgent {
		b.WriteString(`In agent mode you drive the plan to completion on your own: search every segment, select the best option by score, and only ASK_USER when required information is missing and cannot be sensibly defaulted.
`)
	} else {
		b.WriteString(`In normal mode the user stays in control: search when asked, present options, and use SELECT_OPTION only when the user has clearly chosen one. Prefer ASK_USER over guessing.
`)
	}

	b.WriteString(fmt.Sprintf(`
RULES:
1. Choose exactly one action from: CREATE_ITINERARY, UPDATE_REQ, CALL_SEARCH, SELECT_OPTION, ASK_USER, BATCH.
2. CREATE_ITINERARY only when no trip exists yet. Include a "trip" object and a "segments" list of {type, requirements}. Segment types: flight, hotel, transfer.
3. UPDATE_REQ changes one segment's requirements. The segment returns to PENDING and must be searched again.
4. CALL_SEARCH dispatches an inventory search for one PENDING or SELECTING segment. Never search a CONFIRMED segment; update its requirements first.
5. SELECT_OPTION picks option_id from the segment's options_pool. Only valid while the segment is SELECTING.
6. ASK_USER stops the turn and asks the user one clear question.
7. BATCH groups independent actions (typically several CALL_SEARCH). No ASK_USER or BATCH inside a batch. At most %d actions run per turn.
8. segment_id and option_id must come from TRIP STATE verbatim.
9. Dates are YYYY-MM-DD. Airport and city codes are IATA. Requirements use keys like origin, destination, departure_date, return_date, adults, city, check_in, check_out, rooms, pickup, dropoff, pickup_datetime.
10. You may set "guide_query" alongside any action when destination background would help the next decision.
11. When every segment is CONFIRMED, do not search again; ASK_USER to confirm booking unless the user already agreed.

OUTPUT FORMAT (JSON):
{
  "type": "CALL_SEARCH",
  "trip": {"title": "...", "home_city": "BKK", "travelers": 2, "currency": "THB"},
  "segments": [{"type": "flight", "requirements": {"origin": "BKK", "destination": "CNX", "departure_date": "2026-09-12", "adults": 2}}],
  "segment_id": "...",
  "requirements": {},
  "option_id": "...",
  "question": "...",
  "guide_query": "...",
  "actions": [],
  "reason": "short explanation"
}
Include only the fields your chosen action needs.`, c.config.Agents.MaxActionsPerTurn))

	return b.String()
}

// parseAction extracts and decodes the first JSON object in the response.
func parseAction(response string) (Action, error) {
	jsonStr := extractFirstJSON(response)
	if jsonStr == "" {
		return Action{}, fmt.Errorf("no JSON found in response")
	}

	var raw struct {
		Type         string         `json:"type"`
		Trip         *TripMeta      `json:"trip"`
		Segments     []SegmentDraft `json:"segments"`
		SegmentID    string         `json:"segment_id"`
		Requirements Requirements   `json:"requirements"`
		OptionID     string         `json:"option_id"`
		Question     string         `json:"question"`
		GuideQuery   string         `json:"guide_query"`
		Actions      []Action       `json:"actions"`
		Reason       string         `json:"reason"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		// lenient fallback: pull the essentials out of a generic map
		var generic map[string]interface{}
		if err2 := json.Unmarshal([]byte(jsonStr), &generic); err2 != nil {
			return Action{}, fmt.Errorf("failed to parse JSON: %w", err)
		}
		typ, _ := generic["type"].(string)
		at, aerr := ParseActionType(typ)
		if aerr != nil {
			return Action{}, aerr
		}
		action := Action{Type: at}
		if v, ok := generic["segment_id"].(string); ok {
			action.SegmentID = v
		}
		if v, ok := generic["option_id"].(string); ok {
			action.OptionID = v
		}
		if v, ok := generic["question"].(string); ok {
			action.Question = v
		}
		if v, ok := generic["guide_query"].(string); ok {
			action.GuideQuery = v
		}
		if v, ok := generic["reason"].(string); ok {
			action.Reason = v
		}
		if v, ok := generic["requirements"].(map[string]interface{}); ok {
			action.Requirements = Requirements(v)
		}
		return action, nil
	}

	at, err := ParseActionType(raw.Type)
	if err != nil {
		return Action{}, err
	}
	action := Action{
		Type:         at,
		Trip:         raw.Trip,
		Segments:     raw.Segments,
		SegmentID:    strings.TrimSpace(raw.SegmentID),
		Requirements: raw.Requirements,
		OptionID:     strings.TrimSpace(raw.OptionID),
		Question:     strings.TrimSpace(raw.Question),
		GuideQuery:   strings.TrimSpace(raw.GuideQuery),
		Actions:      raw.Actions,
		Reason:       strings.TrimSpace(raw.Reason),
	}
	// Normalize nested action types; they arrive as raw strings.
	for i := range action.Actions {
		sub, err := ParseActionType(string(action.Actions[i].Type))
		if err != nil {
			return Action{}, fmt.Errorf("batch item %d: %w", i, err)
		}
		action.Actions[i].Type = sub
	}
	return action, nil
}

// extractFirstJSON scans for the first balanced JSON object.
func extractFirstJSON(response string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range response {
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return response[start : i+1]
			}
		}
	}
	return ""
}

// ValidateAction enforces the per-action rules against the current trip.
// depth guards against nested batches.
func ValidateAction(a Action, trip *TripPlan, depth int) error {
	switch a.Type {
	case ActionCreateItinerary:
		if trip != nil && len(trip.Segments) > 0 {
			return fmt.Errorf("trip already exists; use UPDATE_REQ or CALL_SEARCH")
		}
		if len(a.Segments) == 0 {
			return fmt.Errorf("CREATE_ITINERARY needs at least one segment")
		}
		for i, draft := range a.Segments {
			if _, err := ParseSegmentType(string(draft.Type)); err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
		}
		return nil

	case ActionUpdateReq:
		seg, err := requireSegment(a.SegmentID, trip)
		if err != nil {
			return err
		}
		if len(a.Requirements) == 0 {
			return fmt.Errorf("UPDATE_REQ needs non-empty requirements")
		}
		_ = seg
		return nil

	case ActionCallSearch:
		seg, err := requireSegment(a.SegmentID, trip)
		if err != nil {
			return err
		}
		if seg.Status == SegmentConfirmed {
			return fmt.Errorf("segment %s is CONFIRMED; update requirements before searching again", seg.ID)
		}
		if seg.Status == SegmentSearching {
			return fmt.Errorf("segment %s is already SEARCHING", seg.ID)
		}
		if len(seg.Requirements) == 0 && len(a.Requirements) == 0 {
			return fmt.Errorf("segment %s has no requirements to search with", seg.ID)
		}
		return nil

	case ActionSelectOption:
		seg, err := requireSegment(a.SegmentID, trip)
		if err != nil {
			return err
		}
		if seg.Status != SegmentSelecting {
			return fmt.Errorf("segment %s is %s; options can only be selected while SELECTING", seg.ID, seg.Status)
		}
		if a.OptionID == "" {
			return fmt.Errorf("SELECT_OPTION needs option_id")
		}
		if _, ok := seg.Option(a.OptionID); !ok {
			return fmt.Errorf("option %s is not in segment %s options_pool", a.OptionID, seg.ID)
		}
		return nil

	case ActionAskUser:
		if strings.TrimSpace(a.Question) == "" {
			return fmt.Errorf("ASK_USER needs a question")
		}
		return nil

	case ActionBatch:
		if depth > 0 {
			return fmt.Errorf("nested BATCH is not allowed")
		}
		if len(a.Actions) == 0 {
			return fmt.Errorf("BATCH needs at least one action")
		}
		for i, sub := range a.Actions {
			if sub.Type == ActionBatch || sub.Type == ActionAskUser {
				return fmt.Errorf("batch item %d: %s not allowed inside BATCH", i, sub.Type)
			}
			if err := ValidateAction(sub, trip, depth+1); err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

func requireSegment(id string, trip *TripPlan) (*Segment, error) {
	if trip == nil {
		return nil, fmt.Errorf("no trip exists yet; use CREATE_ITINERARY")
	}
	if id == "" {
		return nil, fmt.Errorf("segment_id is required")
	}
	seg, ok := trip.Segment(id)
	if !ok {
		return nil, fmt.Errorf("segment %s not found in trip", id)
	}
	return seg, nil
}

// tripStateJSON renders a compact view of the trip for prompts.
func tripStateJSON(trip *TripPlan) string {
	if trip == nil {
		return "No trip created yet."
	}

	type optionView struct {
		ID       string  `json:"id"`
		Provider string  `json:"provider"`
		Summary  string  `json:"summary"`
		Price    string  `json:"price"`
		Score    float64 `json:"score"`
	}
	type segmentView struct {
		ID           string       `json:"id"`
		Type         SegmentType  `json:"type"`
		Status       string       `json:"status"`
		Requirements Requirements `json:"requirements,omitempty"`
		Options      []optionView `json:"options_pool,omitempty"`
		SelectedID   string       `json:"selected_option_id,omitempty"`
		Error        string       `json:"error,omitempty"`
	}
	type tripView struct {
		ID        string        `json:"id"`
		Title     string        `json:"title"`
		Status    TripStatus    `json:"status"`
		HomeCity  string        `json:"home_city,omitempty"`
		Travelers int           `json:"travelers"`
		Currency  string        `json:"currency"`
		Segments  []segmentView `json:"segments"`
	}

	view := tripView{
		ID:        trip.ID,
		Title:     trip.Title,
		Status:    trip.Status,
		HomeCity:  trip.HomeCity,
		Travelers: trip.Travelers,
		Currency:  trip.Currency,
	}
	for _, seg := range trip.Segments {
		sv := segmentView{
			ID:           seg.ID,
			Type:         seg.Type,
			Status:       string(seg.Status),
			Requirements: seg.Requirements,
			Error:        seg.Error,
		}
		// Show at most the top scored options so prompts stay small.
		pool := seg.OptionsPool
		if len(pool) > 5 {
			pool = pool[:5]
		}
		for _, opt := range pool {
			sv.Options = append(sv.Options, optionView{
				ID:       opt.ID,
				Provider: opt.Provider,
				Summary:  truncate(opt.Summary, 140),
				Price:    opt.Price.String(),
				Score:    opt.Score,
			})
		}
		if seg.SelectedOption != nil {
			sv.SelectedID = seg.SelectedOption.ID
		}
		view.Segments = append(view.Segments, sv)
	}

	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Sprintf("trip %s (unrenderable: %v)", trip.ID, err)
	}
	return string(data)
}

// renderHistory formats the most recent messages, oldest first.
func renderHistory(history []ChatMessage, window int) string {
	if window <= 0 {
		window = 20
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	if len(history) == 0 {
		return "(no prior messages)\n"
	}
	var b strings.Builder
	for _, msg := range history {
		b.WriteString(fmt.Sprintf("%s: %s\n", msg.Role, truncate(msg.Content, 300)))
	}
	return b.String()
}

func clarifyQuestion(state TurnState) string {
	if strings.EqualFold(languageOf(state), "th") {
		return "ขอโทษค่ะ ช่วยอธิบายเพิ่มเติมได้ไหมคะว่าต้องการปรับแผนเดินทางอย่างไร"
	}
	return "Sorry, could you clarify what you would like me to do with your trip?"
}

func languageOf(state TurnState) string {
	if state.Language != "" {
		return state.Language
	}
	if state.Session.Language != "" {
		return state.Session.Language
	}
	return detectLanguage(state.Message)
}

// truncate shortens to max runes. Byte slicing would split Thai characters.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
