package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode"

	"github.com/voyatrip/voya/config"
)

// Responder writes the natural-language reply for a finished turn. It sees
// what the controller did and explains it in the user's language.
type Responder struct {
	config      *config.Config
	llmProvider LLMProvider
	logger      *log.Logger
}

// NewResponder creates a new responder instance
func NewResponder(cfg *config.Config, llmProvider LLMProvider) *Responder {
	return &Responder{
		config:      cfg,
		llmProvider: llmProvider,
		logger:      log.New(log.Writer(), "[RESPONDER] ", log.LstdFlags),
	}
}

const responderSystem = `You are a warm, efficient travel assistant. Reply to the user in plain text in their language. Never output JSON, internal ids or state names. Be concrete about prices, times and next steps, and keep replies short.`

// Reply produces the assistant's message for this turn.
func (r *Responder) Reply(ctx context.Context, state TurnState, outcome TurnOutcome) (string, int64, int64, error) {
	prompt := r.buildPrompt(state, outcome)
	model := r.config.LLM.Routing.Responder

	response, inTok, outTok, err := r.llmProvider.GenerateWithTokens(ctx, prompt, model, map[string]interface{}{
		"temperature": 0.7,
		"max_tokens":  700,
		"system":      responderSystem,
	})
	if err != nil {
		// The actions already ran; a canned reply beats failing the turn.
		r.logger.Printf("responder generation failed, using fallback: %v", err)
		return fallbackReply(state, outcome), inTok, outTok, nil
	}
	reply := strings.TrimSpace(response)
	if reply == "" {
		reply = fallbackReply(state, outcome)
	}
	return reply, inTok, outTok, nil
}

func (r *Responder) buildPrompt(state TurnState, outcome TurnOutcome) string {
	var b strings.Builder

	lang := languageOf(state)
	b.WriteString(fmt.Sprintf("REPLY LANGUAGE: %s (mirror the user's language)\n\n", lang))

	b.WriteString("TRIP STATE:\n")
	b.WriteString(tripStateJSON(outcomeTrip(state, outcome)))
	b.WriteString("\n\nCONVERSATION (oldest first):\n")
	b.WriteString(renderHistory(state.History, r.config.Agents.HistoryWindow))
	b.WriteString(fmt.Sprintf("\nUSER MESSAGE: %s\n", state.Message))

	b.WriteString("\nWHAT HAPPENED THIS TURN:\n")
	if len(outcome.Actions) == 0 {
		b.WriteString("- nothing was changed\n")
	}
	for _, rec := range outcome.Actions {
		line := describeAction(rec)
		b.WriteString("- " + line + "\n")
	}
	if outcome.Interrupted != "" {
		b.WriteString(fmt.Sprintf("- the turn stopped early: %s\n", outcome.Interrupted))
	}
	if outcome.NeedsApproval {
		b.WriteString(fmt.Sprintf("- a booking of %s is ready but needs the user's explicit approval before it is charged\n", outcome.ApprovalAmount))
	}
	if outcome.BookingID != "" {
		b.WriteString("- the booking was submitted and is being processed; the user will be notified when it settles\n")
	}
	if state.GuideContext != "" {
		b.WriteString("\nDESTINATION NOTES (may quote briefly):\n")
		b.WriteString(truncate(state.GuideContext, 1200))
		b.WriteString("\n")
	}

	b.WriteString(`
INSTRUCTIONS:
1. Summarise what changed in one or two sentences.
2. When options were found, present the top choices with price and the key detail (time, stops, stars, area). Number them so the user can answer "the second one".
`)
	if outcome.Question != "" {
		b.WriteString(fmt.Sprintf("3. End by asking exactly this, rephrased naturally: %q\n", outcome.Question))
	} else if outcome.NeedsApproval {
		b.WriteString("3. Ask the user to confirm the booking amount before you proceed.\n")
	} else {
		b.WriteString("3. End with the single most useful next step.\n")
	}
	return b.String()
}

// outcomeTrip prefers the post-turn trip over the initial one.
func outcomeTrip(state TurnState, outcome TurnOutcome) *TripPlan {
	if outcome.Trip != nil {
		return outcome.Trip
	}
	return state.Trip
}

func describeAction(rec ActionRecord) string {
	var what string
	switch rec.Action.Type {
	case ActionCreateItinerary:
		what = fmt.Sprintf("created an itinerary with %d segment(s)", len(rec.Action.Segments))
	case ActionUpdateReq:
		what = fmt.Sprintf("updated requirements for segment %s", rec.Action.SegmentID)
	case ActionCallSearch:
		what = fmt.Sprintf("searched inventory for segment %s", rec.Action.SegmentID)
	case ActionSelectOption:
		what = fmt.Sprintf("selected option %s for segment %s", rec.Action.OptionID, rec.Action.SegmentID)
	case ActionAskUser:
		what = "needs more information from the user"
	case ActionBatch:
		what = fmt.Sprintf("ran %d actions together", len(rec.Action.Actions))
	default:
		what = string(rec.Action.Type)
	}
	if rec.Status == ActionStatusFailed {
		return fmt.Sprintf("%s, but it FAILED: %s", what, truncate(rec.Error, 160))
	}
	return what
}

// fallbackReply is used when the responder model is unavailable.
func fallbackReply(state TurnState, outcome TurnOutcome) string {
	thai := strings.EqualFold(languageOf(state), "th")
	if outcome.Question != "" {
		return outcome.Question
	}
	if outcome.NeedsApproval {
		if thai {
			return fmt.Sprintf("ยอดจองทั้งหมด %s ต้องการให้ยืนยันก่อนชำระเงินค่ะ", outcome.ApprovalAmount)
		}
		return fmt.Sprintf("Your booking total is %s. Please confirm before I proceed with payment.", outcome.ApprovalAmount)
	}
	if outcome.BookingID != "" {
		if thai {
			return "กำลังดำเนินการจองให้อยู่ค่ะ จะแจ้งผลให้ทราบเร็ว ๆ นี้"
		}
		return "Your booking is being processed. I will let you know as soon as it is confirmed."
	}
	if thai {
		return "อัปเดตแผนการเดินทางให้แล้วค่ะ ดูรายละเอียดได้เลย"
	}
	return "I have updated your trip plan. Take a look and tell me what to adjust."
}

// detectLanguage returns "th" when the text contains Thai script, else "en".
func detectLanguage(text string) string {
	for _, r := range text {
		if unicode.Is(unicode.Thai, r) {
			return "th"
		}
	}
	return "en"
}
