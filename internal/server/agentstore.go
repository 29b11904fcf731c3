package server

import (
	"context"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/notify"
	"github.com/voyatrip/voya/internal/store"
)

// agentStore bridges the document store and the Postgres ledger to the
// orchestrator's store interfaces. Sessions come out of Mongo with their
// budget overlaid from the ledger; transcripts and turn counters go back in.
type agentStore struct {
	docs   *docstore.Store
	ledger *store.Store
}

func newAgentStore(docs *docstore.Store, ledger *store.Store) *agentStore {
	return &agentStore{docs: docs, ledger: ledger}
}

// GetSession loads a chat session and attaches its budget config, if any.
func (s *agentStore) GetSession(ctx context.Context, id string) (core.Session, error) {
	cs, err := s.docs.GetSession(ctx, id)
	if err != nil {
		return core.Session{}, err
	}
	session := core.Session{
		ID:           cs.ID,
		UserID:       cs.UserID,
		Title:        cs.Title,
		Mode:         core.ParseMode(cs.Mode),
		Language:     cs.Language,
		ActiveTripID: cs.TripID,
		CreatedAt:    cs.CreatedAt,
		UpdatedAt:    cs.LastActiveAt,
	}
	cfg, ok, err := s.ledger.GetBudgetConfig(ctx, id)
	if err != nil {
		return core.Session{}, err
	}
	if ok {
		session.Budget = &cfg
	}
	return session, nil
}

func (s *agentStore) SetSessionTrip(ctx context.Context, sessionID, tripID string) error {
	return s.docs.SetSessionTrip(ctx, sessionID, tripID)
}

// TouchSession only refreshes activity; AppendTurn settles the turn counters
// with real usage, so bumping them here would double count.
func (s *agentStore) TouchSession(ctx context.Context, id string) error {
	return s.docs.RefreshSession(ctx, id)
}

// AppendTurn stores both utterances of a turn and bumps the session counters
// once. The assistant message carries the executed actions and the usage.
func (s *agentStore) AppendTurn(ctx context.Context, sessionID string, userMsg, assistantMsg core.ChatMessage, actions []core.ActionRecord, usage core.TurnUsage) error {
	userID := ""
	if cs, err := s.docs.GetSession(ctx, sessionID); err == nil {
		userID = cs.UserID
	}

	if err := s.docs.AppendMessage(ctx, &docstore.Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      userMsg.Role,
		Content:   userMsg.Content,
		CreatedAt: userMsg.CreatedAt,
	}); err != nil {
		return err
	}
	u := usage
	if err := s.docs.AppendMessage(ctx, &docstore.Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      assistantMsg.Role,
		Content:   assistantMsg.Content,
		Actions:   actions,
		Usage:     &u,
		CreatedAt: assistantMsg.CreatedAt,
	}); err != nil {
		return err
	}
	return s.docs.TouchSession(ctx, sessionID, usage.Cost, usage.TokensIn+usage.TokensOut)
}

// RecentMessages serves the tail of the transcript in chronological order.
func (s *agentStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]core.ChatMessage, error) {
	msgs, err := s.docs.ListMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]core.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = core.ChatMessage{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
	}
	return out, nil
}

// approvalNotifier persists pending booking approvals in the ledger and
// pushes an FCM notification so the user hears about the hold while away
// from the chat.
type approvalNotifier struct {
	ledger *store.Store
	docs   *docstore.Store
	notify *notify.Service
}

func newApprovalNotifier(ledger *store.Store, docs *docstore.Store, n *notify.Service) *approvalNotifier {
	return &approvalNotifier{ledger: ledger, docs: docs, notify: n}
}

func (a *approvalNotifier) CreatePendingApproval(ctx context.Context, req core.ApprovalRequest) (string, error) {
	id, err := a.ledger.CreatePendingApproval(ctx, req)
	if err != nil {
		return "", err
	}
	if a.notify != nil && a.notify.Enabled() {
		if user, uerr := a.docs.GetUserByID(ctx, req.UserID); uerr == nil && user.PushToken != "" {
			a.notify.ApprovalRequested(ctx, user.PushToken, id, req.Amount)
		}
	}
	return id, nil
}
