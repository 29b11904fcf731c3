package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/provider/gemini"
)

// liveAgent is the slice of the orchestrator the live relay needs.
type liveAgent interface {
	RunTurnStream(ctx context.Context, input core.TurnInput) (<-chan core.TurnEvent, error)
}

// LiveHandler relays a browser websocket to the provider's live audio
// endpoint. Binary frames (microphone audio) pass through untouched in both
// directions; JSON text frames tagged "turn" run a planning turn and stream
// its events back to the client alongside the audio.
type LiveHandler struct {
	Agent   liveAgent
	Docs    sessionGetter
	Redis   *redis.Client
	LiveURL string
	Model   string
	Voice   string
	Origins []string
	Logger  *log.Logger
}

// liveClientFrame is a control frame sent by the client over the relay.
type liveClientFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	TripID  string `json:"trip_id,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

func (h *LiveHandler) Register(g *echo.Group) {
	g.GET("/chat/live", h.relay)
}

// Live
//
//	@Summary		Bidirectional live audio relay
//	@Description	Upgrades to a websocket bridged to the provider live session
//	@Tags			chat
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Param			session_id	query	string	true	"Session id"
//	@Success		101
//	@Failure		400	{object}	HTTPError
//	@Failure		404	{object}	HTTPError
//	@Router			/ws/chat/live [get]
func (h *LiveHandler) relay(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)

	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	session, err := h.Docs.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if session.UserID != userID {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if h.LiveURL == "" || h.Model == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "live audio not configured")
	}

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	client, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer client.Close()

	if h.Redis != nil {
		h.Redis.Incr(ctx, "live:sessions")
		defer h.Redis.Decr(context.Background(), "live:sessions")
	}

	provider, _, err := websocket.DefaultDialer.DialContext(ctx, h.LiveURL, nil)
	if err != nil {
		h.logf("live dial failed for session %s: %v", sessionID, err)
		_ = client.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "upstream unavailable"))
		return nil
	}
	defer provider.Close()

	voice := h.Voice
	if voice == "" {
		voice = defaultVoice(session.Language)
	}
	setup, err := gemini.LiveSetup(h.Model, voice, session.Language)
	if err != nil {
		return nil
	}
	if err := provider.WriteMessage(websocket.TextMessage, setup); err != nil {
		h.logf("live setup for session %s: %v", sessionID, err)
		return nil
	}

	// Writes to the client come from the provider pump and from turn event
	// streams at the same time; gorilla allows one writer only.
	var wmu sync.Mutex
	writeClient := func(messageType int, data []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		return client.WriteMessage(messageType, data)
	}

	errc := make(chan error, 2)

	// provider → client: everything passes through as-is.
	go func() {
		for {
			mt, data, err := provider.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			if err := writeClient(mt, data); err != nil {
				errc <- err
				return
			}
		}
	}()

	// client → provider: turn frames run locally, the rest passes through.
	go func() {
		for {
			mt, data, err := client.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			if mt == websocket.TextMessage {
				var frame liveClientFrame
				if json.Unmarshal(data, &frame) == nil && frame.Type == "turn" {
					go h.runTurn(ctx, session, userID, frame, writeClient)
					continue
				}
			}
			if err := provider.WriteMessage(mt, data); err != nil {
				errc <- err
				return
			}
		}
	}()

	err = <-errc
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.logf("live relay for session %s ended: %v", sessionID, err)
	}
	// Closing both legs unblocks the remaining pump.
	return nil
}

// runTurn executes one planning turn and streams its events to the client.
func (h *LiveHandler) runTurn(ctx context.Context, session *docstore.ChatSession, userID string, frame liveClientFrame, write func(int, []byte) error) {
	events, err := h.Agent.RunTurnStream(ctx, core.TurnInput{
		SessionID: session.ID,
		UserID:    userID,
		TripID:    frame.TripID,
		Message:   frame.Message,
		Mode:      frame.Mode,
	})
	if err != nil {
		payload, _ := json.Marshal(core.TurnEvent{Type: core.EventTurnFailed, Error: err.Error()})
		_ = write(websocket.TextMessage, payload)
		return
	}
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if write(websocket.TextMessage, payload) != nil {
			// Client is gone; drain so the turn can finish persisting.
			for range events {
			}
			return
		}
	}
}

// checkOrigin enforces the CORS origin list; requests without an Origin
// header (native apps) are allowed.
func (h *LiveHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.Origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *LiveHandler) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}
