package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
)

// chatAgent is the slice of the orchestrator the chat handler needs.
type chatAgent interface {
	RunTurn(ctx context.Context, input core.TurnInput) (core.TurnResult, error)
}

// chatDocs opens sessions for first-contact messages.
type chatDocs interface {
	CreateSession(ctx context.Context, userID, title, mode string) (*docstore.ChatSession, error)
	GetSession(ctx context.Context, id string) (*docstore.ChatSession, error)
}

type ChatHandler struct {
	Agent chatAgent
	Docs  chatDocs
}

func (h *ChatHandler) Register(g *echo.Group) {
	g.POST("/chat", h.chat)
}

// Chat
//
//	@Summary		Send one chat turn
//	@Description	Runs a planning turn; omit session_id to open a new session
//	@Tags			chat
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		ChatRequest	true	"Turn payload"
//	@Success		200		{object}	core.TurnResult
//	@Failure		400		{object}	HTTPError
//	@Failure		404		{object}	HTTPError
//	@Failure		409		{object}	HTTPError
//	@Router			/api/chat [post]
func (h *ChatHandler) chat(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if req.Mode != "" && req.Mode != "normal" && req.Mode != "agent" {
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be normal or agent")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		session, err := h.Docs.CreateSession(ctx, userID, sessionTitle(req.Message), req.Mode)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		sessionID = session.ID
	} else {
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
	}

	result, err := h.Agent.RunTurn(ctx, core.TurnInput{
		SessionID:      sessionID,
		UserID:         userID,
		TripID:         req.TripID,
		Message:        req.Message,
		Mode:           req.Mode,
		ApproveBooking: req.ApproveBooking,
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrSessionBusy):
			return echo.NewHTTPError(http.StatusConflict, "a turn is already running for this session")
		case errors.Is(err, docstore.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, result)
}

// sessionTitle derives a session title from the opening message.
func sessionTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	runes := []rune(title)
	if len(runes) > 48 {
		title = string(runes[:48])
	}
	return title
}
