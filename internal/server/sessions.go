package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/internal/docstore"
)

// sessionDocs is the slice of the document store the session handlers need.
type sessionDocs interface {
	GetSession(ctx context.Context, id string) (*docstore.ChatSession, error)
	ListSessions(ctx context.Context, userID string, offset, limit int) ([]docstore.ChatSession, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]docstore.Message, error)
	UpdateSessionMode(ctx context.Context, id, mode string) error
	CloseSession(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, sessionID string) error
}

type SessionsHandler struct {
	Docs sessionDocs
}

func (h *SessionsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.PATCH("/:id/mode", h.updateMode)
	g.DELETE("/:id", h.remove)
}

// ListSessions
//
//	@Summary	List the caller's chat sessions
//	@Tags		chat
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		offset	query		int	false	"Page offset"
//	@Param		limit	query		int	false	"Page size"
//	@Success	200		{array}		docstore.ChatSession
//	@Router		/api/chat/sessions [get]
func (h *SessionsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	offset, limit := pageParams(c)
	sessions, err := h.Docs.ListSessions(c.Request().Context(), userID, offset, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sessions == nil {
		sessions = []docstore.ChatSession{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// GetSession
//
//	@Summary	Session detail with recent history
//	@Tags		chat
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		id	path		string	true	"Session id"
//	@Success	200	{object}	map[string]interface{}
//	@Failure	404	{object}	HTTPError
//	@Router		/api/chat/sessions/{id} [get]
func (h *SessionsHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := ownedSession(c, h.Docs)
	if err != nil {
		return err
	}
	history, err := h.Docs.ListMessages(ctx, session.ID, 200)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if history == nil {
		history = []docstore.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session": session,
		"history": history,
	})
}

// UpdateMode
//
//	@Summary	Switch a session between normal and agent mode
//	@Tags		chat
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string				true	"Session id"
//	@Param		payload	body		UpdateModeRequest	true	"New mode"
//	@Success	200		{object}	docstore.ChatSession
//	@Failure	400		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Router		/api/chat/sessions/{id}/mode [patch]
func (h *SessionsHandler) updateMode(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := ownedSession(c, h.Docs)
	if err != nil {
		return err
	}
	var req UpdateModeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Docs.UpdateSessionMode(ctx, session.ID, req.Mode); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	session.Mode = req.Mode
	return c.JSON(http.StatusOK, session)
}

// DeleteSession
//
//	@Summary	Close a session and drop its transcript
//	@Tags		chat
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Session id"
//	@Success	204
//	@Failure	404	{object}	HTTPError
//	@Router		/api/chat/sessions/{id} [delete]
func (h *SessionsHandler) remove(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := ownedSession(c, h.Docs)
	if err != nil {
		return err
	}
	if err := h.Docs.CloseSession(ctx, session.ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Docs.DeleteConversation(ctx, session.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// sessionGetter loads a session; satisfied by every handler store that
// includes GetSession.
type sessionGetter interface {
	GetSession(ctx context.Context, id string) (*docstore.ChatSession, error)
}

// ownedSession loads the :id session and checks it belongs to the caller.
// Foreign sessions read as not found so ids cannot be probed.
func ownedSession(c echo.Context, docs sessionGetter) (*docstore.ChatSession, error) {
	userID := c.Get("user_id").(string)
	session, err := docs.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if session.UserID != userID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return session, nil
}

// pageParams reads offset/limit query params with sane defaults.
func pageParams(c echo.Context) (offset, limit int) {
	offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return offset, limit
}
