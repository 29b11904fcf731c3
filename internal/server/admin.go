package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/store"
)

// adminDocs is the slice of the document store the admin surface needs.
type adminDocs interface {
	CountUsers(ctx context.Context) (int64, error)
	CountTrips(ctx context.Context) (int64, error)
	CountSessions(ctx context.Context, status string) (int64, error)
	CountBookingsByStatus(ctx context.Context) (map[string]int64, error)
	ListUsers(ctx context.Context, offset, limit int) ([]docstore.User, error)
	ListAllBookings(ctx context.Context, status string, offset, limit int) ([]docstore.Booking, error)
	ListAllSessions(ctx context.Context, status string, offset, limit int) ([]docstore.ChatSession, error)
}

// adminLedger serves the LLM spend aggregates.
type adminLedger interface {
	UsageSince(ctx context.Context, t time.Time) (store.UsageSummary, error)
	UsageByModel(ctx context.Context, since time.Time) ([]store.ModelUsage, error)
	UsageByDay(ctx context.Context, since time.Time) ([]store.DailyUsage, error)
}

type AdminHandler struct {
	Docs   adminDocs
	Ledger adminLedger
}

// Register mounts the admin endpoints; the group must already carry the
// admin scope requirement.
func (h *AdminHandler) Register(g *echo.Group) {
	g.GET("/overview", h.overview)
	g.GET("/users", h.users)
	g.GET("/bookings", h.bookings)
	g.GET("/sessions", h.sessions)
	g.GET("/usage", h.usage)
}

// Overview
//
//	@Summary	Service-wide counters
//	@Tags		admin
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{object}	AdminOverviewResponse
//	@Router		/api/admin/overview [get]
func (h *AdminHandler) overview(c echo.Context) error {
	ctx := c.Request().Context()

	users, err := h.Docs.CountUsers(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	trips, err := h.Docs.CountTrips(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	sessions, err := h.Docs.CountSessions(ctx, "")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	active, err := h.Docs.CountSessions(ctx, docstore.SessionActive)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	bookings, err := h.Docs.CountBookingsByStatus(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	usage, err := h.Ledger.UsageSince(ctx, time.Time{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, AdminOverviewResponse{
		Users:            users,
		Trips:            trips,
		Sessions:         sessions,
		ActiveSessions:   active,
		BookingsByStatus: bookings,
		LLMCalls:         usage.Calls,
		LLMCost:          usage.Cost,
	})
}

// Users
//
//	@Summary	List accounts
//	@Tags		admin
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		offset	query	int	false	"Page offset"
//	@Param		limit	query	int	false	"Page size"
//	@Success	200	{array}	docstore.User
//	@Router		/api/admin/users [get]
func (h *AdminHandler) users(c echo.Context) error {
	offset, limit := pageParams(c)
	users, err := h.Docs.ListUsers(c.Request().Context(), offset, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if users == nil {
		users = []docstore.User{}
	}
	return c.JSON(http.StatusOK, users)
}

// Bookings
//
//	@Summary	List bookings across all users
//	@Tags		admin
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		status	query	string	false	"Filter by status"
//	@Param		offset	query	int		false	"Page offset"
//	@Param		limit	query	int		false	"Page size"
//	@Success	200	{array}	docstore.Booking
//	@Router		/api/admin/bookings [get]
func (h *AdminHandler) bookings(c echo.Context) error {
	offset, limit := pageParams(c)
	bookings, err := h.Docs.ListAllBookings(c.Request().Context(), c.QueryParam("status"), offset, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if bookings == nil {
		bookings = []docstore.Booking{}
	}
	return c.JSON(http.StatusOK, bookings)
}

// Sessions
//
//	@Summary	List sessions across all users
//	@Tags		admin
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		status	query	string	false	"Filter by status"
//	@Param		offset	query	int		false	"Page offset"
//	@Param		limit	query	int		false	"Page size"
//	@Success	200	{array}	docstore.ChatSession
//	@Router		/api/admin/sessions [get]
func (h *AdminHandler) sessions(c echo.Context) error {
	offset, limit := pageParams(c)
	sessions, err := h.Docs.ListAllSessions(c.Request().Context(), c.QueryParam("status"), offset, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sessions == nil {
		sessions = []docstore.ChatSession{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// Usage
//
//	@Summary	LLM spend aggregates
//	@Tags		admin
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		since	query		string	false	"RFC3339 timestamp or YYYY-MM-DD; default one week back"
//	@Success	200		{object}	map[string]interface{}
//	@Failure	400		{object}	HTTPError
//	@Router		/api/admin/usage [get]
func (h *AdminHandler) usage(c echo.Context) error {
	ctx := c.Request().Context()
	since, err := parseSince(c.QueryParam("since"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	totals, err := h.Ledger.UsageSince(ctx, since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	byModel, err := h.Ledger.UsageByModel(ctx, since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	byDay, err := h.Ledger.UsageByDay(ctx, since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if byModel == nil {
		byModel = []store.ModelUsage{}
	}
	if byDay == nil {
		byDay = []store.DailyUsage{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"since":    since,
		"totals":   totals,
		"by_model": byModel,
		"by_day":   byDay,
	})
}

// parseSince accepts an RFC3339 timestamp or a plain date; empty means one
// week back.
func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().AddDate(0, 0, -7), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("since must be RFC3339 or YYYY-MM-DD")
}
