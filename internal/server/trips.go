package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/export"
	"github.com/voyatrip/voya/internal/places"
	"github.com/voyatrip/voya/internal/search"
)

// tripDocs is the slice of the document store the trip handlers need.
type tripDocs interface {
	GetTrip(ctx context.Context, id string) (*core.TripPlan, error)
	ListTrips(ctx context.Context, userID string, offset, limit int) ([]core.TripPlan, error)
	SaveTrip(ctx context.Context, trip *core.TripPlan) error
	DeleteTrip(ctx context.Context, userID, id string) error
}

// tripBooker starts the booking pipeline for a confirmed trip.
type tripBooker interface {
	BookTrip(ctx context.Context, userID, tripID, requestedBy, cardToken string) (string, error)
}

// tripIndex serves full-text trip search and forgets deleted trips.
type tripIndex interface {
	Search(ctx context.Context, userID, q string, limit int) ([]search.Hit, error)
	DeleteTrip(id string) error
}

// attractionFinder looks up sights near a destination.
type attractionFinder interface {
	AttractionsNear(ctx context.Context, place string, radiusMeters int) ([]places.Attraction, error)
}

type TripsHandler struct {
	Docs   tripDocs
	Agent  tripBooker
	Index  tripIndex
	Places attractionFinder
}

func (h *TripsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/search", h.search)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.remove)
	g.GET("/:id/attractions", h.attractions)
	g.POST("/:id/segments/:segment_id/select", h.selectOption)
	g.POST("/:id/book", h.book)
	g.GET("/:id/export/pdf", h.exportPDF)
	g.GET("/:id/export/ics", h.exportICS)
}

// ListTrips
//
//	@Summary	List the caller's trips
//	@Tags		trips
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		offset	query		int	false	"Page offset"
//	@Param		limit	query		int	false	"Page size"
//	@Success	200		{array}		core.TripPlan
//	@Router		/api/trips [get]
func (h *TripsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	offset, limit := pageParams(c)
	trips, err := h.Docs.ListTrips(c.Request().Context(), userID, offset, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if trips == nil {
		trips = []core.TripPlan{}
	}
	return c.JSON(http.StatusOK, trips)
}

// SearchTrips
//
//	@Summary	Full-text search over the caller's trips and conversations
//	@Tags		trips
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		q	query		string	true	"Query"
//	@Success	200	{array}		search.Hit
//	@Failure	400	{object}	HTTPError
//	@Router		/api/trips/search [get]
func (h *TripsHandler) search(c echo.Context) error {
	userID := c.Get("user_id").(string)
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	_, limit := pageParams(c)
	hits, err := h.Index.Search(c.Request().Context(), userID, q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	return c.JSON(http.StatusOK, hits)
}

// GetTrip
//
//	@Summary	Trip detail
//	@Tags		trips
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		id	path		string	true	"Trip id"
//	@Success	200	{object}	core.TripPlan
//	@Failure	404	{object}	HTTPError
//	@Router		/api/trips/{id} [get]
func (h *TripsHandler) get(c echo.Context) error {
	trip, err := h.ownedTrip(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, trip)
}

// DeleteTrip
//
//	@Summary	Delete a trip and its search entries
//	@Tags		trips
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Trip id"
//	@Success	204
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/trips/{id} [delete]
func (h *TripsHandler) remove(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)
	trip, err := h.ownedTrip(c)
	if err != nil {
		return err
	}
	if trip.Status == core.TripStatusBooking {
		return echo.NewHTTPError(http.StatusConflict, "trip has a booking in flight")
	}
	if err := h.Docs.DeleteTrip(ctx, userID, trip.ID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "trip not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Index != nil {
		_ = h.Index.DeleteTrip(trip.ID)
	}
	return c.NoContent(http.StatusNoContent)
}

// Attractions
//
//	@Summary	Sights near the trip destination
//	@Tags		trips
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		id		path		string	true	"Trip id"
//	@Param		place	query		string	false	"Override the derived destination"
//	@Success	200		{array}		places.Attraction
//	@Failure	404		{object}	HTTPError
//	@Failure	502		{object}	HTTPError
//	@Router		/api/trips/{id}/attractions [get]
func (h *TripsHandler) attractions(c echo.Context) error {
	trip, err := h.ownedTrip(c)
	if err != nil {
		return err
	}
	if h.Places == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "places lookup not configured")
	}
	place := strings.TrimSpace(c.QueryParam("place"))
	if place == "" {
		place = tripDestination(trip)
	}
	if place == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "trip has no destination yet; pass ?place=")
	}
	found, err := h.Places.AttractionsNear(c.Request().Context(), place, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if found == nil {
		found = []places.Attraction{}
	}
	return c.JSON(http.StatusOK, found)
}

// SelectOption
//
//	@Summary	Manually confirm one option for a segment
//	@Tags		trips
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Accept		json
//	@Produce	json
//	@Param		id			path		string				true	"Trip id"
//	@Param		segment_id	path		string				true	"Segment id"
//	@Param		payload		body		SelectOptionRequest	true	"Chosen option"
//	@Success	200			{object}	core.TripPlan
//	@Failure	400			{object}	HTTPError
//	@Failure	404			{object}	HTTPError
//	@Failure	409			{object}	HTTPError
//	@Router		/api/trips/{id}/segments/{segment_id}/select [post]
func (h *TripsHandler) selectOption(c echo.Context) error {
	ctx := c.Request().Context()
	trip, err := h.ownedTrip(c)
	if err != nil {
		return err
	}
	var req SelectOptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.OptionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "option_id is required")
	}
	if err := trip.SelectOption(c.Param("segment_id"), req.OptionID); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err := h.Docs.SaveTrip(ctx, trip); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, trip)
}

// BookTrip
//
//	@Summary		Book a fully confirmed trip
//	@Description	Hands the trip to the asynchronous booking pipeline
//	@Tags			trips
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Trip id"
//	@Param			payload	body		BookTripRequest	false	"Payment details"
//	@Success		202		{object}	map[string]string
//	@Failure		404		{object}	HTTPError
//	@Failure		409		{object}	HTTPError
//	@Router			/api/trips/{id}/book [post]
func (h *TripsHandler) book(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)
	trip, err := h.ownedTrip(c)
	if err != nil {
		return err
	}
	var req BookTripRequest
	if err := c.Bind(&req); err != nil && c.Request().ContentLength > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	bookingID, err := h.Agent.BookTrip(ctx, userID, trip.ID, "user", req.CardToken)
	if err != nil {
		if errors.Is(err, core.ErrTripNotReady) {
			return echo.NewHTTPError(http.StatusConflict, "trip has unconfirmed segments")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"booking_id": bookingID})
}

// ExportPDF
//
//	@Summary	Trip summary as PDF
//	@Tags		trips
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	application/pdf
//	@Param		id	path	string	true	"Trip id"
//	@Success	200	{file}	binary
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/trips/{id}/export/pdf [get]
func (h *TripsHandler) exportPDF(c echo.Context) error {
	trip, err := h.ownedTrip(c)
	if err != nil {
		return err
	}
	blob, err := export.PDF(trip)
	if err != nil {
		if errors.Is(err, export.ErrNoConfirmedSegments) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="trip-%s.pdf"`, trip.ID))
	return c.Blob(http.StatusOK, "application/pdf", blob)
}

// ExportICS
//
//	@Summary	Confirmed segments as an iCalendar feed
//	@Tags		trips
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	text/calendar
//	@Param		id	path	string	true	"Trip id"
//	@Success	200	{string}	string
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/trips/{id}/export/ics [get]
func (h *TripsHandler) exportICS(c echo.Context) error {
	trip, err := h.ownedTrip(c)
	if err != nil {
		return err
	}
	cal, err := export.ICS(trip)
	if err != nil {
		if errors.Is(err, export.ErrNoConfirmedSegments) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="trip-%s.ics"`, trip.ID))
	return c.Blob(http.StatusOK, "text/calendar; charset=utf-8", []byte(cal))
}

// ownedTrip loads the :id trip and checks it belongs to the caller. Foreign
// trips read as not found so ids cannot be probed.
func (h *TripsHandler) ownedTrip(c echo.Context) (*core.TripPlan, error) {
	userID := c.Get("user_id").(string)
	trip, err := h.Docs.GetTrip(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "trip not found")
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if trip.UserID != userID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "trip not found")
	}
	return trip, nil
}

// tripDestination derives a lookup place from the plan: the hotel city when
// there is one, otherwise the last flight destination, otherwise the title.
func tripDestination(trip *core.TripPlan) string {
	var flightDest string
	for i := range trip.Segments {
		seg := &trip.Segments[i]
		switch seg.Type {
		case core.SegmentHotel:
			if city := seg.Requirements.String("city"); city != "" {
				return city
			}
			if dest := seg.Requirements.String("destination"); dest != "" {
				return dest
			}
		case core.SegmentFlight:
			if dest := seg.Requirements.String("destination"); dest != "" {
				flightDest = dest
			}
		}
	}
	if flightDest != "" {
		return flightDest
	}
	return strings.TrimSpace(trip.Title)
}
