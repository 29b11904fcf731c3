package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/agent/telemetry"
	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/payments"
	"github.com/voyatrip/voya/internal/store"
)

// bookingDocs is the slice of the document store the booking handlers need.
type bookingDocs interface {
	GetBooking(ctx context.Context, id string) (*docstore.Booking, error)
	ListBookings(ctx context.Context, userID string, offset, limit int) ([]docstore.Booking, error)
	UpdateBookingStatus(ctx context.Context, id, status, failureReason string) error
	GetTrip(ctx context.Context, id string) (*core.TripPlan, error)
	SaveTrip(ctx context.Context, trip *core.TripPlan) error
}

// bookingLedger reconciles payment charge rows on cancellation.
type bookingLedger interface {
	ListCharges(ctx context.Context, bookingID string) ([]store.ChargeRecord, error)
	UpdateChargeStatus(ctx context.Context, id int64, status, chargeID, failureMessage string) error
}

// refunder returns money for a charge that must be unwound.
type refunder interface {
	Refund(ctx context.Context, chargeID string, amountCents int64) (string, error)
}

type BookingsHandler struct {
	Docs      bookingDocs
	Ledger    bookingLedger
	Payments  refunder
	Telemetry *telemetry.Telemetry
}

func (h *BookingsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/cancel", h.cancel)
}

// ListBookings
//
//	@Summary	List the caller's bookings
//	@Tags		bookings
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		offset	query		int	false	"Page offset"
//	@Param		limit	query		int	false	"Page size"
//	@Success	200		{array}		docstore.Booking
//	@Router		/api/bookings [get]
func (h *BookingsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	offset, limit := pageParams(c)
	bookings, err := h.Docs.ListBookings(c.Request().Context(), userID, offset, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if bookings == nil {
		bookings = []docstore.Booking{}
	}
	return c.JSON(http.StatusOK, bookings)
}

// GetBooking
//
//	@Summary	Booking detail
//	@Tags		bookings
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		id	path		string	true	"Booking id"
//	@Success	200	{object}	docstore.Booking
//	@Failure	404	{object}	HTTPError
//	@Router		/api/bookings/{id} [get]
func (h *BookingsHandler) get(c echo.Context) error {
	booking, err := h.ownedBooking(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, booking)
}

// CancelBooking
//
//	@Summary		Cancel a booking that has not settled
//	@Description	Only pending and processing bookings can be cancelled; a placed charge is refunded
//	@Tags			bookings
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Produce		json
//	@Param			id	path		string	true	"Booking id"
//	@Success		200	{object}	docstore.Booking
//	@Failure		404	{object}	HTTPError
//	@Failure		409	{object}	HTTPError
//	@Failure		502	{object}	HTTPError
//	@Router			/api/bookings/{id}/cancel [post]
func (h *BookingsHandler) cancel(c echo.Context) error {
	ctx := c.Request().Context()
	booking, err := h.ownedBooking(c)
	if err != nil {
		return err
	}
	if booking.Status != docstore.BookingPending && booking.Status != docstore.BookingProcessing {
		return echo.NewHTTPError(http.StatusConflict,
			"booking is "+booking.Status+" and can no longer be cancelled")
	}

	// Mark cancelled first so the worker skips the request if it has not
	// started yet.
	if err := h.Docs.UpdateBookingStatus(ctx, booking.ID, docstore.BookingCancelled, "cancelled by user"); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	booking.Status = docstore.BookingCancelled
	booking.FailureReason = "cancelled by user"

	// A charge id means the worker got as far as taking the money.
	if booking.ChargeID != "" && h.Payments != nil {
		if _, err := h.Payments.Refund(ctx, booking.ChargeID, payments.Satang(booking.Amount)); err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, "booking cancelled but refund failed: "+err.Error())
		}
		h.markChargeRefunded(ctx, booking)
	}

	h.releaseTrip(ctx, booking)
	if h.Telemetry != nil {
		h.Telemetry.RecordBooking(docstore.BookingCancelled)
	}
	return c.JSON(http.StatusOK, booking)
}

// markChargeRefunded flips the matching ledger charge row to refunded.
func (h *BookingsHandler) markChargeRefunded(ctx context.Context, booking *docstore.Booking) {
	if h.Ledger == nil {
		return
	}
	charges, err := h.Ledger.ListCharges(ctx, booking.ID)
	if err != nil {
		return
	}
	for _, rec := range charges {
		if rec.ChargeID == booking.ChargeID && rec.Status == store.ChargeStatusSucceeded {
			_ = h.Ledger.UpdateChargeStatus(ctx, rec.ID, store.ChargeStatusRefunded, rec.ChargeID, "")
		}
	}
}

// releaseTrip puts the trip back in the plan phase when this booking was the
// one holding it.
func (h *BookingsHandler) releaseTrip(ctx context.Context, booking *docstore.Booking) {
	trip, err := h.Docs.GetTrip(ctx, booking.TripID)
	if err != nil {
		return
	}
	if trip.Status == core.TripStatusBooking && trip.BookingID == booking.ID {
		trip.Status = core.TripStatusReady
		trip.BookingID = ""
		trip.UpdatedAt = time.Now()
		_ = h.Docs.SaveTrip(ctx, trip)
	}
}

func (h *BookingsHandler) ownedBooking(c echo.Context) (*docstore.Booking, error) {
	userID := c.Get("user_id").(string)
	booking, err := h.Docs.GetBooking(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "booking not found")
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if booking.UserID != userID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "booking not found")
	}
	return booking, nil
}
