package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/budget"
	"github.com/voyatrip/voya/internal/store"
)

// budgetLedger is the slice of the Postgres ledger the budget handler needs.
type budgetLedger interface {
	GetBudgetConfig(ctx context.Context, sessionID string) (budget.Config, bool, error)
	UpsertBudgetConfig(ctx context.Context, sessionID string, cfg budget.Config) error
	PendingBudgetApproval(ctx context.Context, sessionID string) (store.ApprovalRecord, bool, error)
	GetBudgetApproval(ctx context.Context, id string) (store.ApprovalRecord, bool, error)
	DecideBudgetApproval(ctx context.Context, id string, approve bool, decidedBy string) error
}

// budgetDocs covers session ownership checks and the trip hand-off after an
// approval goes through.
type budgetDocs interface {
	sessionGetter
	GetTrip(ctx context.Context, id string) (*core.TripPlan, error)
	SaveTrip(ctx context.Context, trip *core.TripPlan) error
}

type BudgetHandler struct {
	Ledger budgetLedger
	Docs   budgetDocs
	Booker core.Booker
}

// Register mounts the budget endpoints under the sessions group.
func (h *BudgetHandler) Register(g *echo.Group) {
	g.GET("/:id/budget", h.getConfig)
	g.PUT("/:id/budget", h.putConfig)
	g.POST("/:id/approvals/:approval_id", h.decideApproval)
}

type budgetGetResponse struct {
	HasConfig       bool                  `json:"has_config"`
	Config          *BudgetConfigResponse `json:"config,omitempty"`
	PendingApproval *PendingApproval      `json:"pending_approval,omitempty"`
}

// GetBudget
//
//	@Summary	Session spending guardrails and pending approval
//	@Tags		budget
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Param		id	path		string	true	"Session id"
//	@Success	200	{object}	budgetGetResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/chat/sessions/{id}/budget [get]
func (h *BudgetHandler) getConfig(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := ownedSession(c, h.Docs)
	if err != nil {
		return err
	}

	cfg, ok, err := h.Ledger.GetBudgetConfig(ctx, session.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	pending, hasPending, err := h.Ledger.PendingBudgetApproval(ctx, session.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := budgetGetResponse{HasConfig: ok}
	if ok {
		resp.Config = budgetConfigToPayload(cfg)
	}
	if hasPending {
		resp.PendingApproval = approvalToPayload(pending)
	}
	return c.JSON(http.StatusOK, resp)
}

// PutBudget
//
//	@Summary	Replace the session spending guardrails
//	@Tags		budget
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string						true	"Session id"
//	@Param		payload	body		UpdateBudgetConfigRequest	true	"Budget config"
//	@Success	200		{object}	BudgetConfigResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Router		/api/chat/sessions/{id}/budget [put]
func (h *BudgetHandler) putConfig(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := ownedSession(c, h.Docs)
	if err != nil {
		return err
	}

	var req UpdateBudgetConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg := req.toConfig()
	if err := cfg.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Ledger.UpsertBudgetConfig(ctx, session.ID, cfg); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, budgetConfigToPayload(cfg))
}

// DecideApproval
//
//	@Summary		Approve or deny a held booking
//	@Description	Approving hands the booking to the pipeline; denying releases the hold
//	@Tags			budget
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string					true	"Session id"
//	@Param			approval_id	path		string					true	"Approval id"
//	@Param			payload		body		ApprovalDecisionRequest	true	"Decision"
//	@Success		200			{object}	map[string]string
//	@Success		202			{object}	map[string]string
//	@Failure		400			{object}	HTTPError
//	@Failure		404			{object}	HTTPError
//	@Failure		409			{object}	HTTPError
//	@Router			/api/chat/sessions/{id}/approvals/{approval_id} [post]
func (h *BudgetHandler) decideApproval(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)
	session, err := ownedSession(c, h.Docs)
	if err != nil {
		return err
	}

	var req ApprovalDecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Decision != "approve" && req.Decision != "deny" {
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be approve or deny")
	}

	approvalID := c.Param("approval_id")
	rec, ok, err := h.Ledger.GetBudgetApproval(ctx, approvalID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok || rec.SessionID != session.ID || rec.UserID != userID {
		return echo.NewHTTPError(http.StatusNotFound, "approval not found")
	}

	// Fails on anything but a pending row, so a double tap cannot book twice.
	if err := h.Ledger.DecideBudgetApproval(ctx, approvalID, req.Decision == "approve", userID); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	if req.Decision == "deny" {
		return c.JSON(http.StatusOK, map[string]string{"status": "denied"})
	}

	bookingID, err := h.Booker.RequestBooking(ctx, core.BookingRequest{
		TripID:         rec.TripID,
		SessionID:      rec.SessionID,
		UserID:         rec.UserID,
		Total:          core.Money{Amount: rec.BookingAmount, Currency: rec.Currency},
		RequestedBy:    "user",
		IdempotencyKey: "approval:" + rec.ID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	if trip, terr := h.Docs.GetTrip(ctx, rec.TripID); terr == nil {
		trip.Status = core.TripStatusBooking
		trip.BookingID = bookingID
		trip.UpdatedAt = time.Now()
		if serr := h.Docs.SaveTrip(ctx, trip); serr != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, serr.Error())
		}
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "approved", "booking_id": bookingID})
}

func budgetConfigToPayload(cfg budget.Config) *BudgetConfigResponse {
	return &BudgetConfigResponse{
		MaxCost:           cfg.MaxCost,
		MaxTokens:         cfg.MaxTokens,
		MaxTimeSeconds:    cfg.MaxTimeSeconds,
		ApprovalThreshold: cfg.ApprovalThreshold,
		RequireApproval:   cfg.RequireApproval,
		Metadata:          cfg.Metadata,
	}
}

func approvalToPayload(rec store.ApprovalRecord) *PendingApproval {
	return &PendingApproval{
		ID:            rec.ID,
		TripID:        rec.TripID,
		BookingAmount: rec.BookingAmount,
		Currency:      rec.Currency,
		Threshold:     rec.Threshold,
		Reason:        rec.Reason,
		Status:        rec.Status,
		RequestedAt:   rec.RequestedAt.Format(time.RFC3339),
	}
}

func (p UpdateBudgetConfigRequest) toConfig() budget.Config {
	cfg := budget.Config{RequireApproval: p.RequireApproval}
	if p.MaxCost != nil {
		v := *p.MaxCost
		cfg.MaxCost = &v
	}
	if p.MaxTokens != nil {
		v := *p.MaxTokens
		cfg.MaxTokens = &v
	}
	if p.MaxTimeSeconds != nil {
		v := *p.MaxTimeSeconds
		cfg.MaxTimeSeconds = &v
	}
	if p.ApprovalThreshold != nil {
		v := *p.ApprovalThreshold
		cfg.ApprovalThreshold = &v
	}
	if p.Metadata != nil {
		cfg.Metadata = make(map[string]interface{}, len(p.Metadata))
		for k, v := range p.Metadata {
			cfg.Metadata[k] = v
		}
	}
	return cfg
}
