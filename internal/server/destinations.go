package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// guideService condenses destination pages into a short guide.
type guideService interface {
	Guide(ctx context.Context, query, language string) (string, error)
}

type DestinationsHandler struct {
	Guides guideService
}

func (h *DestinationsHandler) Register(g *echo.Group) {
	g.GET("/guide", h.guide)
}

// Guide
//
//	@Summary		Destination guide
//	@Description	Fetches and condenses destination pages into a short guide
//	@Tags			destinations
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Produce		json
//	@Param			place	query		string	true	"Destination"
//	@Param			lang	query		string	false	"Guide language, e.g. th or en"
//	@Success		200		{object}	GuideResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		502		{object}	HTTPError
//	@Router			/api/destinations/guide [get]
func (h *DestinationsHandler) guide(c echo.Context) error {
	place := strings.TrimSpace(c.QueryParam("place"))
	if place == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "place is required")
	}
	lang := strings.TrimSpace(c.QueryParam("lang"))
	text, err := h.Guides.Guide(c.Request().Context(), place, lang)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, GuideResponse{Place: place, Language: lang, Guide: text})
}
