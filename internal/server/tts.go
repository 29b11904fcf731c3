package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/provider/gemini"
)

// speechSynthesizer is the slice of the Gemini client the TTS handler needs.
type speechSynthesizer interface {
	Synthesize(ctx context.Context, req gemini.SpeechRequest) (*gemini.SpeechResponse, error)
}

type TTSHandler struct {
	Synth speechSynthesizer
	Model string
}

func (h *TTSHandler) Register(g *echo.Group) {
	g.POST("/tts", h.synthesize)
}

// Synthesize
//
//	@Summary		Text to speech
//	@Description	Synthesizes the text and returns base64 audio
//	@Tags			chat
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		TTSRequest	true	"Speech payload"
//	@Success		200		{object}	TTSResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		502		{object}	HTTPError
//	@Router			/api/tts [post]
func (h *TTSHandler) synthesize(c echo.Context) error {
	var req TTSRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	if h.Synth == nil || h.Model == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "speech synthesis not configured")
	}
	voice := req.Voice
	if voice == "" {
		voice = defaultVoice(req.Language)
	}
	resp, err := h.Synth.Synthesize(c.Request().Context(), gemini.SpeechRequest{
		Model: h.Model,
		Text:  req.Text,
		Voice: voice,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, TTSResponse{
		AudioBase64: base64.StdEncoding.EncodeToString(resp.Audio),
		MIMEType:    resp.MIMEType,
	})
}

// defaultVoice picks a prebuilt voice for the conversation language. Thai
// speech sounds noticeably better on Aoede; everything else gets Kore.
func defaultVoice(language string) string {
	if strings.HasPrefix(strings.ToLower(language), "th") {
		return "Aoede"
	}
	return "Kore"
}
