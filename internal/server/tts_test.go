package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/provider/gemini"
)

type synthStub struct {
	got gemini.SpeechRequest
}

func (s *synthStub) Synthesize(ctx context.Context, req gemini.SpeechRequest) (*gemini.SpeechResponse, error) {
	s.got = req
	return &gemini.SpeechResponse{Audio: []byte("pcm-bytes"), MIMEType: "audio/L16;rate=24000"}, nil
}

func newTTSContext(body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/tts", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	return ctx, rec
}

func TestSynthesizeEncodesAudio(t *testing.T) {
	synth := &synthStub{}
	h := &TTSHandler{Synth: synth, Model: "tts-model"}

	ctx, rec := newTTSContext(`{"text":"สวัสดีครับ","language":"th"}`)
	if err := h.synthesize(ctx); err != nil {
		t.Fatalf("synthesize returned error: %v", err)
	}
	if synth.got.Voice != "Aoede" {
		t.Fatalf("expected Thai default voice, got %q", synth.got.Voice)
	}
	if synth.got.Model != "tts-model" {
		t.Fatalf("expected configured model, got %q", synth.got.Model)
	}
	var resp TTSResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AudioBase64 != base64.StdEncoding.EncodeToString([]byte("pcm-bytes")) {
		t.Fatalf("audio not base64 encoded: %q", resp.AudioBase64)
	}
}

func TestSynthesizeUnconfigured(t *testing.T) {
	h := &TTSHandler{}
	ctx, _ := newTTSContext(`{"text":"hello"}`)
	err := h.synthesize(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %#v", err)
	}
}

func TestDefaultVoice(t *testing.T) {
	if v := defaultVoice("th"); v != "Aoede" {
		t.Fatalf("th: got %q", v)
	}
	if v := defaultVoice("th-TH"); v != "Aoede" {
		t.Fatalf("th-TH: got %q", v)
	}
	if v := defaultVoice("en"); v != "Kore" {
		t.Fatalf("en: got %q", v)
	}
	if v := defaultVoice(""); v != "Kore" {
		t.Fatalf("empty: got %q", v)
	}
}
