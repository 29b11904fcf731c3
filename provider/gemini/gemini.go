// Package gemini is a minimal REST client for Google's Gemini API. It covers
// the three call shapes the service needs: text completion for the chat
// models, single-shot speech synthesis, and the bidirectional live endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the default Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultAPIVersion is the Gemini API version.
	DefaultAPIVersion = "v1beta"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max output tokens for completions.
	DefaultMaxTokens = 4096

	// DefaultTemperature is the default temperature for completions.
	DefaultTemperature = 0.7

	// liveEndpointPath is the websocket endpoint for bidirectional sessions.
	liveEndpointPath = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the Gemini REST API.
type Client struct {
	apiKey     string
	baseURL    string
	apiVersion string
	timeout    time.Duration
	client     HTTPClient
	healthy    bool
	mu         sync.RWMutex
}

// Config contains configuration for the Gemini client.
type Config struct {
	APIKey     string        // Required: Google API key
	BaseURL    string        // Optional: API base URL
	APIVersion string        // Optional: API version (default: v1beta)
	Timeout    time.Duration // Optional: HTTP timeout (default: 120s)
}

// CompletionRequest represents a completion request to Gemini.
type CompletionRequest struct {
	Model         string  // Required: API model name, e.g. gemini-2.0-flash
	Prompt        string  // The user message
	SystemPrompt  string  // Optional system instruction
	MaxTokens     int     // Maximum tokens to generate
	Temperature   float64 // Temperature (0.0-2.0); negative means default
	TopP          float64 // Top-p sampling (0.0-1.0)
	StopSequences []string
	JSONOutput    bool // Ask the API for application/json responses
}

// CompletionResponse represents a completion response from Gemini.
type CompletionResponse struct {
	Content    string
	Model      string
	StopReason string
	Usage      UsageStats
	Latency    time.Duration
}

// UsageStats contains token usage statistics.
type UsageStats struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// SpeechRequest asks for synthesized audio of the given text.
type SpeechRequest struct {
	Model string // TTS-capable model, e.g. gemini-2.5-flash-preview-tts
	Text  string
	Voice string // prebuilt voice name, e.g. Kore
}

// SpeechResponse carries synthesized audio.
type SpeechResponse struct {
	Audio    []byte // raw audio bytes, typically 24kHz 16-bit PCM
	MIMEType string
	Usage    UsageStats
}

// NewClient creates a new Gemini client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		timeout:    cfg.Timeout,
		client:     &http.Client{Timeout: cfg.Timeout},
		healthy:    true,
	}, nil
}

// IsHealthy returns whether the last API call succeeded.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy && c.apiKey != ""
}

func (c *Client) setHealthy(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

// Complete generates a completion for the given request.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	if req.Model == "" {
		return nil, fmt.Errorf("gemini model is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := req.Temperature
	if temperature < 0 {
		temperature = DefaultTemperature
	}

	generationConfig := map[string]interface{}{
		"maxOutputTokens": maxTokens,
		"temperature":     temperature,
	}
	if req.TopP > 0 {
		generationConfig["topP"] = req.TopP
	}
	if len(req.StopSequences) > 0 {
		generationConfig["stopSequences"] = req.StopSequences
	}
	if req.JSONOutput {
		generationConfig["responseMimeType"] = "application/json"
	}

	apiReq := map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"role":  "user",
				"parts": []map[string]interface{}{{"text": req.Prompt}},
			},
		},
		"generationConfig": generationConfig,
	}
	if req.SystemPrompt != "" {
		apiReq["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]interface{}{{"text": req.SystemPrompt}},
		}
	}

	apiResp, err := c.post(ctx, req.Model, apiReq)
	if err != nil {
		return nil, err
	}

	content := ""
	if len(apiResp.Candidates) > 0 && len(apiResp.Candidates[0].Content.Parts) > 0 {
		content = apiResp.Candidates[0].Content.Parts[0].Text
	}
	stopReason := "unknown"
	if len(apiResp.Candidates) > 0 {
		stopReason = mapFinishReason(apiResp.Candidates[0].FinishReason)
	}

	return &CompletionResponse{
		Content:    content,
		Model:      req.Model,
		StopReason: stopReason,
		Usage:      apiResp.usage(),
		Latency:    time.Since(start),
	}, nil
}

// Synthesize produces spoken audio for the given text.
func (c *Client) Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResponse, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("gemini TTS model is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("text to synthesize is empty")
	}
	voice := req.Voice
	if voice == "" {
		voice = "Kore"
	}

	apiReq := map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"role":  "user",
				"parts": []map[string]interface{}{{"text": req.Text}},
			},
		},
		"generationConfig": map[string]interface{}{
			"responseModalities": []string{"AUDIO"},
			"speechConfig": map[string]interface{}{
				"voiceConfig": map[string]interface{}{
					"prebuiltVoiceConfig": map[string]interface{}{"voiceName": voice},
				},
			},
		},
	}

	apiResp, err := c.post(ctx, req.Model, apiReq)
	if err != nil {
		return nil, err
	}
	if len(apiResp.Candidates) == 0 || len(apiResp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini returned no audio")
	}
	inline := apiResp.Candidates[0].Content.Parts[0].InlineData
	if inline == nil || inline.Data == "" {
		return nil, fmt.Errorf("gemini returned no audio data")
	}
	audio, err := base64.StdEncoding.DecodeString(inline.Data)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return &SpeechResponse{
		Audio:    audio,
		MIMEType: inline.MIMEType,
		Usage:    apiResp.usage(),
	}, nil
}

// LiveURL returns the authenticated websocket URL for a bidirectional
// audio session. The model is selected by the setup frame, not the URL.
func (c *Client) LiveURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return fmt.Sprintf("%s%s?key=%s", base, liveEndpointPath, c.apiKey)
}

// LiveSetup builds the initial setup frame a live session must send after
// connecting.
func LiveSetup(model string, voice string, language string) ([]byte, error) {
	if model == "" {
		return nil, fmt.Errorf("live model is required")
	}
	setup := map[string]interface{}{
		"model": "models/" + strings.TrimPrefix(model, "models/"),
		"generationConfig": map[string]interface{}{
			"responseModalities": []string{"AUDIO"},
		},
	}
	speech := map[string]interface{}{}
	if voice != "" {
		speech["voiceConfig"] = map[string]interface{}{
			"prebuiltVoiceConfig": map[string]interface{}{"voiceName": voice},
		}
	}
	if language != "" {
		speech["languageCode"] = language
	}
	if len(speech) > 0 {
		setup["generationConfig"].(map[string]interface{})["speechConfig"] = speech
	}
	return json.Marshal(map[string]interface{}{"setup": setup})
}

// post issues a generateContent call and decodes the response envelope.
func (c *Client) post(ctx context.Context, model string, apiReq map[string]interface{}) (*geminiResponse, error) {
	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/models/%s:generateContent?key=%s", c.baseURL, c.apiVersion, model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.setHealthy(false)
		return nil, fmt.Errorf("gemini API error: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			c.setHealthy(false)
		}
		return nil, parseAPIError(resp.StatusCode, body)
	}
	c.setHealthy(true)

	var apiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &apiResp, nil
}

// parseAPIError parses an API error response.
func parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("gemini API error (status %d): %s", statusCode, string(body))
	}
	return &APIError{
		StatusCode: statusCode,
		Code:       errResp.Error.Code,
		Status:     errResp.Error.Status,
		Message:    errResp.Error.Message,
	}
}

// mapFinishReason maps Gemini finish reasons to standard reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "OTHER":
		return "other"
	default:
		return reason
	}
}

// APIError represents a Gemini API error.
type APIError struct {
	StatusCode int
	Code       int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini API error (status %d, code %d, %s): %s",
		e.StatusCode, e.Code, e.Status, e.Message)
}

// IsRateLimitError returns true if this is a rate limit error.
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Status == "RESOURCE_EXHAUSTED"
}

// IsAuthError returns true if this is an authentication error.
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusForbidden ||
		e.Status == "UNAUTHENTICATED" ||
		e.Status == "PERMISSION_DENIED"
}

// Internal API types

type geminiResponse struct {
	Candidates     []geminiCandidate    `json:"candidates,omitempty"`
	UsageMetadata  *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

func (r *geminiResponse) usage() UsageStats {
	if r.UsageMetadata == nil {
		return UsageStats{}
	}
	return UsageStats{
		InputTokens:  r.UsageMetadata.PromptTokenCount,
		OutputTokens: r.UsageMetadata.CandidatesTokenCount,
		TotalTokens:  r.UsageMetadata.TotalTokenCount,
	}
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// SetHTTPClient sets a custom HTTP client for testing.
func (c *Client) SetHTTPClient(client HTTPClient) {
	c.client = client
}
