// Package travel is the Amadeus self-service API adapter. It implements the
// inventory searches behind the agent's CALL_SEARCH action plus the order
// creation calls used by the booking worker. All requests go through a
// client-credentials OAuth token that is cached until shortly before expiry.
package travel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/voyatrip/voya/config"
)

const (
	// DefaultBaseURL points at the Amadeus test environment. Production
	// deployments override it via amadeus.base_url.
	DefaultBaseURL = "https://test.api.amadeus.com"

	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults caps how many offers a single search returns.
	DefaultMaxResults = 10

	// tokenExpiryBuffer refreshes the token this long before it expires.
	tokenExpiryBuffer = 60 * time.Second
)

// HTTPClient lets tests swap the transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the Amadeus REST APIs.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	currency     string
	maxResults   int
	httpClient   HTTPClient
	logger       *log.Logger

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time

	locations *gocache.Cache
}

// NewClient builds an Amadeus client from configuration.
func NewClient(cfg config.AmadeusConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "THB"
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		currency:     currency,
		maxResults:   maxResults,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       log.New(log.Writer(), "[AMADEUS] ", log.LstdFlags),
		locations:    gocache.New(24*time.Hour, time.Hour),
	}, nil
}

// SetHTTPClient replaces the transport. Used by tests.
func (c *Client) SetHTTPClient(client HTTPClient) {
	c.httpClient = client
}

// APIError is a non-2xx answer from Amadeus, decoded from its errors array.
type APIError struct {
	StatusCode int
	Code       int
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("amadeus: %d %s: %s", e.StatusCode, e.Title, e.Detail)
	}
	return fmt.Sprintf("amadeus: %d %s", e.StatusCode, e.Title)
}

// IsAuth reports whether the error is an authentication failure.
func (e *APIError) IsAuth() bool { return e.StatusCode == http.StatusUnauthorized }

// IsRateLimit reports whether the error is a rate-limit rejection.
func (e *APIError) IsRateLimit() bool { return e.StatusCode == http.StatusTooManyRequests }

// getToken returns a valid bearer token, requesting a new one when the
// cached token is missing or about to expire.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expiry := c.token, c.tokenExpiry
	c.mu.RUnlock()
	if token != "" && time.Now().Before(expiry) {
		return token, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have refreshed while we waited for the lock.
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/security/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("token response had no access_token")
	}

	c.token = out.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenExpiryBuffer)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// doJSON performs an authorized request. A 401 invalidates the cached token
// and retries exactly once with a fresh one.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.getToken(ctx)
		if err != nil {
			return err
		}

		var payload io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			payload = strings.NewReader(string(b))
		}

		endpoint := c.baseURL + path
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.logger.Printf("token rejected, refreshing and retrying %s", path)
			c.invalidateToken()
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := decodeAPIError(resp)
			resp.Body.Close()
			return err
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("decode %s response: %w", path, decodeErr)
		}
		return nil
	}
	return fmt.Errorf("unreachable")
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Title: resp.Status}
	var body struct {
		Errors []struct {
			Status int    `json:"status"`
			Code   int    `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
		ErrorDescription string `json:"error_description"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if json.Unmarshal(raw, &body) == nil {
		if len(body.Errors) > 0 {
			apiErr.Code = body.Errors[0].Code
			apiErr.Title = body.Errors[0].Title
			apiErr.Detail = body.Errors[0].Detail
		} else if body.ErrorDescription != "" {
			apiErr.Detail = body.ErrorDescription
		}
	}
	return apiErr
}

// parseAmount converts Amadeus decimal strings like "2400.00".
func parseAmount(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// parseISODuration converts ISO-8601 durations like PT5H30M to minutes.
func parseISODuration(s string) int {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "PT")
	if s == "" {
		return 0
	}
	minutes := 0
	num := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
		case r == 'H':
			minutes += num * 60
			num = 0
		case r == 'M':
			minutes += num
			num = 0
		default:
			num = 0
		}
	}
	return minutes
}

// clockOf extracts HH:MM from an Amadeus local timestamp (2026-09-12T08:05:00).
func clockOf(ts string) string {
	if len(ts) >= 16 {
		return ts[11:16]
	}
	return ts
}

func dateOf(ts string) string {
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}
