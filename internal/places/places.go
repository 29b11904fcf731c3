// Package places wraps the Google Maps web services used to geocode
// destinations and list attractions around them.
package places

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voyatrip/voya/config"
	"github.com/voyatrip/voya/internal/httpx"
)

const (
	DefaultBaseURL      = "https://maps.googleapis.com/maps/api"
	DefaultRadiusMeters = 3000
)

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is a geocoded place.
type Location struct {
	Address string `json:"address"`
	LatLng  LatLng `json:"latlng"`
}

// Attraction is one nearby point of interest.
type Attraction struct {
	Name        string   `json:"name"`
	Rating      float64  `json:"rating,omitempty"`
	RatingCount int      `json:"rating_count,omitempty"`
	Vicinity    string   `json:"vicinity,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Client calls the Maps geocoding and nearby-search endpoints.
type Client struct {
	baseURL  string
	apiKey   string
	language string
	http     *httpx.Client
	log      *log.Logger
}

func NewClient(cfg config.PlacesConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("places api key is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	lang := cfg.Language
	if lang == "" {
		lang = "en"
	}
	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		apiKey:   cfg.APIKey,
		language: lang,
		http:     httpx.NewClient(10*time.Second, 2, 300*time.Millisecond),
		log:      log.New(log.Writer(), "[PLACES] ", log.LstdFlags),
	}, nil
}

// Geocode resolves a free-form address or city name to coordinates.
func (c *Client) Geocode(ctx context.Context, address string) (Location, error) {
	if strings.TrimSpace(address) == "" {
		return Location{}, fmt.Errorf("address required")
	}
	q := url.Values{}
	q.Set("address", address)
	q.Set("language", c.language)
	q.Set("key", c.apiKey)
	var resp struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
		Results      []struct {
			FormattedAddress string `json:"formatted_address"`
			Geometry         struct {
				Location LatLng `json:"location"`
			} `json:"geometry"`
		} `json:"results"`
	}
	endpoint := c.baseURL + "/geocode/json?" + q.Encode()
	if err := c.http.DoJSON(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return Location{}, fmt.Errorf("geocode %q: %w", address, err)
	}
	switch resp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return Location{}, fmt.Errorf("no geocode result for %q", address)
	default:
		return Location{}, statusErr("geocode", resp.Status, resp.ErrorMessage)
	}
	if len(resp.Results) == 0 {
		return Location{}, fmt.Errorf("no geocode result for %q", address)
	}
	r := resp.Results[0]
	return Location{Address: r.FormattedAddress, LatLng: r.Geometry.Location}, nil
}

// NearbyAttractions lists tourist attractions around a coordinate.
func (c *Client) NearbyAttractions(ctx context.Context, at LatLng, radiusMeters int) ([]Attraction, error) {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	q := url.Values{}
	q.Set("location", fmt.Sprintf("%.6f,%.6f", at.Lat, at.Lng))
	q.Set("radius", strconv.Itoa(radiusMeters))
	q.Set("type", "tourist_attraction")
	q.Set("language", c.language)
	q.Set("key", c.apiKey)
	var resp struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
		Results      []struct {
			Name             string   `json:"name"`
			Rating           float64  `json:"rating"`
			UserRatingsTotal int      `json:"user_ratings_total"`
			Vicinity         string   `json:"vicinity"`
			Types            []string `json:"types"`
		} `json:"results"`
	}
	endpoint := c.baseURL + "/place/nearbysearch/json?" + q.Encode()
	if err := c.http.DoJSON(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("nearby search: %w", err)
	}
	switch resp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, nil
	default:
		return nil, statusErr("nearby search", resp.Status, resp.ErrorMessage)
	}
	out := make([]Attraction, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Attraction{
			Name:        r.Name,
			Rating:      r.Rating,
			RatingCount: r.UserRatingsTotal,
			Vicinity:    r.Vicinity,
			Types:       r.Types,
		})
	}
	return out, nil
}

// AttractionsNear geocodes a place name and lists attractions around it.
func (c *Client) AttractionsNear(ctx context.Context, place string, radiusMeters int) ([]Attraction, error) {
	loc, err := c.Geocode(ctx, place)
	if err != nil {
		return nil, err
	}
	return c.NearbyAttractions(ctx, loc.LatLng, radiusMeters)
}

func statusErr(op, status, message string) error {
	if message != "" {
		return fmt.Errorf("%s: %s: %s", op, status, message)
	}
	return fmt.Errorf("%s: %s", op, status)
}
