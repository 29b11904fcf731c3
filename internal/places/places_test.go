package places

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voyatrip/voya/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.PlacesConfig{APIKey: "test-key", BaseURL: srv.URL, Language: "en"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestGeocode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/geocode/json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Query().Get("address") != "Chiang Mai" {
			t.Errorf("address = %q", r.URL.Query().Get("address"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"OK","results":[{"formatted_address":"Chiang Mai, Thailand","geometry":{"location":{"lat":18.7883,"lng":98.9853}}}]}`))
	})

	c := newTestClient(t, mux)
	loc, err := c.Geocode(context.Background(), "Chiang Mai")
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if loc.Address != "Chiang Mai, Thailand" {
		t.Fatalf("address = %q", loc.Address)
	}
	if loc.LatLng.Lat != 18.7883 || loc.LatLng.Lng != 98.9853 {
		t.Fatalf("latlng = %+v", loc.LatLng)
	}
}

func TestGeocodeMapsStatusToError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/geocode/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"REQUEST_DENIED","error_message":"The provided API key is invalid.","results":[]}`))
	})

	c := newTestClient(t, mux)
	_, err := c.Geocode(context.Background(), "Chiang Mai")
	if err == nil {
		t.Fatalf("expected error for REQUEST_DENIED")
	}
}

func TestNearbyAttractions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/place/nearbysearch/json", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("type"); got != "tourist_attraction" {
			t.Errorf("type = %q", got)
		}
		if got := r.URL.Query().Get("location"); got != "18.788300,98.985300" {
			t.Errorf("location = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"OK","results":[
			{"name":"Wat Phra Singh","rating":4.7,"user_ratings_total":14000,"vicinity":"Si Phum, Mueang Chiang Mai"},
			{"name":"Wat Chedi Luang","rating":4.6,"user_ratings_total":9800,"vicinity":"Phra Sing, Mueang Chiang Mai"}
		]}`))
	})

	c := newTestClient(t, mux)
	out, err := c.NearbyAttractions(context.Background(), LatLng{Lat: 18.7883, Lng: 98.9853}, 0)
	if err != nil {
		t.Fatalf("NearbyAttractions: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 attractions, got %d", len(out))
	}
	if out[0].Name != "Wat Phra Singh" || out[0].Rating != 4.7 {
		t.Fatalf("unexpected first attraction: %+v", out[0])
	}
}

func TestNearbyAttractionsZeroResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/place/nearbysearch/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
	})

	c := newTestClient(t, mux)
	out, err := c.NearbyAttractions(context.Background(), LatLng{Lat: 0, Lng: 0}, 500)
	if err != nil {
		t.Fatalf("NearbyAttractions: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no attractions, got %d", len(out))
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(config.PlacesConfig{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}
