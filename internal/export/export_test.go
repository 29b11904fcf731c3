package export

import (
	"errors"
	"strings"
	"testing"

	"github.com/voyatrip/voya/internal/agent/core"
)

func exportTrip() *core.TripPlan {
	return &core.TripPlan{
		ID:        "trip-1",
		UserID:    "user-1",
		Title:     "Chiang Mai getaway",
		HomeCity:  "Bangkok",
		Travelers: 2,
		Currency:  "THB",
		Status:    core.TripStatusReady,
		Segments: []core.Segment{
			{
				ID:     "seg-fl",
				Type:   core.SegmentFlight,
				Status: core.SegmentConfirmed,
				SelectedOption: &core.Option{
					ID:       "fl-1",
					Provider: "TG",
					Summary:  "Thai Airways TG102 BKK-CNX 10:30-11:45 (1h 15m, non-stop)",
					Price:    core.Money{Amount: 4500, Currency: "THB"},
					Details: map[string]interface{}{
						"origin":         "BKK",
						"destination":    "CNX",
						"departure_time": "2026-09-01T10:30:00",
						"arrival_time":   "2026-09-01T11:45:00",
						"flight_number":  "TG102",
					},
				},
			},
			{
				ID:     "seg-ht",
				Type:   core.SegmentHotel,
				Status: core.SegmentConfirmed,
				SelectedOption: &core.Option{
					ID:       "ht-1",
					Provider: "Rachamankha",
					Summary:  "Rachamankha, 5-star, deluxe",
					Price:    core.Money{Amount: 9800, Currency: "THB"},
					Details: map[string]interface{}{
						"hotel_name": "Rachamankha",
						"city":       "CNX",
						"check_in":   "2026-09-01",
						"check_out":  "2026-09-04",
						"room":       "DELUXE_ROOM",
					},
				},
			},
			{
				ID:     "seg-tr",
				Type:   core.SegmentTransfer,
				Status: core.SegmentConfirmed,
				SelectedOption: &core.Option{
					ID:       "tr-1",
					Provider: "ChiangMaiCabs",
					Summary:  "private sedan, up to 3 passengers",
					Price:    core.Money{Amount: 600, Currency: "THB"},
					Details: map[string]interface{}{
						"pickup":          "CNX Airport",
						"dropoff":         "Rachamankha Hotel",
						"pickup_datetime": "2026-09-01T12:15:00",
						"vehicle":         "Sedan",
					},
				},
			},
		},
	}
}

func TestPDFRequiresConfirmedSegment(t *testing.T) {
	trip := &core.TripPlan{ID: "trip-1", Segments: []core.Segment{
		{ID: "seg-1", Type: core.SegmentFlight, Status: core.SegmentSelecting},
	}}
	if _, err := PDF(trip); !errors.Is(err, ErrNoConfirmedSegments) {
		t.Fatalf("expected ErrNoConfirmedSegments, got %v", err)
	}
	if _, err := ICS(trip); !errors.Is(err, ErrNoConfirmedSegments) {
		t.Fatalf("expected ErrNoConfirmedSegments, got %v", err)
	}
}

func TestPDFRendersItinerary(t *testing.T) {
	raw, err := PDF(exportTrip())
	if err != nil {
		t.Fatalf("render pdf: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected pdf bytes")
	}
	if !strings.HasPrefix(string(raw[:4]), "%PDF") {
		t.Fatalf("expected pdf header, got %q", raw[:4])
	}
}

func TestICSEmitsEventPerConfirmedSegment(t *testing.T) {
	out, err := ICS(exportTrip())
	if err != nil {
		t.Fatalf("render ics: %v", err)
	}

	if !strings.Contains(out, "BEGIN:VCALENDAR") {
		t.Fatal("expected calendar wrapper")
	}
	if !strings.Contains(out, "PRODID:-//Voya//Trip Planner//EN") {
		t.Fatal("expected Voya product id")
	}
	if got := strings.Count(out, "BEGIN:VEVENT"); got != 3 {
		t.Fatalf("expected 3 events, got %d:\n%s", got, out)
	}
	for _, uid := range []string{"UID:seg-fl", "UID:seg-ht", "UID:seg-tr"} {
		if !strings.Contains(out, uid) {
			t.Fatalf("missing %s in:\n%s", uid, out)
		}
	}
	if !strings.Contains(out, "DTSTART:20260901T103000Z") {
		t.Fatalf("expected flight departure, got:\n%s", out)
	}
	if !strings.Contains(out, "SUMMARY:Flight BKK to CNX (TG102)") {
		t.Fatalf("expected flight summary, got:\n%s", out)
	}
	if !strings.Contains(out, "DTSTART;VALUE=DATE:20260901") {
		t.Fatalf("expected all-day hotel start, got:\n%s", out)
	}
	if !strings.Contains(out, "DTEND;VALUE=DATE:20260904") {
		t.Fatalf("expected all-day hotel end, got:\n%s", out)
	}
	if !strings.Contains(out, "SUMMARY:Hotel: Rachamankha") {
		t.Fatalf("expected hotel summary, got:\n%s", out)
	}
	if !strings.Contains(out, "SUMMARY:Transfer CNX Airport to Rachamankha Hotel") {
		t.Fatalf("expected transfer summary, got:\n%s", out)
	}
}

func TestICSSkipsUnconfirmedAndUndated(t *testing.T) {
	trip := exportTrip()
	trip.Segments[1].Status = core.SegmentSelecting
	delete(trip.Segments[2].SelectedOption.Details, "pickup_datetime")

	out, err := ICS(trip)
	if err != nil {
		t.Fatalf("render ics: %v", err)
	}
	if got := strings.Count(out, "BEGIN:VEVENT"); got != 1 {
		t.Fatalf("expected only the flight event, got %d:\n%s", got, out)
	}
}

func TestParseWhenAcceptedLayouts(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"2026-09-01T10:30:00", true},
		{"2026-09-01T10:30:00+07:00", true},
		{"2026-09-01", true},
		{"", false},
		{"next tuesday", false},
	}
	for _, tc := range cases {
		if _, ok := parseWhen(tc.in); ok != tc.ok {
			t.Fatalf("parseWhen(%q) ok=%v, want %v", tc.in, ok, tc.ok)
		}
	}
}
