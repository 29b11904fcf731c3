package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/places"
	"github.com/voyatrip/voya/internal/search"
)

type tripDocsStub struct {
	trips   map[string]*core.TripPlan
	saved   *core.TripPlan
	deleted string
}

func (s *tripDocsStub) GetTrip(ctx context.Context, id string) (*core.TripPlan, error) {
	if trip, ok := s.trips[id]; ok {
		return trip, nil
	}
	return nil, docstore.ErrNotFound
}

func (s *tripDocsStub) ListTrips(ctx context.Context, userID string, offset, limit int) ([]core.TripPlan, error) {
	var out []core.TripPlan
	for _, trip := range s.trips {
		if trip.UserID == userID {
			out = append(out, *trip)
		}
	}
	return out, nil
}

func (s *tripDocsStub) SaveTrip(ctx context.Context, trip *core.TripPlan) error {
	s.saved = trip
	return nil
}

func (s *tripDocsStub) DeleteTrip(ctx context.Context, userID, id string) error {
	s.deleted = id
	delete(s.trips, id)
	return nil
}

type tripBookerStub struct {
	bookingID string
	err       error
	gotTrip   string
	gotToken  string
	gotBy     string
}

func (s *tripBookerStub) BookTrip(ctx context.Context, userID, tripID, requestedBy, cardToken string) (string, error) {
	s.gotTrip = tripID
	s.gotBy = requestedBy
	s.gotToken = cardToken
	if s.err != nil {
		return "", s.err
	}
	return s.bookingID, nil
}

type tripIndexStub struct {
	hits    []search.Hit
	deleted string
}

func (s *tripIndexStub) Search(ctx context.Context, userID, q string, limit int) ([]search.Hit, error) {
	return s.hits, nil
}

func (s *tripIndexStub) DeleteTrip(id string) error {
	s.deleted = id
	return nil
}

type attractionFinderStub struct {
	gotPlace string
	found    []places.Attraction
}

func (s *attractionFinderStub) AttractionsNear(ctx context.Context, place string, radiusMeters int) ([]places.Attraction, error) {
	s.gotPlace = place
	return s.found, nil
}

// planningTrip returns a trip mid-plan: one flight segment in SELECTING with
// a two-option pool.
func planningTrip() *core.TripPlan {
	return &core.TripPlan{
		ID:     "trip-1",
		UserID: "user-1",
		Title:  "Weekend in Chiang Mai",
		Status: core.TripStatusPlanning,
		Segments: []core.Segment{
			{
				ID:           "seg-1",
				Type:         core.SegmentFlight,
				Status:       core.SegmentSelecting,
				Requirements: core.Requirements{"origin": "BKK", "destination": "CNX"},
				OptionsPool: []core.Option{
					{ID: "opt-1", Provider: "amadeus", Summary: "TG 102", Price: core.Money{Amount: 1890, Currency: "THB"}},
					{ID: "opt-2", Provider: "amadeus", Summary: "FD 3437", Price: core.Money{Amount: 1190, Currency: "THB"}},
				},
			},
		},
	}
}

func newTripContext(method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	if len(params) > 0 {
		names := make([]string, 0, len(params)/2)
		values := make([]string, 0, len(params)/2)
		for i := 0; i+1 < len(params); i += 2 {
			names = append(names, params[i])
			values = append(values, params[i+1])
		}
		ctx.SetParamNames(names...)
		ctx.SetParamValues(values...)
	}
	return ctx, rec
}

func TestGetForeignTripHidden(t *testing.T) {
	trip := planningTrip()
	trip.UserID = "someone-else"
	h := &TripsHandler{Docs: &tripDocsStub{trips: map[string]*core.TripPlan{"trip-1": trip}}}

	ctx, _ := newTripContext(http.MethodGet, "/api/trips/trip-1", "", "id", "trip-1")
	err := h.get(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}

func TestSelectOptionConfirmsSegment(t *testing.T) {
	docs := &tripDocsStub{trips: map[string]*core.TripPlan{"trip-1": planningTrip()}}
	h := &TripsHandler{Docs: docs}

	ctx, rec := newTripContext(http.MethodPost, "/api/trips/trip-1/segments/seg-1/select",
		`{"option_id":"opt-2"}`, "id", "trip-1", "segment_id", "seg-1")
	if err := h.selectOption(ctx); err != nil {
		t.Fatalf("selectOption returned error: %v", err)
	}
	if docs.saved == nil {
		t.Fatalf("expected trip saved")
	}
	seg := docs.saved.Segments[0]
	if seg.Status != core.SegmentConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", seg.Status)
	}
	if seg.SelectedOption == nil || seg.SelectedOption.ID != "opt-2" {
		t.Fatalf("unexpected selection %+v", seg.SelectedOption)
	}
	if docs.saved.Status != core.TripStatusReady {
		t.Fatalf("sole segment confirmed, expected trip ready, got %s", docs.saved.Status)
	}
	var body core.TripPlan
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != core.TripStatusReady {
		t.Fatalf("response not updated: %s", body.Status)
	}
}

func TestSelectOptionRequiresSelectingSegment(t *testing.T) {
	trip := planningTrip()
	trip.Segments[0].Status = core.SegmentPending
	h := &TripsHandler{Docs: &tripDocsStub{trips: map[string]*core.TripPlan{"trip-1": trip}}}

	ctx, _ := newTripContext(http.MethodPost, "/api/trips/trip-1/segments/seg-1/select",
		`{"option_id":"opt-1"}`, "id", "trip-1", "segment_id", "seg-1")
	err := h.selectOption(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
}

func TestSelectOptionUnknownOptionConflicts(t *testing.T) {
	h := &TripsHandler{Docs: &tripDocsStub{trips: map[string]*core.TripPlan{"trip-1": planningTrip()}}}

	ctx, _ := newTripContext(http.MethodPost, "/api/trips/trip-1/segments/seg-1/select",
		`{"option_id":"opt-999"}`, "id", "trip-1", "segment_id", "seg-1")
	err := h.selectOption(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
}

func TestBookTripAccepted(t *testing.T) {
	booker := &tripBookerStub{bookingID: "bk-1"}
	h := &TripsHandler{
		Docs:  &tripDocsStub{trips: map[string]*core.TripPlan{"trip-1": planningTrip()}},
		Agent: booker,
	}

	ctx, rec := newTripContext(http.MethodPost, "/api/trips/trip-1/book",
		`{"card_token":"tokn_test_1"}`, "id", "trip-1")
	if err := h.book(ctx); err != nil {
		t.Fatalf("book returned error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if booker.gotTrip != "trip-1" || booker.gotBy != "user" || booker.gotToken != "tokn_test_1" {
		t.Fatalf("booking request wrong: %+v", booker)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["booking_id"] != "bk-1" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestBookTripUnconfirmedConflicts(t *testing.T) {
	h := &TripsHandler{
		Docs:  &tripDocsStub{trips: map[string]*core.TripPlan{"trip-1": planningTrip()}},
		Agent: &tripBookerStub{err: core.ErrTripNotReady},
	}

	ctx, _ := newTripContext(http.MethodPost, "/api/trips/trip-1/book", "", "id", "trip-1")
	err := h.book(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
}

func TestRemoveTripInFlightBookingConflicts(t *testing.T) {
	trip := planningTrip()
	trip.Status = core.TripStatusBooking
	h := &TripsHandler{Docs: &tripDocsStub{trips: map[string]*core.TripPlan{"trip-1": trip}}}

	ctx, _ := newTripContext(http.MethodDelete, "/api/trips/trip-1", "", "id", "trip-1")
	err := h.remove(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
}

func TestRemoveTripDropsSearchEntries(t *testing.T) {
	docs := &tripDocsStub{trips: map[string]*core.TripPlan{"trip-1": planningTrip()}}
	idx := &tripIndexStub{}
	h := &TripsHandler{Docs: docs, Index: idx}

	ctx, rec := newTripContext(http.MethodDelete, "/api/trips/trip-1", "", "id", "trip-1")
	if err := h.remove(ctx); err != nil {
		t.Fatalf("remove returned error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if docs.deleted != "trip-1" || idx.deleted != "trip-1" {
		t.Fatalf("expected docs and index cleanup, got docs=%q index=%q", docs.deleted, idx.deleted)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	h := &TripsHandler{Index: &tripIndexStub{}}
	ctx, _ := newTripContext(http.MethodGet, "/api/trips/search?q=", "")
	err := h.search(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestSearchReturnsHits(t *testing.T) {
	idx := &tripIndexStub{hits: []search.Hit{{ID: "trip-1", Type: "trip", Score: 1.2}}}
	h := &TripsHandler{Index: idx}

	ctx, rec := newTripContext(http.MethodGet, "/api/trips/search?q=chiang+mai", "")
	if err := h.search(ctx); err != nil {
		t.Fatalf("search returned error: %v", err)
	}
	var hits []search.Hit
	if err := json.Unmarshal(rec.Body.Bytes(), &hits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "trip-1" {
		t.Fatalf("unexpected hits %+v", hits)
	}
}

func TestExportICSNeedsConfirmedSegments(t *testing.T) {
	h := &TripsHandler{Docs: &tripDocsStub{trips: map[string]*core.TripPlan{"trip-1": planningTrip()}}}

	ctx, _ := newTripContext(http.MethodGet, "/api/trips/trip-1/export/ics", "", "id", "trip-1")
	err := h.exportICS(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
}

func TestAttractionsUsesDerivedDestination(t *testing.T) {
	trip := planningTrip()
	trip.Segments = append(trip.Segments, core.Segment{
		ID:           "seg-2",
		Type:         core.SegmentHotel,
		Status:       core.SegmentPending,
		Requirements: core.Requirements{"city": "Chiang Mai"},
	})
	finder := &attractionFinderStub{found: []places.Attraction{{Name: "Wat Phra Singh", Rating: 4.7}}}
	h := &TripsHandler{
		Docs:   &tripDocsStub{trips: map[string]*core.TripPlan{"trip-1": trip}},
		Places: finder,
	}

	ctx, rec := newTripContext(http.MethodGet, "/api/trips/trip-1/attractions", "", "id", "trip-1")
	if err := h.attractions(ctx); err != nil {
		t.Fatalf("attractions returned error: %v", err)
	}
	if finder.gotPlace != "Chiang Mai" {
		t.Fatalf("expected hotel city used, got %q", finder.gotPlace)
	}
	var found []places.Attraction
	if err := json.Unmarshal(rec.Body.Bytes(), &found); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(found) != 1 || found[0].Name != "Wat Phra Singh" {
		t.Fatalf("unexpected attractions %+v", found)
	}
}

func TestTripDestinationDerivation(t *testing.T) {
	hotelTrip := &core.TripPlan{Segments: []core.Segment{
		{Type: core.SegmentFlight, Requirements: core.Requirements{"destination": "CNX"}},
		{Type: core.SegmentHotel, Requirements: core.Requirements{"city": "Chiang Mai"}},
	}}
	if got := tripDestination(hotelTrip); got != "Chiang Mai" {
		t.Fatalf("hotel city should win, got %q", got)
	}

	flightTrip := &core.TripPlan{Segments: []core.Segment{
		{Type: core.SegmentFlight, Requirements: core.Requirements{"destination": "CNX"}},
	}}
	if got := tripDestination(flightTrip); got != "CNX" {
		t.Fatalf("flight destination fallback, got %q", got)
	}

	bareTrip := &core.TripPlan{Title: " Chiang Mai getaway "}
	if got := tripDestination(bareTrip); got != "Chiang Mai getaway" {
		t.Fatalf("title fallback, got %q", got)
	}
}
