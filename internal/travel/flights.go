package travel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/voyatrip/voya/internal/agent/core"
)

// flightQuery is the validated shape of a flight search.
type flightQuery struct {
	Origin      string
	Destination string
	DepartDate  string
	ReturnDate  string
	Adults      int
	CabinClass  string
	NonStop     bool
	Currency    string
}

func (c *Client) flightQueryFrom(ctx context.Context, req core.Requirements) (flightQuery, error) {
	q := flightQuery{
		Origin:      strings.ToUpper(req.String("origin")),
		Destination: strings.ToUpper(req.String("destination")),
		DepartDate:  req.String("departure_date"),
		ReturnDate:  req.String("return_date"),
		Adults:      req.Int("adults"),
		CabinClass:  strings.ToUpper(req.String("cabin_class")),
		Currency:    strings.ToUpper(req.String("currency")),
	}
	if v, ok := req["non_stop"].(bool); ok {
		q.NonStop = v
	}
	if q.Adults <= 0 {
		q.Adults = 1
	}
	if q.Currency == "" {
		q.Currency = c.currency
	}
	if q.Origin == "" || q.Destination == "" {
		return q, fmt.Errorf("flight search needs origin and destination")
	}
	if q.DepartDate == "" {
		return q, fmt.Errorf("flight search needs departure_date")
	}

	// The controller mostly emits IATA codes, but city names slip through.
	var err error
	if !isIATACode(q.Origin) {
		if q.Origin, err = c.ResolveCity(ctx, q.Origin); err != nil {
			return q, fmt.Errorf("resolve origin: %w", err)
		}
	}
	if !isIATACode(q.Destination) {
		if q.Destination, err = c.ResolveCity(ctx, q.Destination); err != nil {
			return q, fmt.Errorf("resolve destination: %w", err)
		}
	}
	return q, nil
}

type flightOffer struct {
	ID          string `json:"id"`
	Itineraries []struct {
		Duration string `json:"duration"`
		Segments []struct {
			Departure struct {
				IataCode string `json:"iataCode"`
				At       string `json:"at"`
			} `json:"departure"`
			Arrival struct {
				IataCode string `json:"iataCode"`
				At       string `json:"at"`
			} `json:"arrival"`
			CarrierCode string `json:"carrierCode"`
			Number      string `json:"number"`
		} `json:"segments"`
	} `json:"itineraries"`
	Price struct {
		Currency   string `json:"currency"`
		GrandTotal string `json:"grandTotal"`
	} `json:"price"`
	ValidatingAirlineCodes []string `json:"validatingAirlineCodes"`
}

// SearchFlights queries the flight offers API and maps offers to options.
func (c *Client) SearchFlights(ctx context.Context, req core.Requirements) ([]core.Option, error) {
	q, err := c.flightQueryFrom(ctx, req)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"originLocationCode":      {q.Origin},
		"destinationLocationCode": {q.Destination},
		"departureDate":           {q.DepartDate},
		"adults":                  {strconv.Itoa(q.Adults)},
		"currencyCode":            {q.Currency},
		"max":                     {strconv.Itoa(c.maxResults)},
	}
	if q.ReturnDate != "" {
		params.Set("returnDate", q.ReturnDate)
	}
	if q.CabinClass != "" {
		params.Set("travelClass", q.CabinClass)
	}
	if q.NonStop {
		params.Set("nonStop", "true")
	}

	var resp struct {
		Data         []json.RawMessage `json:"data"`
		Dictionaries struct {
			Carriers map[string]string `json:"carriers"`
		} `json:"dictionaries"`
	}
	if err := c.doJSON(ctx, "GET", "/v2/shopping/flight-offers", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("flight offers: %w", err)
	}

	options := make([]core.Option, 0, len(resp.Data))
	for _, raw := range resp.Data {
		var offer flightOffer
		if err := json.Unmarshal(raw, &offer); err != nil {
			c.logger.Printf("skipping unparseable flight offer: %v", err)
			continue
		}
		if len(offer.Itineraries) == 0 || len(offer.Itineraries[0].Segments) == 0 {
			continue
		}

		out := offer.Itineraries[0]
		first := out.Segments[0]
		last := out.Segments[len(out.Segments)-1]
		stops := len(out.Segments) - 1
		durationMin := parseISODuration(out.Duration)

		carrier := first.CarrierCode
		if len(offer.ValidatingAirlineCodes) > 0 {
			carrier = offer.ValidatingAirlineCodes[0]
		}
		carrierName := resp.Dictionaries.Carriers[carrier]
		if carrierName == "" {
			carrierName = carrier
		}

		// The raw offer is kept verbatim; order creation posts it back.
		var rawOffer map[string]interface{}
		if err := json.Unmarshal(raw, &rawOffer); err != nil {
			rawOffer = nil
		}

		details := map[string]interface{}{
			"origin":           first.Departure.IataCode,
			"destination":      last.Arrival.IataCode,
			"departure_time":   first.Departure.At,
			"arrival_time":     last.Arrival.At,
			"duration_minutes": durationMin,
			"stops":            stops,
			"carrier":          carrier,
			"carrier_name":     carrierName,
			"flight_number":    first.CarrierCode + first.Number,
			"round_trip":       len(offer.Itineraries) > 1,
			"offer":            rawOffer,
		}

		options = append(options, core.Option{
			ID:       "fl-" + offer.ID,
			Provider: carrier,
			Summary:  flightSummary(offer, carrierName, durationMin, stops),
			Price: core.Money{
				Amount:   parseAmount(offer.Price.GrandTotal),
				Currency: offer.Price.Currency,
			},
			Details: details,
		})
	}
	return options, nil
}

func flightSummary(offer flightOffer, carrierName string, durationMin, stops int) string {
	out := offer.Itineraries[0]
	first := out.Segments[0]
	last := out.Segments[len(out.Segments)-1]

	stopNote := "non-stop"
	if stops == 1 {
		stopNote = "1 stop"
	} else if stops > 1 {
		stopNote = fmt.Sprintf("%d stops", stops)
	}

	s := fmt.Sprintf("%s %s%s %s-%s %s-%s (%s, %s)",
		carrierName, first.CarrierCode, first.Number,
		first.Departure.IataCode, last.Arrival.IataCode,
		clockOf(first.Departure.At), clockOf(last.Arrival.At),
		formatMinutes(durationMin), stopNote)
	if len(offer.Itineraries) > 1 && len(offer.Itineraries[1].Segments) > 0 {
		ret := offer.Itineraries[1].Segments[0]
		s += fmt.Sprintf(", return %s %s", dateOf(ret.Departure.At), clockOf(ret.Departure.At))
	}
	return s
}

func formatMinutes(min int) string {
	if min <= 0 {
		return "?"
	}
	h, m := min/60, min%60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	if m == 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}

func isIATACode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
