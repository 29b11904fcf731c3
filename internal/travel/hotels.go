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

// hotelIDBatch caps how many hotel ids feed the offers call; the endpoint
// rejects very long id lists.
const hotelIDBatch = 20

type hotelQuery struct {
	CityCode string
	CheckIn  string
	CheckOut string
	Adults   int
	Rooms    int
	Currency string
}

func (c *Client) hotelQueryFrom(ctx context.Context, req core.Requirements) (hotelQuery, error) {
	q := hotelQuery{
		CityCode: strings.ToUpper(req.String("city")),
		CheckIn:  req.String("check_in"),
		CheckOut: req.String("check_out"),
		Adults:   req.Int("adults"),
		Rooms:    req.Int("rooms"),
		Currency: strings.ToUpper(req.String("currency")),
	}
	if q.CityCode == "" {
		q.CityCode = strings.ToUpper(req.String("destination"))
	}
	if q.Adults <= 0 {
		q.Adults = 1
	}
	if q.Rooms <= 0 {
		q.Rooms = 1
	}
	if q.Currency == "" {
		q.Currency = c.currency
	}
	if q.CityCode == "" {
		return q, fmt.Errorf("hotel search needs a city")
	}
	if q.CheckIn == "" || q.CheckOut == "" {
		return q, fmt.Errorf("hotel search needs check_in and check_out dates")
	}
	if !isIATACode(q.CityCode) {
		code, err := c.ResolveCity(ctx, q.CityCode)
		if err != nil {
			return q, fmt.Errorf("resolve city: %w", err)
		}
		q.CityCode = code
	}
	return q, nil
}

// SearchHotels lists hotels for the city, then prices the first batch of ids
// through the hotel offers API.
func (c *Client) SearchHotels(ctx context.Context, req core.Requirements) ([]core.Option, error) {
	q, err := c.hotelQueryFrom(ctx, req)
	if err != nil {
		return nil, err
	}

	var list struct {
		Data []struct {
			HotelID string `json:"hotelId"`
			Name    string `json:"name"`
		} `json:"data"`
	}
	listParams := url.Values{
		"cityCode":   {q.CityCode},
		"radius":     {"20"},
		"radiusUnit": {"KM"},
	}
	if err := c.doJSON(ctx, "GET", "/v1/reference-data/locations/hotels/by-city", listParams, nil, &list); err != nil {
		return nil, fmt.Errorf("hotels by city: %w", err)
	}
	if len(list.Data) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, hotelIDBatch)
	for _, h := range list.Data {
		if h.HotelID == "" {
			continue
		}
		ids = append(ids, h.HotelID)
		if len(ids) == hotelIDBatch {
			break
		}
	}

	offerParams := url.Values{
		"hotelIds":     {strings.Join(ids, ",")},
		"checkInDate":  {q.CheckIn},
		"checkOutDate": {q.CheckOut},
		"adults":       {strconv.Itoa(q.Adults)},
		"roomQuantity": {strconv.Itoa(q.Rooms)},
		"currency":     {q.Currency},
		"bestRateOnly": {"true"},
	}
	var offers struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.doJSON(ctx, "GET", "/v3/shopping/hotel-offers", offerParams, nil, &offers); err != nil {
		return nil, fmt.Errorf("hotel offers: %w", err)
	}

	options := make([]core.Option, 0, len(offers.Data))
	for _, raw := range offers.Data {
		var entry struct {
			Hotel struct {
				HotelID string `json:"hotelId"`
				Name    string `json:"name"`
				Rating  string `json:"rating"`
			} `json:"hotel"`
			Offers []struct {
				ID   string `json:"id"`
				Room struct {
					TypeEstimated struct {
						Category string `json:"category"`
						Beds     int    `json:"beds"`
						BedType  string `json:"bedType"`
					} `json:"typeEstimated"`
				} `json:"room"`
				BoardType string `json:"boardType"`
				Price     struct {
					Currency string `json:"currency"`
					Total    string `json:"total"`
				} `json:"price"`
			} `json:"offers"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil || len(entry.Offers) == 0 {
			continue
		}
		offer := entry.Offers[0]

		var rawEntry map[string]interface{}
		if err := json.Unmarshal(raw, &rawEntry); err != nil {
			rawEntry = nil
		}

		rating := parseAmount(entry.Hotel.Rating)
		details := map[string]interface{}{
			"hotel_id":   entry.Hotel.HotelID,
			"hotel_name": entry.Hotel.Name,
			"city":       q.CityCode,
			"check_in":   q.CheckIn,
			"check_out":  q.CheckOut,
			"room":       offer.Room.TypeEstimated.Category,
			"board":      offer.BoardType,
			"offer_id":   offer.ID,
			"offer":      rawEntry,
		}
		if rating > 0 {
			details["rating"] = rating
		}

		options = append(options, core.Option{
			ID:       "ht-" + offer.ID,
			Provider: hotelProviderName(entry.Hotel.Name, entry.Hotel.HotelID),
			Summary:  hotelSummary(entry.Hotel.Name, offer.Room.TypeEstimated.Category, rating, offer.BoardType),
			Price: core.Money{
				Amount:   parseAmount(offer.Price.Total),
				Currency: offer.Price.Currency,
			},
			Details: details,
		})
	}
	return options, nil
}

func hotelProviderName(name, id string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		return name
	}
	return id
}

func hotelSummary(name, room string, rating float64, board string) string {
	var parts []string
	parts = append(parts, strings.TrimSpace(name))
	if rating > 0 {
		parts = append(parts, fmt.Sprintf("%.0f-star", rating))
	}
	if room != "" {
		parts = append(parts, strings.ToLower(strings.ReplaceAll(room, "_", " ")))
	}
	if board != "" && !strings.EqualFold(board, "ROOM_ONLY") {
		parts = append(parts, strings.ToLower(strings.ReplaceAll(board, "_", " ")))
	}
	return strings.Join(parts, ", ")
}
