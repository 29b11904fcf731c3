package travel

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// Traveler identifies one passenger or guest on an order.
type Traveler struct {
	FirstName   string
	LastName    string
	DateOfBirth string // YYYY-MM-DD
	Email       string
	Phone       string
}

// CreateFlightOrder books a previously returned flight offer. The offer map
// must be the verbatim offer from SearchFlights (Details["offer"]).
func (c *Client) CreateFlightOrder(ctx context.Context, offer map[string]interface{}, travelers []Traveler) (string, error) {
	if len(offer) == 0 {
		return "", fmt.Errorf("flight order needs the original offer payload")
	}
	if len(travelers) == 0 {
		return "", fmt.Errorf("flight order needs at least one traveler")
	}

	tvs := make([]map[string]interface{}, 0, len(travelers))
	for i, t := range travelers {
		tv := map[string]interface{}{
			"id":          strconv.Itoa(i + 1),
			"dateOfBirth": t.DateOfBirth,
			"name": map[string]string{
				"firstName": t.FirstName,
				"lastName":  t.LastName,
			},
		}
		contact := map[string]interface{}{}
		if t.Email != "" {
			contact["emailAddress"] = t.Email
		}
		if t.Phone != "" {
			contact["phones"] = []map[string]string{{
				"deviceType":         "MOBILE",
				"countryCallingCode": "66",
				"number":             t.Phone,
			}}
		}
		if len(contact) > 0 {
			tv["contact"] = contact
		}
		tvs = append(tvs, tv)
	}

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type":         "flight-order",
			"flightOffers": []interface{}{offer},
			"travelers":    tvs,
		},
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, "POST", "/v1/booking/flight-orders", nil, body, &resp); err != nil {
		return "", fmt.Errorf("create flight order: %w", err)
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("flight order response had no id")
	}
	return resp.Data.ID, nil
}

// CreateHotelOrder books a hotel offer by its offer id.
func (c *Client) CreateHotelOrder(ctx context.Context, offerID string, guests []Traveler) (string, error) {
	if offerID == "" {
		return "", fmt.Errorf("hotel order needs an offer id")
	}
	if len(guests) == 0 {
		return "", fmt.Errorf("hotel order needs at least one guest")
	}

	gs := make([]map[string]interface{}, 0, len(guests))
	refs := make([]map[string]string, 0, len(guests))
	for i, g := range guests {
		gs = append(gs, map[string]interface{}{
			"tid":       i + 1,
			"title":     "MR",
			"firstName": g.FirstName,
			"lastName":  g.LastName,
			"email":     g.Email,
			"phone":     g.Phone,
		})
		refs = append(refs, map[string]string{"guestReference": strconv.Itoa(i + 1)})
	}

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type":   "hotel-order",
			"guests": gs,
			"roomAssociations": []map[string]interface{}{{
				"guestReferences": refs,
				"hotelOfferId":    offerID,
			}},
		},
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, "POST", "/v2/booking/hotel-orders", nil, body, &resp); err != nil {
		return "", fmt.Errorf("create hotel order: %w", err)
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("hotel order response had no id")
	}
	return resp.Data.ID, nil
}

// CreateTransferOrder books a ground transfer offer by its offer id. Not every
// provider supports ordering; callers treat a failure here as a voucherless
// transfer rather than a booking failure.
func (c *Client) CreateTransferOrder(ctx context.Context, offerID string, passengers []Traveler) (string, error) {
	if offerID == "" {
		return "", fmt.Errorf("transfer order needs an offer id")
	}
	if len(passengers) == 0 {
		return "", fmt.Errorf("transfer order needs at least one passenger")
	}

	ps := make([]map[string]interface{}, 0, len(passengers))
	for _, p := range passengers {
		ps = append(ps, map[string]interface{}{
			"firstName": p.FirstName,
			"lastName":  p.LastName,
			"title":     "MR",
			"contacts": map[string]string{
				"phoneNumber": p.Phone,
				"email":       p.Email,
			},
		})
	}

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"passengers": ps,
		},
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	query := url.Values{"offerId": {offerID}}
	if err := c.doJSON(ctx, "POST", "/v1/ordering/transfer-orders", query, body, &resp); err != nil {
		return "", fmt.Errorf("create transfer order: %w", err)
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("transfer order response had no id")
	}
	return resp.Data.ID, nil
}
