package travel

import (
	"context"
	"fmt"
	"strings"

	"github.com/voyatrip/voya/internal/agent/core"
)

type transferQuery struct {
	Pickup         string
	Dropoff        string
	PickupDateTime string
	Passengers     int
}

func transferQueryFrom(req core.Requirements) (transferQuery, error) {
	q := transferQuery{
		Pickup:         req.String("pickup"),
		Dropoff:        req.String("dropoff"),
		PickupDateTime: req.String("pickup_datetime"),
		Passengers:     req.Int("passengers"),
	}
	if q.Passengers <= 0 {
		q.Passengers = req.Int("adults")
	}
	if q.Passengers <= 0 {
		q.Passengers = 1
	}
	if q.Pickup == "" || q.Dropoff == "" {
		return q, fmt.Errorf("transfer search needs pickup and dropoff")
	}
	if q.PickupDateTime == "" {
		return q, fmt.Errorf("transfer search needs pickup_datetime")
	}
	return q, nil
}

// SearchTransfers queries ground transfer offers between two points.
func (c *Client) SearchTransfers(ctx context.Context, req core.Requirements) ([]core.Option, error) {
	q, err := transferQueryFrom(req)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"startDateTime": q.PickupDateTime,
		"passengers":    q.Passengers,
		"currencyCode":  c.currency,
	}
	// IATA codes address airports directly; anything else is a street address.
	if code := strings.ToUpper(q.Pickup); isIATACode(code) {
		body["startLocationCode"] = code
	} else {
		body["startAddressLine"] = q.Pickup
	}
	if code := strings.ToUpper(q.Dropoff); isIATACode(code) {
		body["endLocationCode"] = code
	} else {
		body["endAddressLine"] = q.Dropoff
	}

	var resp struct {
		Data []struct {
			ID           string `json:"id"`
			TransferType string `json:"transferType"`
			Vehicle      struct {
				Code        string `json:"code"`
				Description string `json:"description"`
				Seats       []struct {
					Count int `json:"count"`
				} `json:"seats"`
			} `json:"vehicle"`
			ServiceProvider struct {
				Code string `json:"code"`
				Name string `json:"name"`
			} `json:"serviceProvider"`
			Quotation struct {
				MonetaryAmount string `json:"monetaryAmount"`
				CurrencyCode   string `json:"currencyCode"`
			} `json:"quotation"`
			Start struct {
				DateTime string `json:"dateTime"`
			} `json:"start"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, "POST", "/v1/shopping/transfer-offers", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("transfer offers: %w", err)
	}

	options := make([]core.Option, 0, len(resp.Data))
	for _, t := range resp.Data {
		seats := 0
		if len(t.Vehicle.Seats) > 0 {
			seats = t.Vehicle.Seats[0].Count
		}
		provider := t.ServiceProvider.Name
		if provider == "" {
			provider = t.ServiceProvider.Code
		}

		summary := strings.ToLower(t.TransferType)
		if t.Vehicle.Description != "" {
			summary += " " + strings.ToLower(t.Vehicle.Description)
		}
		if seats > 0 {
			summary += fmt.Sprintf(", up to %d passengers", seats)
		}
		if provider != "" {
			summary += ", by " + provider
		}

		options = append(options, core.Option{
			ID:       "tr-" + t.ID,
			Provider: provider,
			Summary:  strings.TrimSpace(summary),
			Price: core.Money{
				Amount:   parseAmount(t.Quotation.MonetaryAmount),
				Currency: t.Quotation.CurrencyCode,
			},
			Details: map[string]interface{}{
				"transfer_type":   t.TransferType,
				"vehicle":         t.Vehicle.Description,
				"vehicle_code":    t.Vehicle.Code,
				"seats":           seats,
				"pickup":          q.Pickup,
				"dropoff":         q.Dropoff,
				"pickup_datetime": t.Start.DateTime,
				"offer_id":        t.ID,
			},
		})
	}
	return options, nil
}
