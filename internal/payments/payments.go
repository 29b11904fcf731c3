// Package payments charges bookings through Omise. Only the booking worker
// calls it; the API layer never touches card money directly.
package payments

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	omise "github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"

	"github.com/voyatrip/voya/config"
)

// ChargeRequest describes one booking charge. Either Token (a one-time card
// token) or CustomerID (a stored card) must be set.
type ChargeRequest struct {
	AmountCents int64
	Currency    string
	Token       string
	CustomerID  string
	Description string
	Metadata    map[string]interface{}
}

// ChargeResult is the settled state of a charge attempt.
type ChargeResult struct {
	ChargeID       string
	Status         string
	Paid           bool
	AmountCents    int64
	FailureCode    string
	FailureMessage string
}

// Service wraps the Omise client.
type Service struct {
	client   *omise.Client
	currency string
	log      *log.Logger
}

func New(cfg config.PaymentsConfig) (*Service, error) {
	if strings.TrimSpace(cfg.PublicKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("payments.public_key and payments.secret_key are required")
	}
	client, err := omise.NewClient(cfg.PublicKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = "thb"
	}
	return &Service{
		client:   client,
		currency: currency,
		log:      log.New(log.Writer(), "[PAYMENTS] ", log.LstdFlags),
	}, nil
}

// Charge places one charge. A declined card comes back as a ChargeResult with
// Paid=false and the failure fields set; only transport and API errors are
// returned as errors.
func (s *Service) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if req.AmountCents <= 0 {
		return ChargeResult{}, fmt.Errorf("amount must be positive")
	}
	if req.Token == "" && req.CustomerID == "" {
		return ChargeResult{}, fmt.Errorf("either a card token or a customer id is required")
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.currency
	}

	charge, create := &omise.Charge{}, &operations.CreateCharge{
		Amount:      req.AmountCents,
		Currency:    currency,
		Card:        req.Token,
		Customer:    req.CustomerID,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	if err := s.client.Do(charge, create); err != nil {
		return ChargeResult{}, fmt.Errorf("create charge: %w", err)
	}

	res := ChargeResult{
		ChargeID:    charge.ID,
		Status:      string(charge.Status),
		Paid:        charge.Paid,
		AmountCents: charge.Amount,
	}
	if charge.FailureCode != nil {
		res.FailureCode = *charge.FailureCode
	}
	if charge.FailureMessage != nil {
		res.FailureMessage = *charge.FailureMessage
	}
	if !res.Paid {
		s.log.Printf("charge %s not paid: status=%s code=%s", res.ChargeID, res.Status, res.FailureCode)
	}
	return res, nil
}

// Refund returns amountCents of a charge; zero refunds the full amount.
func (s *Service) Refund(ctx context.Context, chargeID string, amountCents int64) (string, error) {
	if chargeID == "" {
		return "", fmt.Errorf("charge id required")
	}
	refund, create := &omise.Refund{}, &operations.CreateRefund{
		ChargeID: chargeID,
		Amount:   amountCents,
	}
	if err := s.client.Do(refund, create); err != nil {
		return "", fmt.Errorf("create refund: %w", err)
	}
	return refund.ID, nil
}

// Satang converts a THB-style major-unit amount to the minor unit Omise
// charges in, rounding to the nearest satang.
func Satang(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
