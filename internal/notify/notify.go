// Package notify sends Firebase Cloud Messaging pushes for booking lifecycle
// events. Sends are fire-and-forget: failures are logged and never bubble up
// into the booking pipeline.
package notify

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/voyatrip/voya/config"
	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/docstore"
)

// sender is the slice of *messaging.Client the service uses.
type sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Service delivers push notifications to user devices. A disabled service is
// a no-op so local stacks run without Firebase credentials.
type Service struct {
	client  sender
	enabled bool
	log     *log.Logger
}

// New builds the FCM service from the Firebase app credentials.
func New(ctx context.Context, cfg config.FirebaseConfig) (*Service, error) {
	svc := &Service{
		enabled: cfg.Enabled,
		log:     log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
	if !cfg.Enabled {
		svc.log.Printf("push notifications disabled")
		return svc, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	svc.client = client
	return svc, nil
}

// Enabled reports whether pushes will actually be sent.
func (s *Service) Enabled() bool { return s.enabled && s.client != nil }

// BookingConfirmed tells the traveler their trip is booked and paid.
func (s *Service) BookingConfirmed(ctx context.Context, token string, b *docstore.Booking) {
	s.send(ctx, token,
		"Booking confirmed",
		fmt.Sprintf("Your trip is booked. %.2f %s charged.", b.Amount, b.Currency),
		map[string]string{
			"type":       "booking_confirmed",
			"booking_id": b.ID,
			"trip_id":    b.TripID,
		})
}

// BookingFailed tells the traveler a booking attempt did not go through.
func (s *Service) BookingFailed(ctx context.Context, token string, b *docstore.Booking, reason string) {
	body := "We could not complete your booking."
	if reason != "" {
		body = fmt.Sprintf("We could not complete your booking: %s", reason)
	}
	s.send(ctx, token, "Booking failed", body, map[string]string{
		"type":       "booking_failed",
		"booking_id": b.ID,
		"trip_id":    b.TripID,
	})
}

// ApprovalRequested asks the traveler to approve a booking the agent held
// because it crossed the approval threshold.
func (s *Service) ApprovalRequested(ctx context.Context, token, approvalID string, amount core.Money) {
	s.send(ctx, token,
		"Approval needed",
		fmt.Sprintf("Your agent found a trip for %.2f %s. Approve to book it.", amount.Amount, amount.Currency),
		map[string]string{
			"type":        "approval_requested",
			"approval_id": approvalID,
		})
}

// TripReminder nudges the traveler about a planned trip that was never booked.
func (s *Service) TripReminder(ctx context.Context, token string, trip *core.TripPlan) {
	title := trip.Title
	if title == "" {
		title = "your trip"
	}
	s.send(ctx, token,
		"Trip waiting",
		fmt.Sprintf("All options for %s are confirmed. Book before prices change.", title),
		map[string]string{
			"type":    "trip_reminder",
			"trip_id": trip.ID,
		})
}

func (s *Service) send(ctx context.Context, token, title, body string, data map[string]string) {
	if !s.Enabled() {
		return
	}
	if token == "" {
		return
	}
	msg := &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         data,
	}
	if _, err := s.client.Send(ctx, msg); err != nil {
		s.log.Printf("push %q failed: %v", title, err)
	}
}
