package payments

import (
	"context"
	"testing"

	"github.com/voyatrip/voya/config"
)

func TestSatang(t *testing.T) {
	cases := []struct {
		amount float64
		want   int64
	}{
		{0, 0},
		{1, 100},
		{1190.50, 119050},
		{3590, 359000},
		{0.004, 0},
		{0.005, 1},
	}
	for _, tc := range cases {
		if got := Satang(tc.amount); got != tc.want {
			t.Errorf("Satang(%v) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}

func TestNewRequiresKeys(t *testing.T) {
	if _, err := New(config.PaymentsConfig{}); err == nil {
		t.Fatalf("expected error for missing keys")
	}
	if _, err := New(config.PaymentsConfig{PublicKey: "pkey_test"}); err == nil {
		t.Fatalf("expected error for missing secret key")
	}
}

func TestChargeValidatesRequest(t *testing.T) {
	svc, err := New(config.PaymentsConfig{PublicKey: "pkey_test_x", SecretKey: "skey_test_x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := svc.Charge(context.Background(), ChargeRequest{Token: "tokn_x"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := svc.Charge(context.Background(), ChargeRequest{AmountCents: 100}); err == nil {
		t.Fatalf("expected error for missing token and customer")
	}
}

func TestRefundValidatesChargeID(t *testing.T) {
	svc, err := New(config.PaymentsConfig{PublicKey: "pkey_test_x", SecretKey: "skey_test_x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := svc.Refund(context.Background(), "", 0); err == nil {
		t.Fatalf("expected error for empty charge id")
	}
}
