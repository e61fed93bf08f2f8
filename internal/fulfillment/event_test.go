package fulfillment

import (
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

func TestVerify(t *testing.T) {
	body := []byte(`{"notifyType":"ORDER_STATUS","content":{"orderNo":"B1"}}`)
	sig := hex.EncodeToString(Sign(body, "secret"))

	if err := Verify(body, sig, "secret"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Verify(body, sig, "other"); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Errorf("expected invalid signature, got %v", err)
	}
	if err := Verify(body, "zz", "secret"); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Errorf("expected invalid signature for malformed header, got %v", err)
	}

	if ShouldVerify("", "secret") || ShouldVerify(sig, "") {
		t.Error("expected verification skipped unless header and secret are both present")
	}
}

func TestContent_Update(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		content    Content
		wantState  domain.ProvisioningState
		deactivate bool
		activated  bool
	}{
		{name: "resource allocated", content: Content{OrderNo: "B1", ICCID: "89", QRCodeURL: "https://qr"}},
		{name: "in use", content: Content{EsimStatus: "IN_USE"}, activated: true},
		{name: "used up", content: Content{EsimStatus: "USED_UP"}, deactivate: true},
		{name: "expired unused", content: Content{EsimStatus: "UNUSED_EXPIRED"}, deactivate: true},
		{name: "cancelled", content: Content{EsimStatus: "CANCEL"}, wantState: domain.ProvisioningCancelled, deactivate: true},
		{name: "unknown status", content: Content{EsimStatus: "SOMETHING_NEW"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upd := tt.content.Update([]byte(`{}`), now)
			if upd.ProvisioningState != tt.wantState {
				t.Errorf("expected state %q, got %q", tt.wantState, upd.ProvisioningState)
			}
			if upd.DeactivatePlan != tt.deactivate {
				t.Errorf("expected deactivate %v, got %v", tt.deactivate, upd.DeactivatePlan)
			}
			if (upd.ActivatedAt != nil) != tt.activated {
				t.Errorf("expected activated %v, got %v", tt.activated, upd.ActivatedAt)
			}
		})
	}
}

func TestContent_UpdateFingerprint(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := Content{EsimStatus: "IN_USE"}

	a := c.Update([]byte(`{"notifyType":"ESIM_STATUS","content":{"esimStatus":"IN_USE"}}`), now)
	again := c.Update([]byte(`{"notifyType":"ESIM_STATUS","content":{"esimStatus":"IN_USE"}}`), now.Add(time.Hour))
	b := c.Update([]byte(`{"notifyType":"VALIDITY_USAGE","content":{"esimStatus":"IN_USE"}}`), now)

	if a.Fingerprint == "" || a.Fingerprint != again.Fingerprint {
		t.Errorf("expected identical bodies to share a fingerprint, got %q and %q", a.Fingerprint, again.Fingerprint)
	}
	if a.Fingerprint == b.Fingerprint {
		t.Error("expected different bodies to have different fingerprints")
	}
}

func TestParseEvent(t *testing.T) {
	event, content, err := ParseEvent([]byte(`{"notifyType":"ESIM_STATUS","content":{"transactionId":"ORD-1","esimStatus":"IN_USE"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.NotifyType != NotifyEsimStatus || content.TransactionID != "ORD-1" {
		t.Errorf("unexpected event: %+v %+v", event, content)
	}

	_, content, err = ParseEvent([]byte(`{"notifyType":"CHECK_HEALTH"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content.OrderNo != "" || content.TransactionID != "" {
		t.Errorf("expected empty content, got %+v", content)
	}

	if _, _, err := ParseEvent([]byte(`{`)); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
