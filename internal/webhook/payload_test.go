package webhook

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToOrderEventStorefrontPayload(t *testing.T) {
	raw := `{
		"Name": "Иван Петров",
		"Email": " Ivan@Example.com ",
		"Phone": "8 (912) 345-67-89",
		"payment": {"orderid": "X-100", "amount": "4 280 руб.", "promocode": "gupil"},
		"appliedBonuses": "1200",
		"utm_ref": "42"
	}`

	var payload OrderPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatal(err)
	}

	event, err := payload.ToOrderEvent()
	if err != nil {
		t.Fatal(err)
	}

	if !event.Amount.Equal(decimal.NewFromInt(4280)) {
		t.Errorf("Amount = %s, want 4280", event.Amount)
	}
	if !event.AppliedBonuses.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("AppliedBonuses = %s, want 1200", event.AppliedBonuses)
	}
	if event.Email != "ivan@example.com" {
		t.Errorf("Email = %q", event.Email)
	}
	if event.Phone != "+79123456789" {
		t.Errorf("Phone = %q", event.Phone)
	}
	if event.OrderID != "X-100" {
		t.Errorf("OrderID = %q", event.OrderID)
	}
	if !event.HasSpendTrigger() {
		t.Error("lowercase gupil with positive bonuses must trigger spend")
	}
}

func TestHasSpendTrigger(t *testing.T) {
	cases := []struct {
		promocode string
		applied   string
		want      bool
	}{
		{"GUPIL", "100", true},
		{"  gupil  ", "100", true},
		{"GuPiL", "0.01", true},
		{"GUPIL", "0", false},
		{"SALE10", "100", false},
		{"", "100", false},
	}
	for _, c := range cases {
		e := OrderEvent{
			Promocode:      c.promocode,
			AppliedBonuses: decimal.RequireFromString(c.applied),
		}
		if got := e.HasSpendTrigger(); got != c.want {
			t.Errorf("HasSpendTrigger(%q, %s) = %v, want %v", c.promocode, c.applied, got, c.want)
		}
	}
}

func TestToOrderEventRejectsBadInput(t *testing.T) {
	base := func() OrderPayload {
		var p OrderPayload
		p.Email = "a@b.ru"
		p.Payment.OrderID = "O-1"
		p.Payment.Amount = "100"
		return p
	}

	p := base()
	p.Payment.OrderID = ""
	if _, err := p.ToOrderEvent(); err == nil {
		t.Error("missing orderid must be rejected")
	}

	p = base()
	p.Email = ""
	p.Phone = ""
	if _, err := p.ToOrderEvent(); err == nil {
		t.Error("payload without contacts must be rejected")
	}

	p = base()
	p.Payment.Amount = "руб."
	if _, err := p.ToOrderEvent(); err == nil {
		t.Error("non-numeric amount must be rejected")
	}

	p = base()
	p.Payment.Amount = "-50"
	if _, err := p.ToOrderEvent(); err == nil {
		t.Error("negative amount must be rejected")
	}

	p = base()
	p.Email = "not-an-email"
	if _, err := p.ToOrderEvent(); err == nil {
		t.Error("malformed email must be rejected")
	}
}

func TestActionPayloadValidate(t *testing.T) {
	ok := ActionPayload{Action: ActionRegisterUser, Email: "a@b.ru"}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid register_user rejected: %v", err)
	}

	bad := ActionPayload{Action: "drop_tables"}
	if err := bad.Validate(); err == nil {
		t.Error("unknown action must be rejected")
	}

	noContacts := ActionPayload{Action: ActionRegisterUser}
	if err := noContacts.Validate(); err == nil {
		t.Error("register_user without contacts must be rejected")
	}

	noAmount := ActionPayload{Action: ActionPurchase, Email: "a@b.ru"}
	if err := noAmount.Validate(); err == nil {
		t.Error("purchase without amount must be rejected")
	}
}
