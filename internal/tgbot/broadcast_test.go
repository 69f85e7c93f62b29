package tgbot

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"loyalty-bonus-bot/internal/database"
)

func TestBuildBroadcastKeyboardRowsOfTwo(t *testing.T) {
	buttons := []BroadcastButton{
		{Text: "A", URL: "https://a"},
		{Text: "B", URL: "https://b"},
		{Text: "C", URL: "https://c"},
	}

	markup := buildBroadcastKeyboard(buttons)
	if markup == nil {
		t.Fatal("expected keyboard, got nil")
	}
	if len(markup.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d, want 2", len(markup.InlineKeyboard))
	}
	if len(markup.InlineKeyboard[0]) != 2 || len(markup.InlineKeyboard[1]) != 1 {
		t.Errorf("unexpected row sizes: %d, %d",
			len(markup.InlineKeyboard[0]), len(markup.InlineKeyboard[1]))
	}
	if markup.InlineKeyboard[0][0].Text != "A" || markup.InlineKeyboard[1][0].Text != "C" {
		t.Error("insertion order not preserved")
	}
}

func TestBuildBroadcastKeyboardEmpty(t *testing.T) {
	if buildBroadcastKeyboard(nil) != nil {
		t.Error("empty button list must produce no keyboard")
	}
}

func TestIsConflictError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Conflict: terminated by other getUpdates request"), true},
		{errors.New("telegram: 409 Conflict"), true},
		{errors.New("Bad Request: chat not found"), false},
	}
	for _, c := range cases {
		if got := IsConflictError(c.err); got != c.want {
			t.Errorf("IsConflictError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	cases := []struct {
		percent int64
		want    string
	}{
		{0, "░░░░░░░░░░"},
		{35, "███░░░░░░░"},
		{100, "██████████"},
		{250, "██████████"},
	}
	for _, c := range cases {
		if got := progressBar(decimal.NewFromInt(c.percent)); got != c.want {
			t.Errorf("progressBar(%d) = %s, want %s", c.percent, got, c.want)
		}
	}
}

func TestTransactionSign(t *testing.T) {
	if transactionSign(database.TransactionTypeEarn) != "+" {
		t.Error("EARN must be prefixed with +")
	}
	for _, tt := range []database.TransactionType{
		database.TransactionTypeSpend,
		database.TransactionTypeExpire,
		database.TransactionTypeAdminAdjust,
	} {
		if transactionSign(tt) != "−" {
			t.Errorf("%s must be prefixed with −", tt)
		}
	}
}
