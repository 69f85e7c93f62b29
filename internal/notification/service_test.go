package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"loyalty-bonus-bot/internal/database"
)

func TestWithinAllowedHours(t *testing.T) {
	s := &Service{}

	cases := []struct {
		hour    int
		allowed bool
	}{
		{0, false},
		{7, false},
		{8, true},
		{12, true},
		{21, true},
		{22, false},
		{23, false},
	}

	for _, c := range cases {
		now := time.Date(2025, 6, 1, c.hour, 30, 0, 0, time.UTC)
		if got := s.withinAllowedHours(now); got != c.allowed {
			t.Errorf("withinAllowedHours(%02d:30) = %v, want %v", c.hour, got, c.allowed)
		}
	}
}

func TestStubSenderReportsUnavailable(t *testing.T) {
	sender := &stubSender{channel: database.ChannelEmail}
	user := &database.User{ID: 1}

	err := sender.Send(context.Background(), user, "t", "m")
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Errorf("stub sender error = %v, want ErrChannelUnavailable", err)
	}
}
