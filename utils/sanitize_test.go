package utils

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSanitizeMoney(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain integer", input: "4280", want: "4280"},
		{name: "decimal point", input: "1200.50", want: "1200.5"},
		{name: "comma as separator", input: "1200,50", want: "1200.5"},
		{name: "currency suffix", input: "4 280 руб.", want: "4280"},
		{name: "leading spaces", input: "  500", want: "500"},
		{name: "negative", input: "-15.00", want: "-15"},
		{name: "garbage only", input: "руб.", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "lone dash", input: "-", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeMoney(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SanitizeMoney(%q) expected error, got %s", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SanitizeMoney(%q) unexpected error: %v", tt.input, err)
			}
			want, _ := decimal.NewFromString(tt.want)
			if !got.Equal(want) {
				t.Errorf("SanitizeMoney(%q) = %s, want %s", tt.input, got, want)
			}
		})
	}
}

func TestSanitizeDigits(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1200", "1200"},
		{"1 200", "1200"},
		{"1200 бонусов", "1200"},
		{"abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeDigits(tt.input); got != tt.want {
			t.Errorf("SanitizeDigits(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"+7 (999) 123-45-67", "+79991234567"},
		{"89991234567", "+79991234567"},
		{"79991234567", "+79991234567"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.input); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	valid := []string{"user@example.com", "ivan.petrov+tag@mail.ru", " padded@example.org "}
	invalid := []string{"", "not-an-email", "user@", "@example.com", "user@host"}

	for _, s := range valid {
		if !IsValidEmail(s) {
			t.Errorf("IsValidEmail(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if IsValidEmail(s) {
			t.Errorf("IsValidEmail(%q) = true, want false", s)
		}
	}
}

func TestMaskHalfInt64(t *testing.T) {
	if got := MaskHalfInt64(123456789); got != "1234*****" {
		t.Errorf("MaskHalfInt64(123456789) = %q", got)
	}
	if got := MaskHalfInt64(7); got != "**" {
		t.Errorf("MaskHalfInt64(7) = %q", got)
	}
}
