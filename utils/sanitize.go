package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	numericAllowed = regexp.MustCompile(`[^0-9.\-]`)
	digitsOnly     = regexp.MustCompile(`[^0-9]`)
	emailPattern   = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// SanitizeMoney очищает числовую строку от мусора сторфронта ("1 200,00 руб." и т.п.)
// и парсит её в decimal. Всё, что не входит в [0-9.-], отбрасывается до парсинга.
func SanitizeMoney(raw string) (decimal.Decimal, error) {
	cleaned := numericAllowed.ReplaceAllString(strings.ReplaceAll(raw, ",", "."), "")
	if cleaned == "" || cleaned == "-" || cleaned == "." {
		return decimal.Zero, fmt.Errorf("no numeric content in %q", raw)
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric string %q: %w", raw, err)
	}
	return d, nil
}

// SanitizeDigits оставляет только цифры. Используется для appliedBonuses и телефонов.
func SanitizeDigits(raw string) string {
	return digitsOnly.ReplaceAllString(raw, "")
}

// NormalizePhone приводит телефон к виду с ведущим "+" и только цифрами.
// Пустая строка остаётся пустой.
func NormalizePhone(raw string) string {
	digits := SanitizeDigits(raw)
	if digits == "" {
		return ""
	}
	// 8XXXXXXXXXX -> +7XXXXXXXXXX
	if len(digits) == 11 && strings.HasPrefix(digits, "8") {
		digits = "7" + digits[1:]
	}
	return "+" + digits
}

// NormalizeEmail lowercases and trims the address.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// IsValidEmail reports whether the string looks like an email address.
func IsValidEmail(s string) bool {
	return emailPattern.MatchString(strings.TrimSpace(s))
}
