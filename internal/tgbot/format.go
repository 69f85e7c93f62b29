package tgbot

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var ruPrinter = message.NewPrinter(language.Russian)

// formatAmount печатает сумму с русскими разделителями тысяч: "12 345,67"
func formatAmount(d decimal.Decimal) string {
	f, _ := d.Round(2).Float64()
	if d.Equal(d.Truncate(0)) {
		return ruPrinter.Sprintf("%.0f", f)
	}
	return ruPrinter.Sprintf("%.2f", f)
}

// progressBar рисует шкалу из 10 блоков; 100% = все блоки закрашены
func progressBar(percent decimal.Decimal) string {
	filled := int(percent.Div(decimal.NewFromInt(10)).IntPart())
	if filled < 0 {
		filled = 0
	}
	if filled > 10 {
		filled = 10
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
}
