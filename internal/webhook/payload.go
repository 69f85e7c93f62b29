package webhook

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"loyalty-bonus-bot/utils"
)

// PromocodeSpendTrigger — единственный промокод, запускающий списание
// бонусов из заказа витрины
const PromocodeSpendTrigger = "GUPIL"

var validate = validator.New()

// OrderPayload — сырой заказ витрины, поля именуются как в её вебхуке
type OrderPayload struct {
	Name    string `json:"Name"`
	Email   string `json:"Email"`
	Phone   string `json:"Phone"`
	Payment struct {
		OrderID   string `json:"orderid"`
		Amount    string `json:"amount"`
		Promocode string `json:"promocode"`
		Subtotal  string `json:"subtotal"`
		Discount  string `json:"discount"`
	} `json:"payment"`
	AppliedBonuses string `json:"appliedBonuses"`
	UtmRef         string `json:"utm_ref"`
}

// ActionPayload — типизированная команда API
type ActionPayload struct {
	Action string `json:"action" validate:"required,oneof=register_user purchase spend_bonuses"`

	Name    string `json:"name"`
	Email   string `json:"email" validate:"omitempty,email"`
	Phone   string `json:"phone"`
	OrderID string `json:"orderId"`
	Amount  string `json:"amount"`
	UtmRef  string `json:"utmRef"`
}

const (
	ActionRegisterUser = "register_user"
	ActionPurchase     = "purchase"
	ActionSpendBonuses = "spend_bonuses"
)

// OrderEvent — каноническое событие заказа после разбора и санитизации
type OrderEvent struct {
	Name           string
	Email          string
	Phone          string
	OrderID        string
	Amount         decimal.Decimal
	Promocode      string
	AppliedBonuses decimal.Decimal
	UtmRef         string
}

// HasSpendTrigger: списание запускает только промокод GUPIL
// (без учёта регистра и пробелов) при положительном appliedBonuses
func (e *OrderEvent) HasSpendTrigger() bool {
	return strings.EqualFold(strings.TrimSpace(e.Promocode), PromocodeSpendTrigger) &&
		e.AppliedBonuses.IsPositive()
}

// ToOrderEvent валидирует и приводит заказ витрины к каноническому виду
func (p *OrderPayload) ToOrderEvent() (*OrderEvent, error) {
	if p.Payment.OrderID == "" {
		return nil, fmt.Errorf("payment.orderid is required")
	}
	if p.Email == "" && p.Phone == "" {
		return nil, fmt.Errorf("at least one of Email or Phone is required")
	}

	amount, err := utils.SanitizeMoney(p.Payment.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid payment.amount %q: %w", p.Payment.Amount, err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("payment.amount must be positive")
	}

	applied := decimal.Zero
	if strings.TrimSpace(p.AppliedBonuses) != "" {
		applied, err = utils.SanitizeMoney(p.AppliedBonuses)
		if err != nil {
			return nil, fmt.Errorf("invalid appliedBonuses %q: %w", p.AppliedBonuses, err)
		}
		if applied.IsNegative() {
			return nil, fmt.Errorf("appliedBonuses must not be negative")
		}
	}

	event := &OrderEvent{
		Name:           strings.TrimSpace(p.Name),
		OrderID:        strings.TrimSpace(p.Payment.OrderID),
		Amount:         amount,
		Promocode:      p.Payment.Promocode,
		AppliedBonuses: applied,
		UtmRef:         strings.TrimSpace(p.UtmRef),
	}
	if p.Email != "" {
		event.Email = utils.NormalizeEmail(p.Email)
		if !utils.IsValidEmail(event.Email) {
			return nil, fmt.Errorf("invalid Email %q", p.Email)
		}
	}
	if p.Phone != "" {
		event.Phone = utils.NormalizePhone(p.Phone)
	}
	return event, nil
}

// Validate проверяет команду API вместе с обязательными полями действия
func (a *ActionPayload) Validate() error {
	if err := validate.Struct(a); err != nil {
		return err
	}
	switch a.Action {
	case ActionRegisterUser:
		if a.Email == "" && a.Phone == "" {
			return fmt.Errorf("register_user requires email or phone")
		}
	case ActionPurchase:
		if a.Amount == "" {
			return fmt.Errorf("purchase requires amount")
		}
	case ActionSpendBonuses:
		if a.Amount == "" {
			return fmt.Errorf("spend_bonuses requires amount")
		}
	}
	return nil
}
