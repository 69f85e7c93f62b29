package referral

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"loyalty-bonus-bot/internal/database"
)

// Awarder начисляет реферальный бонус; реализуется ledger-сервисом
type Awarder interface {
	AwardReferral(ctx context.Context, userID int64, amount decimal.Decimal, description string, metadata map[string]string) (*database.Bonus, error)
}

// PayoutResult — итог попытки выплатить бонус рефереру
type PayoutResult struct {
	BonusAwarded bool            `json:"bonusAwarded"`
	ReferrerID   int64           `json:"referrerId,omitempty"`
	Amount       decimal.Decimal `json:"amount,omitempty"`
}

type Service struct {
	userRepo    *database.UserRepository
	programRepo *database.ReferralProgramRepository
	awarder     Awarder
}

func NewService(userRepo *database.UserRepository, programRepo *database.ReferralProgramRepository, awarder Awarder) *Service {
	return &Service{
		userRepo:    userRepo,
		programRepo: programRepo,
		awarder:     awarder,
	}
}

// BindOnRegister привязывает нового пользователя к рефереру по utm_ref.
// utm_ref несёт сырой userId реферера; кодовые ссылки старого формата не поддерживаются.
// Привязка происходит максимум один раз, самопривязка игнорируется.
func (s *Service) BindOnRegister(ctx context.Context, user *database.User, utmRef string) (bool, error) {
	utmRef = strings.TrimSpace(utmRef)
	if utmRef == "" {
		return false, nil
	}

	referrerID, err := strconv.ParseInt(utmRef, 10, 64)
	if err != nil || referrerID <= 0 {
		slog.Debug("Ignoring malformed utm_ref", "utmRef", utmRef, "userId", user.ID)
		return false, nil
	}
	if referrerID == user.ID {
		return false, nil
	}

	referrer, err := s.userRepo.FindByID(ctx, referrerID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve referrer: %w", err)
	}
	if referrer == nil || referrer.ProjectID != user.ProjectID || !referrer.IsActive {
		return false, nil
	}

	bound, err := s.userRepo.SetReferredByIfNull(ctx, user.ID, referrerID)
	if err != nil {
		return false, fmt.Errorf("failed to bind referrer: %w", err)
	}
	if bound {
		slog.Info("Bound referral",
			"projectId", user.ProjectID, "userId", user.ID, "referrerId", referrerID)
	}
	return bound, nil
}

// PayOnPurchase выплачивает рефереру процент от покупки реферала.
// Возвращает BonusAwarded=false, если программа выключена, реферера нет
// или расчётная сумма нулевая.
func (s *Service) PayOnPurchase(ctx context.Context, user *database.User, purchaseAmount decimal.Decimal) (*PayoutResult, error) {
	none := &PayoutResult{BonusAwarded: false}

	if user.ReferredBy == nil || !purchaseAmount.IsPositive() {
		return none, nil
	}

	program, err := s.programRepo.FindByProject(ctx, user.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load referral program: %w", err)
	}
	if program == nil || !program.IsActive || !program.ReferrerBonusPercent.IsPositive() {
		return none, nil
	}

	referrer, err := s.userRepo.FindByID(ctx, *user.ReferredBy)
	if err != nil {
		return nil, fmt.Errorf("failed to load referrer: %w", err)
	}
	if referrer == nil || referrer.ProjectID != user.ProjectID || !referrer.IsActive {
		return none, nil
	}

	amount := purchaseAmount.Mul(program.ReferrerBonusPercent).Div(decimal.NewFromInt(100)).Round(2)
	if !amount.IsPositive() {
		return none, nil
	}

	description := fmt.Sprintf("Реферальный бонус за покупку пользователя #%d", user.ID)
	metadata := map[string]string{
		"refereeId": strconv.FormatInt(user.ID, 10),
	}
	if _, err := s.awarder.AwardReferral(ctx, referrer.ID, amount, description, metadata); err != nil {
		return nil, fmt.Errorf("failed to award referral bonus: %w", err)
	}

	slog.Info("Paid referral bonus",
		"projectId", user.ProjectID, "referrerId", referrer.ID,
		"refereeId", user.ID, "amount", amount.StringFixed(2))

	return &PayoutResult{
		BonusAwarded: true,
		ReferrerID:   referrer.ID,
		Amount:       amount,
	}, nil
}

// EnsureUserReferralCode возвращает код пользователя, создавая его при первом обращении.
// Код детерминированно выводится из userId, поэтому повторная генерация даёт то же значение.
func (s *Service) EnsureUserReferralCode(ctx context.Context, userID int64) (string, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return "", fmt.Errorf("user not found: %d", userID)
	}
	if user.ReferralCode != nil && *user.ReferralCode != "" {
		return *user.ReferralCode, nil
	}

	code := GenerateCode(userID)
	if err := s.userRepo.SetReferralCodeIfNull(ctx, userID, code); err != nil {
		return "", fmt.Errorf("failed to persist referral code: %w", err)
	}
	return code, nil
}

// GenerateCode строит короткий код из userId: FNV-хеш в base36
func GenerateCode(userID int64) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "ref:%d", userID)
	return "R" + strings.ToUpper(strconv.FormatUint(h.Sum64()%(36*36*36*36*36*36*36), 36))
}

// GenerateLink собирает реферальную ссылку с utm_ref=<userId>
func GenerateLink(userID int64, baseURL string, extra map[string]string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("utm_ref", strconv.FormatInt(userID, 10))
	for k, v := range extra {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
