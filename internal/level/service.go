package level

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"loyalty-bonus-bot/internal/database"
)

// BaseLevelName показывается пользователю, пока он не дотянул ни до одного уровня
const BaseLevelName = "Базовый"

// Progress — позиция пользователя между текущим и следующим уровнем
type Progress struct {
	Current         *database.BonusLevel
	Next            *database.BonusLevel
	AmountNeeded    decimal.Decimal
	ProgressPercent decimal.Decimal
}

type Service struct {
	levelRepo *database.LevelRepository
}

func NewService(levelRepo *database.LevelRepository) *Service {
	return &Service{levelRepo: levelRepo}
}

// PickLevel выбирает уровень, в чей диапазон [min, max] попадает сумма покупок.
// Диапазоны не пересекаются, поэтому подходит не более одного уровня.
func PickLevel(levels []database.BonusLevel, totalPurchases decimal.Decimal) *database.BonusLevel {
	for i := range levels {
		lvl := &levels[i]
		if totalPurchases.LessThan(lvl.MinAmount) {
			continue
		}
		if lvl.MaxAmount != nil && totalPurchases.GreaterThan(*lvl.MaxAmount) {
			continue
		}
		return lvl
	}
	return nil
}

// CalculateLevel возвращает активный уровень проекта для данной суммы покупок,
// nil — если сумма не попала ни в один диапазон
func (s *Service) CalculateLevel(ctx context.Context, projectID int64, totalPurchases decimal.Decimal) (*database.BonusLevel, error) {
	levels, err := s.levelRepo.FindActiveByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load levels: %w", err)
	}
	return PickLevel(levels, totalPurchases), nil
}

// ProgressToNext считает, сколько осталось до следующего уровня.
// Next == nil означает, что пользователь уже на максимальном уровне.
func (s *Service) ProgressToNext(ctx context.Context, projectID int64, totalPurchases decimal.Decimal) (*Progress, error) {
	levels, err := s.levelRepo.FindActiveByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load levels: %w", err)
	}

	progress := &Progress{
		Current:         PickLevel(levels, totalPurchases),
		AmountNeeded:    decimal.Zero,
		ProgressPercent: decimal.NewFromInt(100),
	}

	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].MinAmount.LessThan(levels[j].MinAmount)
	})
	for i := range levels {
		if levels[i].MinAmount.GreaterThan(totalPurchases) {
			progress.Next = &levels[i]
			break
		}
	}
	if progress.Next == nil {
		return progress, nil
	}

	progress.AmountNeeded = progress.Next.MinAmount.Sub(totalPurchases)

	floor := decimal.Zero
	if progress.Current != nil {
		floor = progress.Current.MinAmount
	}
	span := progress.Next.MinAmount.Sub(floor)
	if span.IsPositive() {
		pct := totalPurchases.Sub(floor).Mul(decimal.NewFromInt(100)).Div(span)
		progress.ProgressPercent = clampPercent(pct)
	} else {
		progress.ProgressPercent = decimal.Zero
	}
	return progress, nil
}

func clampPercent(pct decimal.Decimal) decimal.Decimal {
	if pct.IsNegative() {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}

// CreateLevel валидирует диапазон против уже настроенных уровней проекта
// и отклоняет пересечения
func (s *Service) CreateLevel(ctx context.Context, lvl *database.BonusLevel) (int64, error) {
	existing, err := s.levelRepo.FindActiveByProject(ctx, lvl.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to load levels: %w", err)
	}
	for i := range existing {
		if rangesOverlap(lvl, &existing[i]) {
			return 0, fmt.Errorf("level %q overlaps with %q", lvl.Name, existing[i].Name)
		}
	}
	return s.levelRepo.Insert(ctx, lvl)
}

func rangesOverlap(a, b *database.BonusLevel) bool {
	// [min, max], max == nil — открытый верх
	if b.MaxAmount != nil && a.MinAmount.GreaterThan(*b.MaxAmount) {
		return false
	}
	if a.MaxAmount != nil && b.MinAmount.GreaterThan(*a.MaxAmount) {
		return false
	}
	return true
}

// CreateDefaults заводит три стартовых уровня для нового проекта.
// Повторный вызов ничего не делает, если уровни уже есть.
func (s *Service) CreateDefaults(ctx context.Context, projectID int64) error {
	count, err := s.levelRepo.CountByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to count levels: %w", err)
	}
	if count > 0 {
		return nil
	}

	silverMin := decimal.NewFromInt(10000)
	goldMin := decimal.NewFromInt(50000)
	bronzeMax := silverMin.Sub(decimal.New(1, -2))
	silverMax := goldMin.Sub(decimal.New(1, -2))

	defaults := []database.BonusLevel{
		{
			ProjectID:      projectID,
			Name:           "Бронзовый",
			MinAmount:      decimal.Zero,
			MaxAmount:      &bronzeMax,
			BonusPercent:   decimal.NewFromInt(5),
			PaymentPercent: decimal.NewFromInt(100),
			OrderNum:       1,
			IsActive:       true,
		},
		{
			ProjectID:      projectID,
			Name:           "Серебряный",
			MinAmount:      silverMin,
			MaxAmount:      &silverMax,
			BonusPercent:   decimal.NewFromInt(7),
			PaymentPercent: decimal.NewFromInt(100),
			OrderNum:       2,
			IsActive:       true,
		},
		{
			ProjectID:      projectID,
			Name:           "Золотой",
			MinAmount:      goldMin,
			BonusPercent:   decimal.NewFromInt(10),
			PaymentPercent: decimal.NewFromInt(100),
			OrderNum:       3,
			IsActive:       true,
		},
	}

	for i := range defaults {
		if _, err := s.levelRepo.Insert(ctx, &defaults[i]); err != nil {
			return fmt.Errorf("failed to insert default level %s: %w", defaults[i].Name, err)
		}
	}
	slog.Info("Created default bonus levels", "projectId", projectID)
	return nil
}
