package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"loyalty-bonus-bot/internal/config"
	"loyalty-bonus-bot/internal/database"
	"loyalty-bonus-bot/internal/level"
	"loyalty-bonus-bot/internal/referral"
)

// Notifier рассылает событие пользователю; ошибки доставки глотаются внутри
type Notifier interface {
	SendEvent(ctx context.Context, projectID, userID int64, event string, vars map[string]string) error
}

// ReferralPayer выплачивает бонус рефереру после покупки реферала
type ReferralPayer interface {
	PayOnPurchase(ctx context.Context, user *database.User, purchaseAmount decimal.Decimal) (*referral.PayoutResult, error)
}

const (
	EventBonusAwarded = "bonus_awarded"
	EventBonusSpent   = "bonus_spent"
	EventLevelUp      = "level_up"
)

// PurchaseResult — итог обработки покупки
type PurchaseResult struct {
	Bonus            *database.Bonus
	AlreadyProcessed bool
	TotalPurchases   decimal.Decimal
	LevelName        string
	AppliedPercent   decimal.Decimal
	Referral         *referral.PayoutResult
}

// Balance — сводка по пользователю для бота и API
type Balance struct {
	TotalEarned    decimal.Decimal `json:"totalEarned"`
	TotalSpent     decimal.Decimal `json:"totalSpent"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
	ExpiringSoon   decimal.Decimal `json:"expiringSoon"`
}

type Service struct {
	pool        *pgxpool.Pool
	userRepo    *database.UserRepository
	projectRepo *database.ProjectRepository
	bonusRepo   *database.BonusRepository
	txRepo      *database.TransactionRepository
	orderRepo   *database.OrderRepository
	levelSvc    *level.Service
	notifier    Notifier
	payer       ReferralPayer
}

func NewService(
	pool *pgxpool.Pool,
	userRepo *database.UserRepository,
	projectRepo *database.ProjectRepository,
	bonusRepo *database.BonusRepository,
	txRepo *database.TransactionRepository,
	orderRepo *database.OrderRepository,
	levelSvc *level.Service,
) *Service {
	return &Service{
		pool:        pool,
		userRepo:    userRepo,
		projectRepo: projectRepo,
		bonusRepo:   bonusRepo,
		txRepo:      txRepo,
		orderRepo:   orderRepo,
		levelSvc:    levelSvc,
	}
}

// SetNotifier и SetReferralPayer вызываются на старте процесса: сервисы
// ссылаются друг на друга, поэтому связываются после конструирования
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) SetReferralPayer(p ReferralPayer) { s.payer = p }

// withRetry перезапускает fn при конфликте сериализации с экспоненциальной паузой
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	attempts := config.LedgerTxRetries()
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(50<<uint(attempt-1)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			slog.Warn("Retrying ledger transaction", "attempt", attempt+1, "error", err)
		}
		err = fn()
		if err == nil || !database.IsRetryableError(err) {
			return err
		}
	}
	return err
}

func (s *Service) loadUserWithProject(ctx context.Context, userID int64) (*database.User, *database.Project, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, nil, ErrUserNotFound
	}
	project, err := s.projectRepo.FindByID(ctx, user.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load project: %w", err)
	}
	if project == nil {
		return nil, nil, ErrProjectNotFound
	}
	return user, project, nil
}

type awardParams struct {
	userID      int64
	amount      decimal.Decimal
	bonusType   database.BonusType
	description string
	expiresAt   *time.Time
	metadata    map[string]string
	isReferral  bool
	userLevel   *string
	percent     *decimal.Decimal
}

// Award начисляет лот бонусов и ровно одну EARN-транзакцию к нему.
// Если expiresAt не задан, срок жизни берётся из настроек проекта.
func (s *Service) Award(ctx context.Context, userID int64, amount decimal.Decimal, bonusType database.BonusType,
	description string, expiresAt *time.Time, metadata map[string]string) (*database.Bonus, error) {
	return s.award(ctx, awardParams{
		userID:      userID,
		amount:      amount,
		bonusType:   bonusType,
		description: description,
		expiresAt:   expiresAt,
		metadata:    metadata,
	})
}

// AwardReferral — начисление рефереру; помечает транзакцию реферальной
func (s *Service) AwardReferral(ctx context.Context, userID int64, amount decimal.Decimal,
	description string, metadata map[string]string) (*database.Bonus, error) {
	return s.award(ctx, awardParams{
		userID:      userID,
		amount:      amount,
		bonusType:   database.BonusTypeReferral,
		description: description,
		metadata:    metadata,
		isReferral:  true,
	})
}

func (s *Service) award(ctx context.Context, p awardParams) (*database.Bonus, error) {
	if !p.amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}

	user, project, err := s.loadUserWithProject(ctx, p.userID)
	if err != nil {
		return nil, err
	}

	expiresAt := p.expiresAt
	if expiresAt == nil && project.BonusExpiryDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, project.BonusExpiryDays)
		expiresAt = &t
	}

	var bonus *database.Bonus
	err = s.withRetry(ctx, func() error {
		return database.WithSerializableTx(ctx, s.pool, func(tx pgx.Tx) error {
			var txErr error
			bonus, txErr = s.bonusRepo.InsertTx(ctx, tx, &database.Bonus{
				UserID:      p.userID,
				Amount:      p.amount.Round(2),
				Type:        p.bonusType,
				Description: p.description,
				ExpiresAt:   expiresAt,
			})
			if txErr != nil {
				return txErr
			}

			_, txErr = s.txRepo.InsertTx(ctx, tx, &database.Transaction{
				UserID:          p.userID,
				BonusID:         &bonus.ID,
				Type:            database.TransactionTypeEarn,
				Amount:          bonus.Amount,
				Description:     p.description,
				Metadata:        p.metadata,
				UserLevel:       p.userLevel,
				AppliedPercent:  p.percent,
				IsReferralBonus: p.isReferral,
			})
			return txErr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to award bonus: %w", err)
	}

	slog.Info("Awarded bonus",
		"projectId", project.ID, "userId", p.userID,
		"amount", bonus.Amount.StringFixed(2), "type", p.bonusType)

	s.notifyAsync(project.ID, user.ID, EventBonusAwarded, map[string]string{
		"amount":      bonus.Amount.StringFixed(2),
		"description": p.description,
	})
	return bonus, nil
}

// PurchasePlan — расчёт записи по покупке: новый оборот, применённый
// процент и сумма начисления
type PurchasePlan struct {
	NewTotal    decimal.Decimal
	Percent     decimal.Decimal
	LevelName   *string
	BonusAmount decimal.Decimal
}

// PlanPurchase решает, что записать по покупке. Уже учтённый заказ не
// планируется вовсе: оборот не растёт, начисления нет. Процент берётся
// по уровню на момент покупки, то есть по обороту БЕЗ текущего чека;
// новый уровень применится со следующей покупки.
func PlanPurchase(orderSeen bool, totals, purchaseAmount, defaultPercent decimal.Decimal,
	currentLevel *database.BonusLevel) *PurchasePlan {
	if orderSeen {
		return nil
	}

	percent := defaultPercent
	var levelName *string
	if currentLevel != nil {
		percent = currentLevel.BonusPercent
		levelName = &currentLevel.Name
	}

	return &PurchasePlan{
		NewTotal:    totals.Add(purchaseAmount).Round(2),
		Percent:     percent,
		LevelName:   levelName,
		BonusAmount: round2HalfAway(purchaseAmount.Mul(percent).Div(decimal.NewFromInt(100))),
	}
}

// AwardPurchase обрабатывает покупку: обновляет суммарный оборот и уровень,
// начисляет бонус по проценту уровня и дергает реферальную выплату.
// Повторный вызов с тем же orderId возвращает уже записанный результат без новых списаний.
func (s *Service) AwardPurchase(ctx context.Context, userID int64, purchaseAmount decimal.Decimal,
	orderID, description string) (*PurchaseResult, error) {
	if !purchaseAmount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}

	user, project, err := s.loadUserWithProject(ctx, userID)
	if err != nil {
		return nil, err
	}

	if orderID != "" {
		seen, err := s.orderRepo.Exists(ctx, userID, orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to check order idempotency: %w", err)
		}
		if seen {
			slog.Info("Purchase already processed, skipping", "userId", userID, "orderId", orderID)
			return &PurchaseResult{
				AlreadyProcessed: true,
				TotalPurchases:   user.TotalPurchases,
				LevelName:        user.CurrentLevelName,
			}, nil
		}
	}

	if description == "" {
		description = fmt.Sprintf("Бонус за покупку на сумму %s", purchaseAmount.StringFixed(2))
	}

	var (
		bonus         *database.Bonus
		plan          *PurchasePlan
		newLevel      *database.BonusLevel
		newLevelName  string
		prevLevelName string
		orderReplayed bool
	)
	err = s.withRetry(ctx, func() error {
		bonus, plan, newLevel, orderReplayed = nil, nil, nil, false
		return database.WithSerializableTx(ctx, s.pool, func(tx pgx.Tx) error {
			// Оборот и уровень перечитываются под блокировкой строки: при
			// ретрае после конфликта сериализации расчёт идёт от свежего
			// состояния, а не от снимка до транзакции
			locked, txErr := s.userRepo.FindByIDForUpdateTx(ctx, tx, userID)
			if txErr != nil {
				return txErr
			}
			if locked == nil {
				return ErrUserNotFound
			}

			orderSeen := false
			if orderID != "" {
				orderSeen, txErr = s.orderRepo.ExistsTx(ctx, tx, userID, orderID)
				if txErr != nil {
					return txErr
				}
			}

			currentLevel, txErr := s.levelSvc.CalculateLevel(ctx, project.ID, locked.TotalPurchases)
			if txErr != nil {
				return txErr
			}

			plan = PlanPurchase(orderSeen, locked.TotalPurchases, purchaseAmount, project.BonusPercentage, currentLevel)
			if plan == nil {
				orderReplayed = true
				return nil
			}

			newLevel, txErr = s.levelSvc.CalculateLevel(ctx, project.ID, plan.NewTotal)
			if txErr != nil {
				return txErr
			}
			prevLevelName = locked.CurrentLevelName
			newLevelName = locked.CurrentLevelName
			if newLevel != nil {
				newLevelName = newLevel.Name
			}

			if orderID != "" {
				if txErr := s.orderRepo.InsertTx(ctx, tx, userID, orderID); txErr != nil {
					return txErr
				}
			}
			if txErr := s.userRepo.UpdateTotalsTx(ctx, tx, userID, plan.NewTotal, newLevelName); txErr != nil {
				return txErr
			}
			if !plan.BonusAmount.IsPositive() {
				// нулевое начисление: заказ учтён, оборот растёт, лота нет
				return nil
			}

			bonus, txErr = s.bonusRepo.InsertTx(ctx, tx, &database.Bonus{
				UserID:      userID,
				Amount:      plan.BonusAmount,
				Type:        database.BonusTypePurchase,
				Description: description,
				ExpiresAt:   purchaseExpiry(project),
			})
			if txErr != nil {
				return txErr
			}

			metadata := map[string]string{
				database.MetaBonusType: string(database.BonusTypePurchase),
			}
			if orderID != "" {
				metadata[database.MetaOrderID] = orderID
			}
			_, txErr = s.txRepo.InsertTx(ctx, tx, &database.Transaction{
				UserID:         userID,
				BonusID:        &bonus.ID,
				Type:           database.TransactionTypeEarn,
				Amount:         plan.BonusAmount,
				Description:    description,
				Metadata:       metadata,
				UserLevel:      plan.LevelName,
				AppliedPercent: &plan.Percent,
			})
			return txErr
		})
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			// параллельный повтор того же заказа успел раньше
			return &PurchaseResult{AlreadyProcessed: true, TotalPurchases: user.TotalPurchases, LevelName: user.CurrentLevelName}, nil
		}
		return nil, fmt.Errorf("failed to process purchase: %w", err)
	}
	if orderReplayed {
		slog.Info("Purchase already processed, skipping", "userId", userID, "orderId", orderID)
		return &PurchaseResult{
			AlreadyProcessed: true,
			TotalPurchases:   user.TotalPurchases,
			LevelName:        user.CurrentLevelName,
		}, nil
	}

	result := &PurchaseResult{
		Bonus:          bonus,
		TotalPurchases: plan.NewTotal,
		LevelName:      newLevelName,
		AppliedPercent: plan.Percent,
	}

	slog.Info("Processed purchase",
		"projectId", project.ID, "userId", userID, "orderId", orderID,
		"purchase", purchaseAmount.StringFixed(2), "bonus", plan.BonusAmount.StringFixed(2),
		"percent", plan.Percent.StringFixed(2), "level", newLevelName)

	if bonus != nil {
		s.notifyAsync(project.ID, userID, EventBonusAwarded, map[string]string{
			"amount":      plan.BonusAmount.StringFixed(2),
			"description": description,
		})
	}
	if newLevelName != prevLevelName && newLevel != nil {
		s.notifyAsync(project.ID, userID, EventLevelUp, map[string]string{
			"level":   newLevelName,
			"percent": newLevel.BonusPercent.StringFixed(0),
		})
	}

	// Сбой реферальной выплаты не откатывает основное начисление
	if s.payer != nil {
		freshUser := *user
		freshUser.TotalPurchases = plan.NewTotal
		payout, payErr := s.payer.PayOnPurchase(ctx, &freshUser, purchaseAmount)
		if payErr != nil {
			slog.Error("Referral payout failed", "userId", userID, "error", payErr)
		} else {
			result.Referral = payout
		}
	}

	return result, nil
}

// Spend списывает бонусы FIFO по сроку сгорания: первыми тратятся лоты,
// которые сгорят раньше. Бессрочные лоты уходят последними.
func (s *Service) Spend(ctx context.Context, userID int64, amount decimal.Decimal,
	description string, metadata map[string]string) ([]database.Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	amount = amount.Round(2)

	user, project, err := s.loadUserWithProject(ctx, userID)
	if err != nil {
		return nil, err
	}

	currentLevel, err := s.levelSvc.CalculateLevel(ctx, project.ID, user.TotalPurchases)
	if err != nil {
		return nil, err
	}
	var levelNamePtr *string
	var percentPtr *decimal.Decimal
	if currentLevel != nil {
		levelNamePtr = &currentLevel.Name
		percentPtr = &currentLevel.BonusPercent
	}

	var spent []database.Transaction
	err = s.withRetry(ctx, func() error {
		spent = spent[:0]
		return database.WithSerializableTx(ctx, s.pool, func(tx pgx.Tx) error {
			now := time.Now().UTC()
			lots, txErr := s.bonusRepo.FindAvailableForUpdateTx(ctx, tx, userID, now)
			if txErr != nil {
				return txErr
			}

			plan, txErr := PlanConsumption(lots, amount)
			if txErr != nil {
				return txErr
			}

			for _, step := range plan {
				if txErr := s.bonusRepo.ConsumeTx(ctx, tx, step.BonusID, step.Take, step.FullyUsed); txErr != nil {
					return txErr
				}
				bonusID := step.BonusID
				t, txErr := s.txRepo.InsertTx(ctx, tx, &database.Transaction{
					UserID:         userID,
					BonusID:        &bonusID,
					Type:           database.TransactionTypeSpend,
					Amount:         step.Take,
					Description:    description,
					Metadata:       metadata,
					UserLevel:      levelNamePtr,
					AppliedPercent: percentPtr,
				})
				if txErr != nil {
					return txErr
				}
				spent = append(spent, *t)
			}
			return nil
		})
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrOrderAlreadyProcessed
		}
		return nil, err
	}

	slog.Info("Spent bonuses",
		"projectId", project.ID, "userId", userID,
		"amount", amount.StringFixed(2), "lots", len(spent))

	s.notifyAsync(project.ID, userID, EventBonusSpent, map[string]string{
		"amount":      amount.StringFixed(2),
		"description": description,
	})
	return spent, nil
}

// Consumption — шаг плана списания: сколько взять из какого лота
type Consumption struct {
	BonusID   int64
	Take      decimal.Decimal
	FullyUsed bool
}

// PlanConsumption раскладывает сумму по лотам в переданном порядке.
// Лоты приходят уже отсортированными по сроку сгорания (FIFO).
func PlanConsumption(lots []database.Bonus, amount decimal.Decimal) ([]Consumption, error) {
	available := decimal.Zero
	for i := range lots {
		available = available.Add(lots[i].Amount)
	}
	if available.LessThan(amount) {
		return nil, ErrInsufficientBonuses
	}

	var plan []Consumption
	remaining := amount
	for i := range lots {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(lots[i].Amount, remaining)
		plan = append(plan, Consumption{
			BonusID:   lots[i].ID,
			Take:      take,
			FullyUsed: take.Equal(lots[i].Amount),
		})
		remaining = remaining.Sub(take)
	}
	return plan, nil
}

// SpendForOrder — идемпотентное списание по заказу (промокод GUPIL).
// Повтор с тем же orderId возвращает ErrOrderAlreadyProcessed.
func (s *Service) SpendForOrder(ctx context.Context, userID int64, amount decimal.Decimal,
	orderID, description string) ([]database.Transaction, error) {
	if orderID != "" {
		existing, err := s.txRepo.FindSpendByOrder(ctx, userID, orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to check spend idempotency: %w", err)
		}
		if existing != nil {
			return nil, ErrOrderAlreadyProcessed
		}
	}
	metadata := map[string]string{
		database.MetaSpendKind: database.SpendKindPromocode,
	}
	if orderID != "" {
		metadata[database.MetaOrderID] = orderID
	}
	return s.Spend(ctx, userID, amount, description, metadata)
}

// ExpireDueLots сжигает просроченные лоты: EXPIRE-транзакция на остаток,
// лот помечается использованным. Повторный запуск ничего не находит.
func (s *Service) ExpireDueLots(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	err := s.withRetry(ctx, func() error {
		expired = 0
		return database.WithSerializableTx(ctx, s.pool, func(tx pgx.Tx) error {
			lots, txErr := s.bonusRepo.FindDueForUpdateTx(ctx, tx, now)
			if txErr != nil {
				return txErr
			}
			for i := range lots {
				lot := &lots[i]
				if !lot.Amount.IsPositive() {
					continue
				}
				_, txErr := s.txRepo.InsertTx(ctx, tx, &database.Transaction{
					UserID:      lot.UserID,
					BonusID:     &lot.ID,
					Type:        database.TransactionTypeExpire,
					Amount:      lot.Amount,
					Description: "Сгорание бонусов по сроку",
					Metadata: map[string]string{
						"bonusId": strconv.FormatInt(lot.ID, 10),
					},
				})
				if txErr != nil {
					return txErr
				}
				if txErr := s.bonusRepo.MarkExpiredTx(ctx, tx, lot.ID); txErr != nil {
					return txErr
				}
				expired++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to expire bonuses: %w", err)
	}
	if expired > 0 {
		slog.Info("Expired bonus lots", "count", expired)
	}
	return expired, nil
}

// GetBalance агрегирует историю движений и остатки лотов
func (s *Service) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	sums, err := s.txRepo.SumsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction sums: %w", err)
	}

	now := time.Now().UTC()
	current, err := s.bonusRepo.SumActiveByUser(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load active balance: %w", err)
	}
	soon, err := s.bonusRepo.SumExpiringSoon(ctx, userID, now, now.AddDate(0, 0, config.ExpiringSoonDays()))
	if err != nil {
		return nil, fmt.Errorf("failed to load expiring balance: %w", err)
	}

	return &Balance{
		TotalEarned:    sums.Earned,
		TotalSpent:     sums.Spent,
		CurrentBalance: current,
		ExpiringSoon:   soon,
	}, nil
}

func (s *Service) notifyAsync(projectID, userID int64, event string, vars map[string]string) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.notifier.SendEvent(ctx, projectID, userID, event, vars); err != nil {
			slog.Warn("Notification delivery failed",
				"projectId", projectID, "userId", userID, "event", event, "error", err)
		}
	}()
}

func purchaseExpiry(project *database.Project) *time.Time {
	if project.BonusExpiryDays <= 0 {
		return nil
	}
	t := time.Now().UTC().AddDate(0, 0, project.BonusExpiryDays)
	return &t
}

// round2HalfAway округляет до копеек, половина — от нуля
func round2HalfAway(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
