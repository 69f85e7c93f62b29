package database

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
)

type BonusType string

const (
	BonusTypePurchase BonusType = "PURCHASE"
	BonusTypeBirthday BonusType = "BIRTHDAY"
	BonusTypeManual   BonusType = "MANUAL"
	BonusTypeReferral BonusType = "REFERRAL"
	BonusTypePromo    BonusType = "PROMO"
)

// Bonus — партия бонусов (лот). Amount хранит ОСТАТОК лота; история
// движения денег живёт в transaction и только там.
type Bonus struct {
	ID          int64           `db:"id"`
	UserID      int64           `db:"user_id"`
	Amount      decimal.Decimal `db:"amount"`
	Type        BonusType       `db:"type"`
	Description string          `db:"description"`
	CreatedAt   time.Time       `db:"created_at"`
	ExpiresAt   *time.Time      `db:"expires_at"`
	IsUsed      bool            `db:"is_used"`
}

func bonusColumns() []string {
	return []string{"id", "user_id", "amount", "type", "description", "created_at", "expires_at", "is_used"}
}

func scanBonus(row pgx.Row) (*Bonus, error) {
	var b Bonus
	err := row.Scan(&b.ID, &b.UserID, &b.Amount, &b.Type, &b.Description, &b.CreatedAt, &b.ExpiresAt, &b.IsUsed)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanBonusFromRows(rows pgx.Rows) (*Bonus, error) {
	var b Bonus
	err := rows.Scan(&b.ID, &b.UserID, &b.Amount, &b.Type, &b.Description, &b.CreatedAt, &b.ExpiresAt, &b.IsUsed)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

type BonusRepository struct {
	pool *pgxpool.Pool
}

func NewBonusRepository(pool *pgxpool.Pool) *BonusRepository {
	return &BonusRepository{pool: pool}
}

func (br *BonusRepository) InsertTx(ctx context.Context, tx pgx.Tx, bonus *Bonus) (*Bonus, error) {
	buildInsert := sq.Insert("bonus").
		Columns("user_id", "amount", "type", "description", "expires_at").
		Values(bonus.UserID, bonus.Amount, bonus.Type, bonus.Description, bonus.ExpiresAt).
		Suffix("RETURNING " + joinColumns(bonusColumns())).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildInsert.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert query: %w", err)
	}

	created, err := scanBonus(tx.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to insert bonus: %w", err)
	}
	return created, nil
}

// FindAvailableForUpdateTx возвращает доступные лоты пользователя в порядке
// списания (FIFO по сроку сгорания, NULL в конце; равные сроки — по created_at, id)
// и блокирует их до конца транзакции.
func (br *BonusRepository) FindAvailableForUpdateTx(ctx context.Context, tx pgx.Tx, userID int64, now time.Time) ([]Bonus, error) {
	buildSelect := sq.Select(bonusColumns()...).
		From("bonus").
		Where(sq.And{
			sq.Eq{"user_id": userID},
			sq.Eq{"is_used": false},
			sq.Or{sq.Eq{"expires_at": nil}, sq.Gt{"expires_at": now}},
		}).
		OrderBy("expires_at ASC NULLS LAST", "created_at ASC", "id ASC").
		Suffix("FOR UPDATE").
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := tx.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query available bonuses: %w", err)
	}
	defer rows.Close()

	var bonuses []Bonus
	for rows.Next() {
		bonus, err := scanBonusFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bonus row: %w", err)
		}
		bonuses = append(bonuses, *bonus)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over bonus rows: %w", err)
	}

	return bonuses, nil
}

// ConsumeTx уменьшает остаток лота; при обнулении помечает лот использованным
func (br *BonusRepository) ConsumeTx(ctx context.Context, tx pgx.Tx, id int64, taken decimal.Decimal, fullyUsed bool) error {
	buildUpdate := sq.Update("bonus").
		Set("amount", sq.Expr("amount - ?", taken)).
		Set("is_used", fullyUsed).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildUpdate.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	result, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to consume bonus: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no bonus found with id: %d", id)
	}
	return nil
}

// FindDueForUpdateTx — лоты с истёкшим сроком и положительным остатком
func (br *BonusRepository) FindDueForUpdateTx(ctx context.Context, tx pgx.Tx, now time.Time) ([]Bonus, error) {
	buildSelect := sq.Select(bonusColumns()...).
		From("bonus").
		Where(sq.And{
			sq.Eq{"is_used": false},
			sq.LtOrEq{"expires_at": now},
			sq.Gt{"amount": decimal.Zero},
		}).
		OrderBy("id ASC").
		Suffix("FOR UPDATE").
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := tx.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due bonuses: %w", err)
	}
	defer rows.Close()

	var bonuses []Bonus
	for rows.Next() {
		bonus, err := scanBonusFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bonus row: %w", err)
		}
		bonuses = append(bonuses, *bonus)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over bonus rows: %w", err)
	}

	return bonuses, nil
}

// MarkExpiredTx помечает лот сгоревшим. Остаток лота не трогаем —
// сгоревшая сумма видна в самом лоте, движение зафиксирует EXPIRE-транзакция.
func (br *BonusRepository) MarkExpiredTx(ctx context.Context, tx pgx.Tx, id int64) error {
	buildUpdate := sq.Update("bonus").
		Set("is_used", true).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildUpdate.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	_, err = tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to mark bonus expired: %w", err)
	}
	return nil
}

// SumActiveByUser — текущий баланс: сумма остатков живых лотов
func (br *BonusRepository) SumActiveByUser(ctx context.Context, userID int64, now time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM bonus
		WHERE user_id = $1
		  AND is_used = false
		  AND (expires_at IS NULL OR expires_at > $2)
	`

	var sum decimal.Decimal
	if err := br.pool.QueryRow(ctx, query, userID, now).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum active bonuses: %w", err)
	}
	return sum, nil
}

// SumExpiringSoon — сумма лотов, сгорающих в окне (now, until]
func (br *BonusRepository) SumExpiringSoon(ctx context.Context, userID int64, now, until time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM bonus
		WHERE user_id = $1
		  AND is_used = false
		  AND expires_at > $2
		  AND expires_at <= $3
	`

	var sum decimal.Decimal
	if err := br.pool.QueryRow(ctx, query, userID, now, until).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum expiring bonuses: %w", err)
	}
	return sum, nil
}

// ExpiringUser — агрегат для дайджеста о сгорающих бонусах
type ExpiringUser struct {
	UserID        int64
	ProjectID     int64
	Amount        decimal.Decimal
	NearestExpiry time.Time
}

// FindUsersWithExpiringLots группирует сгорающие лоты по пользователям одним
// запросом — без N+1 по каждому пользователю проекта.
func (br *BonusRepository) FindUsersWithExpiringLots(ctx context.Context, from, to time.Time) ([]ExpiringUser, error) {
	query := `
		SELECT b.user_id, u.project_id, SUM(b.amount), MIN(b.expires_at)
		FROM bonus b
		JOIN app_user u ON u.id = b.user_id
		WHERE b.is_used = false
		  AND b.expires_at > $1
		  AND b.expires_at <= $2
		GROUP BY b.user_id, u.project_id
	`

	rows, err := br.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring lots: %w", err)
	}
	defer rows.Close()

	var result []ExpiringUser
	for rows.Next() {
		var eu ExpiringUser
		if err := rows.Scan(&eu.UserID, &eu.ProjectID, &eu.Amount, &eu.NearestExpiry); err != nil {
			return nil, fmt.Errorf("failed to scan expiring user row: %w", err)
		}
		result = append(result, eu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over expiring rows: %w", err)
	}

	return result, nil
}

// ActiveSumsByProject — баланс каждого пользователя проекта одним запросом
func (br *BonusRepository) ActiveSumsByProject(ctx context.Context, projectID int64, now time.Time) (map[int64]decimal.Decimal, error) {
	query := `
		SELECT b.user_id, COALESCE(SUM(b.amount), 0)
		FROM bonus b
		JOIN app_user u ON u.id = b.user_id
		WHERE u.project_id = $1
		  AND b.is_used = false
		  AND (b.expires_at IS NULL OR b.expires_at > $2)
		GROUP BY b.user_id
	`

	rows, err := br.pool.Query(ctx, query, projectID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sums: %w", err)
	}
	defer rows.Close()

	sums := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var userID int64
		var sum decimal.Decimal
		if err := rows.Scan(&userID, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan sum row: %w", err)
		}
		sums[userID] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over sum rows: %w", err)
	}

	return sums, nil
}
