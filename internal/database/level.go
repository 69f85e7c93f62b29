package database

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
)

// BonusLevel — уровень программы лояльности: диапазон накоплений задаёт
// процент начисления и максимальную долю оплаты бонусами
type BonusLevel struct {
	ID             int64            `db:"id"`
	ProjectID      int64            `db:"project_id"`
	Name           string           `db:"name"`
	MinAmount      decimal.Decimal  `db:"min_amount"`
	MaxAmount      *decimal.Decimal `db:"max_amount"`
	BonusPercent   decimal.Decimal  `db:"bonus_percent"`
	PaymentPercent decimal.Decimal  `db:"payment_percent"`
	OrderNum       int              `db:"order_num"`
	IsActive       bool             `db:"is_active"`
}

func levelColumns() []string {
	return []string{
		"id", "project_id", "name", "min_amount", "max_amount",
		"bonus_percent", "payment_percent", "order_num", "is_active",
	}
}

func scanLevelFromRows(rows pgx.Rows) (*BonusLevel, error) {
	var l BonusLevel
	err := rows.Scan(
		&l.ID, &l.ProjectID, &l.Name, &l.MinAmount, &l.MaxAmount,
		&l.BonusPercent, &l.PaymentPercent, &l.OrderNum, &l.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

type LevelRepository struct {
	pool *pgxpool.Pool
}

func NewLevelRepository(pool *pgxpool.Pool) *LevelRepository {
	return &LevelRepository{pool: pool}
}

// FindActiveByProject возвращает активные уровни в порядке order_num
func (lr *LevelRepository) FindActiveByProject(ctx context.Context, projectID int64) ([]BonusLevel, error) {
	buildSelect := sq.Select(levelColumns()...).
		From("bonus_level").
		Where(sq.And{sq.Eq{"project_id": projectID}, sq.Eq{"is_active": true}}).
		OrderBy("order_num ASC").
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := lr.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query levels: %w", err)
	}
	defer rows.Close()

	var levels []BonusLevel
	for rows.Next() {
		level, err := scanLevelFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan level row: %w", err)
		}
		levels = append(levels, *level)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over level rows: %w", err)
	}

	return levels, nil
}

func (lr *LevelRepository) Insert(ctx context.Context, level *BonusLevel) (int64, error) {
	buildInsert := sq.Insert("bonus_level").
		Columns("project_id", "name", "min_amount", "max_amount",
			"bonus_percent", "payment_percent", "order_num", "is_active").
		Values(level.ProjectID, level.Name, level.MinAmount, level.MaxAmount,
			level.BonusPercent, level.PaymentPercent, level.OrderNum, level.IsActive).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildInsert.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build insert query: %w", err)
	}

	var id int64
	if err := lr.pool.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert level: %w", err)
	}
	return id, nil
}

// CountByProject считает все уровни проекта, включая неактивные
func (lr *LevelRepository) CountByProject(ctx context.Context, projectID int64) (int, error) {
	query := `SELECT COUNT(*) FROM bonus_level WHERE project_id = $1`

	var count int
	if err := lr.pool.QueryRow(ctx, query, projectID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count levels: %w", err)
	}
	return count, nil
}
