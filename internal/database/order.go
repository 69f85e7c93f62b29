package database

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// OrderRepository ведёт processed_order — след обработанных заказов.
// Запись живёт в одной транзакции с начислением и остаётся единственным
// следом заказа, когда начисление округлилось в ноль.
type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func buildOrderExists(userID int64, orderID string) (string, []interface{}, error) {
	return sq.Select("1").
		From("processed_order").
		Where(sq.And{sq.Eq{"user_id": userID}, sq.Eq{"order_id": orderID}}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func scanOrderExists(row pgx.Row) (bool, error) {
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query processed order: %w", err)
	}
	return true, nil
}

func (or *OrderRepository) Exists(ctx context.Context, userID int64, orderID string) (bool, error) {
	sql, args, err := buildOrderExists(userID, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to build select query: %w", err)
	}
	return scanOrderExists(or.pool.QueryRow(ctx, sql, args...))
}

func (or *OrderRepository) ExistsTx(ctx context.Context, tx pgx.Tx, userID int64, orderID string) (bool, error) {
	sql, args, err := buildOrderExists(userID, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to build select query: %w", err)
	}
	return scanOrderExists(tx.QueryRow(ctx, sql, args...))
}

// InsertTx фиксирует заказ; параллельный дубликат всплывает как unique violation
func (or *OrderRepository) InsertTx(ctx context.Context, tx pgx.Tx, userID int64, orderID string) error {
	sql, args, err := sq.Insert("processed_order").
		Columns("user_id", "order_id").
		Values(userID, orderID).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to insert processed order: %w", err)
	}
	return nil
}
