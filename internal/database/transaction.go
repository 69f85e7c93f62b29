package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeEarn        TransactionType = "EARN"
	TransactionTypeSpend       TransactionType = "SPEND"
	TransactionTypeExpire      TransactionType = "EXPIRE"
	TransactionTypeAdminAdjust TransactionType = "ADMIN_ADJUST"
)

// Ключи metadata, на которые завязана идемпотентность
const (
	MetaOrderID   = "orderId"
	MetaBonusType = "bonusType"
	MetaSpendKind = "kind"

	SpendKindPromocode = "promocode_spend"
)

// Transaction — неизменяемая запись движения бонусов. Строки никогда
// не обновляются и не удаляются.
type Transaction struct {
	ID              int64             `db:"id"`
	UserID          int64             `db:"user_id"`
	BonusID         *int64            `db:"bonus_id"`
	Type            TransactionType   `db:"type"`
	Amount          decimal.Decimal   `db:"amount"`
	Description     string            `db:"description"`
	CreatedAt       time.Time         `db:"created_at"`
	Metadata        map[string]string `db:"metadata"`
	UserLevel       *string           `db:"user_level"`
	AppliedPercent  *decimal.Decimal  `db:"applied_percent"`
	IsReferralBonus bool              `db:"is_referral_bonus"`
}

func transactionColumns() []string {
	return []string{
		"id", "user_id", "bonus_id", "type", "amount", "description",
		"created_at", "metadata", "user_level", "applied_percent", "is_referral_bonus",
	}
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var metadata []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.BonusID, &t.Type, &t.Amount, &t.Description,
		&t.CreatedAt, &metadata, &t.UserLevel, &t.AppliedPercent, &t.IsReferralBonus,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
		}
	}
	return &t, nil
}

func scanTransactionFromRows(rows pgx.Rows) (*Transaction, error) {
	var t Transaction
	var metadata []byte
	err := rows.Scan(
		&t.ID, &t.UserID, &t.BonusID, &t.Type, &t.Amount, &t.Description,
		&t.CreatedAt, &metadata, &t.UserLevel, &t.AppliedPercent, &t.IsReferralBonus,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
		}
	}
	return &t, nil
}

type TransactionRepository struct {
	pool *pgxpool.Pool
}

func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

func (tr *TransactionRepository) InsertTx(ctx context.Context, tx pgx.Tx, t *Transaction) (*Transaction, error) {
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction metadata: %w", err)
	}

	buildInsert := sq.Insert("transaction").
		Columns("user_id", "bonus_id", "type", "amount", "description",
			"metadata", "user_level", "applied_percent", "is_referral_bonus").
		Values(t.UserID, t.BonusID, t.Type, t.Amount, t.Description,
			string(metadataJSON), t.UserLevel, t.AppliedPercent, t.IsReferralBonus).
		Suffix("RETURNING " + joinColumns(transactionColumns())).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildInsert.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert query: %w", err)
	}

	created, err := scanTransaction(tx.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return created, nil
}

// FindSpendByOrder ищет SPEND по заказу — идемпотентность промокодного списания
func (tr *TransactionRepository) FindSpendByOrder(ctx context.Context, userID int64, orderID string) (*Transaction, error) {
	query := `
		SELECT ` + joinColumns(transactionColumns()) + `
		FROM transaction
		WHERE user_id = $1
		  AND type = 'SPEND'
		  AND metadata->>'orderId' = $2
		LIMIT 1
	`

	t, err := scanTransaction(tr.pool.QueryRow(ctx, query, userID, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query spend by order: %w", err)
	}
	return t, nil
}

func (tr *TransactionRepository) ListRecentByUser(ctx context.Context, userID int64, limit int) ([]Transaction, error) {
	buildSelect := sq.Select(transactionColumns()...).
		From("transaction").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := tr.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []Transaction
	for rows.Next() {
		t, err := scanTransactionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		transactions = append(transactions, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over transaction rows: %w", err)
	}

	return transactions, nil
}

// UserSums — агрегаты EARN/SPEND/EXPIRE одного пользователя
type UserSums struct {
	Earned  decimal.Decimal
	Spent   decimal.Decimal
	Expired decimal.Decimal
}

func (tr *TransactionRepository) SumsByUser(ctx context.Context, userID int64) (*UserSums, error) {
	query := `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type = 'EARN'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'SPEND'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'EXPIRE'), 0)
		FROM transaction
		WHERE user_id = $1
	`

	var sums UserSums
	if err := tr.pool.QueryRow(ctx, query, userID).Scan(&sums.Earned, &sums.Spent, &sums.Expired); err != nil {
		return nil, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return &sums, nil
}

// SumsByProject — агрегаты всех пользователей проекта одним запросом
// (замена ленивым связям с N+1 из исходной схемы)
func (tr *TransactionRepository) SumsByProject(ctx context.Context, projectID int64) (map[int64]UserSums, error) {
	query := `
		SELECT t.user_id,
			COALESCE(SUM(t.amount) FILTER (WHERE t.type = 'EARN'), 0),
			COALESCE(SUM(t.amount) FILTER (WHERE t.type = 'SPEND'), 0),
			COALESCE(SUM(t.amount) FILTER (WHERE t.type = 'EXPIRE'), 0)
		FROM transaction t
		JOIN app_user u ON u.id = t.user_id
		WHERE u.project_id = $1
		GROUP BY t.user_id
	`

	rows, err := tr.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query project sums: %w", err)
	}
	defer rows.Close()

	sums := make(map[int64]UserSums)
	for rows.Next() {
		var userID int64
		var s UserSums
		if err := rows.Scan(&userID, &s.Earned, &s.Spent, &s.Expired); err != nil {
			return nil, fmt.Errorf("failed to scan sums row: %w", err)
		}
		sums[userID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over sums rows: %w", err)
	}

	return sums, nil
}

// CountReferralEarnings — статистика для /referral: сколько приглашённых
// принесли бонусов и общая сумма
func (tr *TransactionRepository) CountReferralEarnings(ctx context.Context, userID int64) (int, decimal.Decimal, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)
		FROM transaction
		WHERE user_id = $1
		  AND type = 'EARN'
		  AND is_referral_bonus = true
	`

	var count int
	var total decimal.Decimal
	if err := tr.pool.QueryRow(ctx, query, userID).Scan(&count, &total); err != nil {
		return 0, decimal.Zero, fmt.Errorf("failed to count referral earnings: %w", err)
	}
	return count, total, nil
}
