package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"loyalty-bonus-bot/utils"
)

type User struct {
	ID               int64           `db:"id"`
	ProjectID        int64           `db:"project_id"`
	Email            *string         `db:"email"`
	Phone            *string         `db:"phone"`
	FirstName        *string         `db:"first_name"`
	LastName         *string         `db:"last_name"`
	TelegramID       *int64          `db:"telegram_id"`
	TelegramUsername *string         `db:"telegram_username"`
	TotalPurchases   decimal.Decimal `db:"total_purchases"`
	CurrentLevelName string          `db:"current_level_name"`
	UTMSource        *string         `db:"utm_source"`
	ReferralCode     *string         `db:"referral_code"`
	ReferredBy       *int64          `db:"referred_by"`
	IsActive         bool            `db:"is_active"`
	CreatedAt        time.Time       `db:"created_at"`
}

func userColumns() []string {
	return []string{
		"id", "project_id", "email", "phone", "first_name", "last_name",
		"telegram_id", "telegram_username", "total_purchases", "current_level_name",
		"utm_source", "referral_code", "referred_by", "is_active", "created_at",
	}
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.ProjectID, &u.Email, &u.Phone, &u.FirstName, &u.LastName,
		&u.TelegramID, &u.TelegramUsername, &u.TotalPurchases, &u.CurrentLevelName,
		&u.UTMSource, &u.ReferralCode, &u.ReferredBy, &u.IsActive, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanUserFromRows(rows pgx.Rows) (*User, error) {
	var u User
	err := rows.Scan(
		&u.ID, &u.ProjectID, &u.Email, &u.Phone, &u.FirstName, &u.LastName,
		&u.TelegramID, &u.TelegramUsername, &u.TotalPurchases, &u.CurrentLevelName,
		&u.UTMSource, &u.ReferralCode, &u.ReferredBy, &u.IsActive, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (ur *UserRepository) findOne(ctx context.Context, pred interface{}) (*User, error) {
	buildSelect := sq.Select(userColumns()...).
		From("app_user").
		Where(pred).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	user, err := scanUser(ur.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

func (ur *UserRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	return ur.findOne(ctx, sq.Eq{"id": id})
}

func (ur *UserRepository) FindByProjectAndEmail(ctx context.Context, projectID int64, email string) (*User, error) {
	return ur.findOne(ctx, sq.And{sq.Eq{"project_id": projectID}, sq.Eq{"email": email}})
}

func (ur *UserRepository) FindByProjectAndPhone(ctx context.Context, projectID int64, phone string) (*User, error) {
	return ur.findOne(ctx, sq.And{sq.Eq{"project_id": projectID}, sq.Eq{"phone": phone}})
}

// FindByProjectAndTelegramID ищет пользователя всегда в рамках проекта —
// один telegram-аккаунт может быть привязан к нескольким проектам
func (ur *UserRepository) FindByProjectAndTelegramID(ctx context.Context, projectID, telegramID int64) (*User, error) {
	return ur.findOne(ctx, sq.And{sq.Eq{"project_id": projectID}, sq.Eq{"telegram_id": telegramID}})
}

func (ur *UserRepository) FindByIDs(ctx context.Context, projectID int64, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}

	buildSelect := sq.Select(userColumns()...).
		From("app_user").
		Where(sq.And{sq.Eq{"project_id": projectID}, sq.Eq{"id": ids}}).
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := ur.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUserFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over user rows: %w", err)
	}

	return users, nil
}

// FindIDsWithTelegram — все активные пользователи проекта с привязанным telegram
func (ur *UserRepository) FindIDsWithTelegram(ctx context.Context, projectID int64) ([]int64, error) {
	buildSelect := sq.Select("id").
		From("app_user").
		Where(sq.And{
			sq.Eq{"project_id": projectID},
			sq.Eq{"is_active": true},
			sq.NotEq{"telegram_id": nil},
		}).
		OrderBy("id ASC").
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := ur.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over user id rows: %w", err)
	}
	return ids, nil
}

func (ur *UserRepository) Create(ctx context.Context, user *User) (*User, error) {
	buildInsert := sq.Insert("app_user").
		Columns("project_id", "email", "phone", "first_name", "last_name",
			"telegram_id", "telegram_username", "utm_source", "referred_by", "is_active").
		Values(user.ProjectID, user.Email, user.Phone, user.FirstName, user.LastName,
			user.TelegramID, user.TelegramUsername, user.UTMSource, user.ReferredBy, true).
		Suffix("RETURNING " + joinColumns(userColumns())).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildInsert.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert query: %w", err)
	}

	created, err := scanUser(ur.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user created",
		"projectId", created.ProjectID,
		"userId", utils.MaskHalfInt64(created.ID))
	return created, nil
}

func (ur *UserRepository) UpdateFields(ctx context.Context, id int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	buildUpdate := sq.Update("app_user").
		PlaceholderFormat(sq.Dollar).
		Where(sq.Eq{"id": id})

	for field, value := range updates {
		buildUpdate = buildUpdate.Set(field, value)
	}

	sql, args, err := buildUpdate.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	result, err := ur.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no user found with id: %s", utils.MaskHalfInt64(id))
	}
	return nil
}

// SetReferredByIfNull устанавливает referred_by один раз и только не на себя.
// Возвращает true если привязка произошла.
func (ur *UserRepository) SetReferredByIfNull(ctx context.Context, id, referrerID int64) (bool, error) {
	buildUpdate := sq.Update("app_user").
		Set("referred_by", referrerID).
		Where(sq.And{
			sq.Eq{"id": id},
			sq.Eq{"referred_by": nil},
			sq.NotEq{"id": referrerID},
		}).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildUpdate.ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build update query: %w", err)
	}

	result, err := ur.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("failed to set referred_by: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SetReferralCodeIfNull сохраняет сгенерированный код только если его ещё нет
func (ur *UserRepository) SetReferralCodeIfNull(ctx context.Context, id int64, code string) error {
	buildUpdate := sq.Update("app_user").
		Set("referral_code", code).
		Where(sq.And{sq.Eq{"id": id}, sq.Eq{"referral_code": nil}}).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildUpdate.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	_, err = ur.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to set referral code: %w", err)
	}
	return nil
}

// FindByIDForUpdateTx читает пользователя под блокировкой строки: расчёт
// оборота и уровня внутри unit-of-work идёт только от этого снимка
func (ur *UserRepository) FindByIDForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (*User, error) {
	buildSelect := sq.Select(userColumns()...).
		From("app_user").
		Where(sq.Eq{"id": id}).
		Suffix("FOR UPDATE").
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	user, err := scanUser(tx.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// UpdateTotalsTx пишет новые накопления и имя уровня внутри unit-of-work начисления
func (ur *UserRepository) UpdateTotalsTx(ctx context.Context, tx pgx.Tx, id int64, totalPurchases decimal.Decimal, levelName string) error {
	buildUpdate := sq.Update("app_user").
		Set("total_purchases", totalPurchases).
		Set("current_level_name", levelName).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildUpdate.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	result, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update user totals: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no user found with id: %s", utils.MaskHalfInt64(id))
	}
	return nil
}

// LinkTelegram привязывает telegram-аккаунт к пользователю проекта
func (ur *UserRepository) LinkTelegram(ctx context.Context, id, telegramID int64, username *string) error {
	return ur.UpdateFields(ctx, id, map[string]interface{}{
		"telegram_id":       telegramID,
		"telegram_username": username,
	})
}
