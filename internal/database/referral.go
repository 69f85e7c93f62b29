package database

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
)

// ReferralProgram — настройки реферальной программы проекта, не более одной
type ReferralProgram struct {
	ProjectID            int64           `db:"project_id"`
	IsActive             bool            `db:"is_active"`
	ReferrerBonusPercent decimal.Decimal `db:"referrer_bonus_percent"`
	RefereeBonusPercent  decimal.Decimal `db:"referee_bonus_percent"`
	Description          *string         `db:"description"`
}

func referralProgramColumns() []string {
	return []string{"project_id", "is_active", "referrer_bonus_percent", "referee_bonus_percent", "description"}
}

func scanReferralProgram(row pgx.Row) (*ReferralProgram, error) {
	var p ReferralProgram
	err := row.Scan(&p.ProjectID, &p.IsActive, &p.ReferrerBonusPercent, &p.RefereeBonusPercent, &p.Description)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type ReferralProgramRepository struct {
	pool *pgxpool.Pool
}

func NewReferralProgramRepository(pool *pgxpool.Pool) *ReferralProgramRepository {
	return &ReferralProgramRepository{pool: pool}
}

func (rr *ReferralProgramRepository) FindByProject(ctx context.Context, projectID int64) (*ReferralProgram, error) {
	buildSelect := sq.Select(referralProgramColumns()...).
		From("referral_program").
		Where(sq.Eq{"project_id": projectID}).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	program, err := scanReferralProgram(rr.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query referral program: %w", err)
	}
	return program, nil
}

// Upsert создаёт или обновляет программу проекта (project_id уникален)
func (rr *ReferralProgramRepository) Upsert(ctx context.Context, program *ReferralProgram) error {
	query := `
		INSERT INTO referral_program (project_id, is_active, referrer_bonus_percent, referee_bonus_percent, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			referrer_bonus_percent = EXCLUDED.referrer_bonus_percent,
			referee_bonus_percent = EXCLUDED.referee_bonus_percent,
			description = EXCLUDED.description
	`

	_, err := rr.pool.Exec(ctx, query,
		program.ProjectID, program.IsActive, program.ReferrerBonusPercent,
		program.RefereeBonusPercent, program.Description)
	if err != nil {
		return fmt.Errorf("failed to upsert referral program: %w", err)
	}
	return nil
}
