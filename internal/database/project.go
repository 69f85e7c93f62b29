package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
)

type Project struct {
	ID              int64           `db:"id"`
	Name            string          `db:"name"`
	Domain          *string         `db:"domain"`
	WebhookSecret   string          `db:"webhook_secret"`
	BonusPercentage decimal.Decimal `db:"bonus_percentage"`
	BonusExpiryDays int             `db:"bonus_expiry_days"`
	IsActive        bool            `db:"is_active"`
	CreatedAt       time.Time       `db:"created_at"`
}

func projectColumns() []string {
	return []string{
		"id", "name", "domain", "webhook_secret",
		"bonus_percentage", "bonus_expiry_days", "is_active", "created_at",
	}
}

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(
		&p.ID, &p.Name, &p.Domain, &p.WebhookSecret,
		&p.BonusPercentage, &p.BonusExpiryDays, &p.IsActive, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type ProjectRepository struct {
	pool *pgxpool.Pool
}

func NewProjectRepository(pool *pgxpool.Pool) *ProjectRepository {
	return &ProjectRepository{pool: pool}
}

func (pr *ProjectRepository) FindByID(ctx context.Context, id int64) (*Project, error) {
	buildSelect := sq.Select(projectColumns()...).
		From("project").
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	project, err := scanProject(pr.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	return project, nil
}

// FindByWebhookSecret ищет проект по секрету вебхука (ключ ingress-эндпоинта)
func (pr *ProjectRepository) FindByWebhookSecret(ctx context.Context, secret string) (*Project, error) {
	buildSelect := sq.Select(projectColumns()...).
		From("project").
		Where(sq.Eq{"webhook_secret": secret}).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	project, err := scanProject(pr.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query project by webhook secret: %w", err)
	}
	return project, nil
}

func (pr *ProjectRepository) Create(ctx context.Context, project *Project) (*Project, error) {
	if project.WebhookSecret == "" {
		project.WebhookSecret = uuid.NewString()
	}

	buildInsert := sq.Insert("project").
		Columns("name", "domain", "webhook_secret", "bonus_percentage", "bonus_expiry_days", "is_active").
		Values(project.Name, project.Domain, project.WebhookSecret, project.BonusPercentage, project.BonusExpiryDays, project.IsActive).
		Suffix("RETURNING " + joinColumns(projectColumns())).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildInsert.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert query: %w", err)
	}

	created, err := scanProject(pr.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return created, nil
}

func (pr *ProjectRepository) UpdateFields(ctx context.Context, id int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	buildUpdate := sq.Update("project").
		PlaceholderFormat(sq.Dollar).
		Where(sq.Eq{"id": id})

	for field, value := range updates {
		buildUpdate = buildUpdate.Set(field, value)
	}

	sql, args, err := buildUpdate.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	result, err := pr.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no project found with id: %d", id)
	}
	return nil
}
