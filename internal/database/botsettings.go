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
)

// FunctionalSettings включает и выключает команды бота для проекта
type FunctionalSettings struct {
	ShowBalance  bool `json:"showBalance"`
	ShowLevel    bool `json:"showLevel"`
	ShowReferral bool `json:"showReferral"`
	ShowHistory  bool `json:"showHistory"`
	ShowHelp     bool `json:"showHelp"`
}

func DefaultFunctionalSettings() FunctionalSettings {
	return FunctionalSettings{
		ShowBalance:  true,
		ShowLevel:    true,
		ShowReferral: true,
		ShowHistory:  true,
		ShowHelp:     true,
	}
}

// BotSettings — настройки telegram-бота проекта; supervisor реагирует на их изменения
type BotSettings struct {
	ProjectID          int64              `db:"project_id"`
	BotToken           string             `db:"bot_token"`
	BotUsername        *string            `db:"bot_username"`
	IsActive           bool               `db:"is_active"`
	WelcomeMessage     string             `db:"welcome_message"`
	MessageSettings    map[string]string  `db:"message_settings"`
	FunctionalSettings FunctionalSettings `db:"functional_settings"`
	UpdatedAt          time.Time          `db:"updated_at"`
}

func botSettingsColumns() []string {
	return []string{
		"project_id", "bot_token", "bot_username", "is_active",
		"welcome_message", "message_settings", "functional_settings", "updated_at",
	}
}

func scanBotSettings(row pgx.Row) (*BotSettings, error) {
	var s BotSettings
	var messageSettings, functionalSettings []byte
	err := row.Scan(
		&s.ProjectID, &s.BotToken, &s.BotUsername, &s.IsActive,
		&s.WelcomeMessage, &messageSettings, &functionalSettings, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(messageSettings) > 0 {
		if err := json.Unmarshal(messageSettings, &s.MessageSettings); err != nil {
			return nil, fmt.Errorf("failed to decode message settings: %w", err)
		}
	}
	if len(functionalSettings) > 0 {
		if err := json.Unmarshal(functionalSettings, &s.FunctionalSettings); err != nil {
			return nil, fmt.Errorf("failed to decode functional settings: %w", err)
		}
	} else {
		s.FunctionalSettings = DefaultFunctionalSettings()
	}
	return &s, nil
}

type BotSettingsRepository struct {
	pool *pgxpool.Pool
}

func NewBotSettingsRepository(pool *pgxpool.Pool) *BotSettingsRepository {
	return &BotSettingsRepository{pool: pool}
}

func (br *BotSettingsRepository) FindByProject(ctx context.Context, projectID int64) (*BotSettings, error) {
	buildSelect := sq.Select(botSettingsColumns()...).
		From("bot_settings").
		Where(sq.Eq{"project_id": projectID}).
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	settings, err := scanBotSettings(br.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query bot settings: %w", err)
	}
	return settings, nil
}

// FindAllActive возвращает настройки всех проектов с включённым ботом —
// supervisor поднимает по ним воркеров на старте процесса
func (br *BotSettingsRepository) FindAllActive(ctx context.Context) ([]BotSettings, error) {
	buildSelect := sq.Select(botSettingsColumns()...).
		From("bot_settings").
		Where(sq.Eq{"is_active": true}).
		OrderBy("project_id ASC").
		PlaceholderFormat(sq.Dollar)

	sqlStr, args, err := buildSelect.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := br.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active bot settings: %w", err)
	}
	defer rows.Close()

	var result []BotSettings
	for rows.Next() {
		var s BotSettings
		var messageSettings, functionalSettings []byte
		if err := rows.Scan(
			&s.ProjectID, &s.BotToken, &s.BotUsername, &s.IsActive,
			&s.WelcomeMessage, &messageSettings, &functionalSettings, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bot settings row: %w", err)
		}
		if len(messageSettings) > 0 {
			if err := json.Unmarshal(messageSettings, &s.MessageSettings); err != nil {
				return nil, fmt.Errorf("failed to decode message settings: %w", err)
			}
		}
		if len(functionalSettings) > 0 {
			if err := json.Unmarshal(functionalSettings, &s.FunctionalSettings); err != nil {
				return nil, fmt.Errorf("failed to decode functional settings: %w", err)
			}
		} else {
			s.FunctionalSettings = DefaultFunctionalSettings()
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over bot settings rows: %w", err)
	}

	return result, nil
}

func (br *BotSettingsRepository) Upsert(ctx context.Context, settings *BotSettings) error {
	messageSettings, err := json.Marshal(settings.MessageSettings)
	if err != nil {
		return fmt.Errorf("failed to encode message settings: %w", err)
	}
	functionalSettings, err := json.Marshal(settings.FunctionalSettings)
	if err != nil {
		return fmt.Errorf("failed to encode functional settings: %w", err)
	}

	query := `
		INSERT INTO bot_settings (project_id, bot_token, bot_username, is_active, welcome_message, message_settings, functional_settings, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			bot_token = EXCLUDED.bot_token,
			bot_username = EXCLUDED.bot_username,
			is_active = EXCLUDED.is_active,
			welcome_message = EXCLUDED.welcome_message,
			message_settings = EXCLUDED.message_settings,
			functional_settings = EXCLUDED.functional_settings,
			updated_at = NOW()
	`

	_, err = br.pool.Exec(ctx, query,
		settings.ProjectID, settings.BotToken, settings.BotUsername, settings.IsActive,
		settings.WelcomeMessage, string(messageSettings), string(functionalSettings))
	if err != nil {
		return fmt.Errorf("failed to upsert bot settings: %w", err)
	}
	return nil
}

func (br *BotSettingsRepository) UpdateFields(ctx context.Context, projectID int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	buildUpdate := sq.Update("bot_settings").
		PlaceholderFormat(sq.Dollar).
		Where(sq.Eq{"project_id": projectID})

	for field, value := range updates {
		buildUpdate = buildUpdate.Set(field, value)
	}
	buildUpdate = buildUpdate.Set("updated_at", time.Now())

	sql, args, err := buildUpdate.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	result, err := br.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update bot settings: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no bot settings found for project: %d", projectID)
	}
	return nil
}
