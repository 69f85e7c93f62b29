package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4/pgxpool"
)

type NotificationChannel string

const (
	ChannelTelegram NotificationChannel = "telegram"
	ChannelEmail    NotificationChannel = "email"
	ChannelSMS      NotificationChannel = "sms"
	ChannelPush     NotificationChannel = "push"
)

// NotificationLog — append-only журнал отправок; sent_at = NULL значит отправка не удалась
type NotificationLog struct {
	ID        int64               `db:"id"`
	ProjectID int64               `db:"project_id"`
	UserID    *int64              `db:"user_id"`
	Channel   NotificationChannel `db:"channel"`
	Title     string              `db:"title"`
	Message   string              `db:"message"`
	Metadata  map[string]string   `db:"metadata"`
	SentAt    *time.Time          `db:"sent_at"`
	CreatedAt time.Time           `db:"created_at"`
}

type NotificationLogRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationLogRepository(pool *pgxpool.Pool) *NotificationLogRepository {
	return &NotificationLogRepository{pool: pool}
}

func (nr *NotificationLogRepository) Insert(ctx context.Context, log *NotificationLog) (int64, error) {
	metadata := log.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to encode notification metadata: %w", err)
	}

	buildInsert := sq.Insert("notification_log").
		Columns("project_id", "user_id", "channel", "title", "message", "metadata", "sent_at").
		Values(log.ProjectID, log.UserID, log.Channel, log.Title, log.Message, string(metadataJSON), log.SentAt).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar)

	sql, args, err := buildInsert.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build insert query: %w", err)
	}

	var id int64
	if err := nr.pool.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert notification log: %w", err)
	}
	return id, nil
}

// CountSentSince — сколько уведомлений доставлено пользователю с момента since
// (нужен для best-effort лимитов на частоту)
func (nr *NotificationLogRepository) CountSentSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM notification_log
		WHERE user_id = $1
		  AND sent_at IS NOT NULL
		  AND sent_at >= $2
	`

	var count int
	if err := nr.pool.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}
