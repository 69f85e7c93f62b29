package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loyalty-bonus-bot/internal/config"
	"loyalty-bonus-bot/internal/database"
)

// Sender доставляет сообщение в один канал. Живая реализация есть только
// у telegram (через supervisor); остальные каналы — заглушки.
type Sender interface {
	Send(ctx context.Context, user *database.User, title, message string) error
}

var ErrChannelUnavailable = fmt.Errorf("notification channel unavailable")

// stubSender стоит за каналами, для которых интеграции ещё нет
type stubSender struct {
	channel database.NotificationChannel
}

func (s *stubSender) Send(_ context.Context, user *database.User, _, _ string) error {
	slog.Debug("Notification channel is not wired, skipping",
		"channel", s.channel, "userId", user.ID)
	return ErrChannelUnavailable
}

type Service struct {
	logRepo      *database.NotificationLogRepository
	userRepo     *database.UserRepository
	settingsRepo *database.BotSettingsRepository
	senders      map[database.NotificationChannel]Sender
}

func NewService(
	logRepo *database.NotificationLogRepository,
	userRepo *database.UserRepository,
	settingsRepo *database.BotSettingsRepository,
) *Service {
	return &Service{
		logRepo:      logRepo,
		userRepo:     userRepo,
		settingsRepo: settingsRepo,
		senders: map[database.NotificationChannel]Sender{
			database.ChannelEmail: &stubSender{channel: database.ChannelEmail},
			database.ChannelSMS:   &stubSender{channel: database.ChannelSMS},
			database.ChannelPush:  &stubSender{channel: database.ChannelPush},
		},
	}
}

// RegisterSender подключает живую реализацию канала (telegram — на старте процесса)
func (s *Service) RegisterSender(channel database.NotificationChannel, sender Sender) {
	s.senders[channel] = sender
}

// SendEvent собирает сообщение по шаблону события и шлёт в telegram.
// Реализует ledger.Notifier.
func (s *Service) SendEvent(ctx context.Context, projectID, userID int64, event string, vars map[string]string) error {
	overrides := map[string]string{}
	settings, err := s.settingsRepo.FindByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load bot settings: %w", err)
	}
	if settings != nil {
		overrides = settings.MessageSettings
	}

	tpl, ok := TemplateFor(event, overrides)
	if !ok {
		return fmt.Errorf("unknown notification event: %s", event)
	}

	metadata := map[string]string{"event": event}
	return s.Send(ctx, projectID, userID, database.ChannelTelegram, "", RenderTemplate(tpl, vars), metadata)
}

// Send доставляет сообщение в указанный канал и пишет строку журнала
// независимо от исхода: sent_at остаётся NULL при неудаче.
func (s *Service) Send(ctx context.Context, projectID, userID int64, channel database.NotificationChannel,
	title, message string, metadata map[string]string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return fmt.Errorf("user not found: %d", userID)
	}

	entry := &database.NotificationLog{
		ProjectID: projectID,
		UserID:    &userID,
		Channel:   channel,
		Title:     title,
		Message:   message,
		Metadata:  metadata,
	}

	var sendErr error
	switch {
	case !s.withinAllowedHours(time.Now()):
		sendErr = fmt.Errorf("suppressed by quiet hours")
	case s.overFrequencyCap(ctx, userID):
		sendErr = fmt.Errorf("suppressed by frequency cap")
	default:
		sender, ok := s.senders[channel]
		if !ok {
			sendErr = ErrChannelUnavailable
		} else {
			sendErr = sender.Send(ctx, user, title, message)
		}
	}

	if sendErr == nil {
		now := time.Now().UTC()
		entry.SentAt = &now
	}

	if _, logErr := s.logRepo.Insert(ctx, entry); logErr != nil {
		slog.Error("Failed to write notification log",
			"projectId", projectID, "userId", userID, "error", logErr)
	}

	if sendErr != nil {
		return fmt.Errorf("failed to deliver %s notification: %w", channel, sendErr)
	}
	return nil
}

// Тихие часы: с 22:00 до 08:00 автоматические уведомления не шлём
func (s *Service) withinAllowedHours(now time.Time) bool {
	h := now.Hour()
	return h >= 8 && h < 22
}

// overFrequencyCap ограничивает поток сообщений на пользователя.
// Best-effort: гонка двух параллельных отправок может чуть превысить лимит.
func (s *Service) overFrequencyCap(ctx context.Context, userID int64) bool {
	now := time.Now().UTC()

	lastHour, err := s.logRepo.CountSentSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		slog.Warn("Failed to check hourly notification cap", "userId", userID, "error", err)
		return false
	}
	if lastHour >= config.NotificationHourCap() {
		return true
	}

	lastDay, err := s.logRepo.CountSentSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		slog.Warn("Failed to check daily notification cap", "userId", userID, "error", err)
		return false
	}
	return lastDay >= config.NotificationDayCap()
}
