package tgbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"loyalty-bonus-bot/internal/config"
	"loyalty-bonus-bot/internal/database"
)

// Supervisor — единственный в процессе реестр бот-воркеров.
// Операции над одним проектом строго последовательны: параллельный вызов
// ждёт завершения текущего, а не гонится с ним.
type Supervisor struct {
	deps Deps

	mu      sync.Mutex
	workers map[int64]*Worker
	locks   map[int64]*sync.Mutex
}

func NewSupervisor(deps Deps) *Supervisor {
	return &Supervisor{
		deps:    deps,
		workers: make(map[int64]*Worker),
		locks:   make(map[int64]*sync.Mutex),
	}
}

func (s *Supervisor) projectLock(projectID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	return l
}

func (s *Supervisor) getWorker(projectID int64) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[projectID]
}

func (s *Supervisor) setWorker(projectID int64, w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w == nil {
		delete(s.workers, projectID)
		return
	}
	s.workers[projectID] = w
}

func (s *Supervisor) mode() Mode {
	if config.IsPollingMode() {
		return ModePolling
	}
	return ModeWebhook
}

// CreateBot поднимает воркера проекта, предварительно погасив старого.
// Секундная пауза даёт телеграму отпустить предыдущего потребителя токена.
func (s *Supervisor) CreateBot(ctx context.Context, projectID int64, settings database.BotSettings) error {
	l := s.projectLock(projectID)
	l.Lock()
	defer l.Unlock()
	return s.createLocked(ctx, projectID, settings)
}

func (s *Supervisor) createLocked(ctx context.Context, projectID int64, settings database.BotSettings) error {
	if existing := s.getWorker(projectID); existing != nil {
		if err := existing.Stop(ctx); err != nil {
			slog.Warn("Failed to stop previous worker", "projectId", projectID, "error", err)
		}
		s.setWorker(projectID, nil)

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	worker, err := NewWorker(projectID, settings, s.mode(), config.TelegramWebhookURL(projectID), s.deps)
	if err != nil {
		return fmt.Errorf("failed to create worker for project %d: %w", projectID, err)
	}
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker for project %d: %w", projectID, err)
	}
	s.setWorker(projectID, worker)
	return nil
}

// UpdateBot применяет новые настройки: смена токена пересоздаёт воркера,
// деактивация гасит его, прочие изменения подхватываются на месте
func (s *Supervisor) UpdateBot(ctx context.Context, projectID int64, settings database.BotSettings) error {
	l := s.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	existing := s.getWorker(projectID)

	if !settings.IsActive {
		if existing != nil {
			return s.stopLocked(ctx, projectID)
		}
		return nil
	}
	if existing == nil || existing.Settings().BotToken != settings.BotToken {
		return s.createLocked(ctx, projectID, settings)
	}

	existing.mu.Lock()
	existing.settings = settings
	existing.mu.Unlock()
	slog.Info("Updated bot settings in place", "projectId", projectID)
	return nil
}

func (s *Supervisor) StopBot(ctx context.Context, projectID int64) error {
	l := s.projectLock(projectID)
	l.Lock()
	defer l.Unlock()
	return s.stopLocked(ctx, projectID)
}

func (s *Supervisor) stopLocked(ctx context.Context, projectID int64) error {
	worker := s.getWorker(projectID)
	// из реестра убираем в любом случае, даже если остановка не удалась
	defer s.setWorker(projectID, nil)

	if worker == nil {
		return nil
	}
	return worker.Stop(ctx)
}

// EmergencyStopAll параллельно гасит всех воркеров и выдерживает паузу,
// чтобы телеграм освободил токены перед перезапуском процесса
func (s *Supervisor) EmergencyStopAll(ctx context.Context) {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[int64]*Worker)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Stop(ctx); err != nil {
				slog.Warn("Failed to stop worker", "projectId", w.projectID, "error", err)
			}
		}(w)
	}
	wg.Wait()

	if len(workers) > 0 {
		slog.Info("All bot workers stopped", "count", len(workers))
		time.Sleep(3 * time.Second)
	}
}

// GetWebhookHandler отдаёт HTTP-обработчик апдейтов активного воркера, nil если его нет
func (s *Supervisor) GetWebhookHandler(projectID int64) http.HandlerFunc {
	worker := s.getWorker(projectID)
	if worker == nil || !worker.IsRunning() {
		return nil
	}
	return worker.WebhookHandler()
}

// BotHealth — снимок состояния воркера для админки
type BotHealth struct {
	IsRunning   bool                `json:"isRunning"`
	Username    string              `json:"username,omitempty"`
	Mode        Mode                `json:"mode,omitempty"`
	WebhookInfo *models.WebhookInfo `json:"webhookInfo,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func (s *Supervisor) CheckBotHealth(ctx context.Context, projectID int64) *BotHealth {
	worker := s.getWorker(projectID)
	if worker == nil {
		return &BotHealth{IsRunning: false}
	}

	health := &BotHealth{
		IsRunning: worker.IsRunning(),
		Username:  worker.Username(),
		Mode:      worker.mode,
	}
	if worker.mode == ModeWebhook {
		info, err := worker.WebhookInfo(ctx)
		if err != nil {
			health.Error = err.Error()
		} else {
			health.WebhookInfo = info
		}
	}
	return health
}

// Bootstrap поднимает воркеров всех проектов с включённым ботом.
// Ошибка одного проекта не мешает остальным.
func (s *Supervisor) Bootstrap(ctx context.Context, settingsRepo *database.BotSettingsRepository) error {
	all, err := settingsRepo.FindAllActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active bot settings: %w", err)
	}

	started := 0
	for _, settings := range all {
		if err := s.CreateBot(ctx, settings.ProjectID, settings); err != nil {
			slog.Error("Failed to bootstrap bot", "projectId", settings.ProjectID, "error", err)
			continue
		}
		started++
	}
	slog.Info("Bot supervisor bootstrapped", "total", len(all), "started", started)
	return nil
}

// Send реализует notification.Sender для канала telegram
func (s *Supervisor) Send(ctx context.Context, user *database.User, title, message string) error {
	if user.TelegramID == nil {
		return fmt.Errorf("user %d has no linked telegram", user.ID)
	}
	worker := s.getWorker(user.ProjectID)
	if worker == nil || !worker.IsRunning() {
		return fmt.Errorf("no active bot for project %d", user.ProjectID)
	}

	text := message
	if title != "" {
		text = title + "\n\n" + message
	}
	_, err := worker.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: *user.TelegramID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
