package tgbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"loyalty-bonus-bot/internal/database"
)

type Mode string

const (
	ModePolling Mode = "polling"
	ModeWebhook Mode = "webhook"
)

const stopGracePeriod = 2 * time.Second

// Worker — один telegram-бот одного проекта. Единственный потребитель
// апдейтов своего токена: либо polling-цикл, либо webhook-маршрут.
type Worker struct {
	projectID  int64
	settings   database.BotSettings
	mode       Mode
	webhookURL string
	bot        *bot.Bot
	handler    *Handler

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	username string
}

func NewWorker(projectID int64, settings database.BotSettings, mode Mode, webhookURL string, deps Deps) (*Worker, error) {
	w := &Worker{
		projectID: projectID,
		settings:  settings,
		mode:      mode,
	}
	w.handler = newHandler(w, deps)

	opts := []bot.Option{
		bot.WithWorkers(3),
		bot.WithDefaultHandler(w.handler.DefaultHandler),
		bot.WithErrorsHandler(func(err error) {
			if IsConflictError(err) {
				// 409 — где-то живёт второй потребитель токена; чинит supervisor
				slog.Warn("Telegram getUpdates conflict", "projectId", projectID, "error", err)
				return
			}
			slog.Error("Telegram bot error", "projectId", projectID, "error", err)
		}),
	}

	b, err := bot.New(settings.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	w.bot = b
	w.registerHandlers()
	w.webhookURL = webhookURL
	return w, nil
}

func (w *Worker) registerHandlers() {
	b, h := w.bot, w.handler

	b.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, h.StartCommandHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/balance", bot.MatchTypeExact, h.BalanceCommandHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/level", bot.MatchTypeExact, h.LevelCommandHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/history", bot.MatchTypeExact, h.HistoryCommandHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/referral", bot.MatchTypeExact, h.ReferralCommandHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/invite", bot.MatchTypeExact, h.InviteCommandHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypeExact, h.HelpCommandHandler)

	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, CallbackCheckBalance, bot.MatchTypeExact, h.BalanceCallbackHandler)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, CallbackCheckLevel, bot.MatchTypeExact, h.LevelCallbackHandler)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, CallbackViewHistory, bot.MatchTypeExact, h.HistoryCallbackHandler)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, CallbackCheckReferral, bot.MatchTypeExact, h.ReferralCallbackHandler)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, CallbackGetInviteLink, bot.MatchTypeExact, h.InviteCallbackHandler)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, CallbackShowHelp, bot.MatchTypeExact, h.HelpCallbackHandler)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, CallbackRegisterPhone, bot.MatchTypeExact, h.RegisterPhoneCallbackHandler)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, CallbackRegisterEmail, bot.MatchTypeExact, h.RegisterEmailCallbackHandler)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, CallbackBackToMenu, bot.MatchTypeExact, h.MenuCallbackHandler)
}

// Start инициализирует бота через getMe и запускает выбранный режим доставки апдейтов
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker already running for project %d", w.projectID)
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	me, err := w.bot.GetMe(initCtx)
	if err != nil {
		return fmt.Errorf("getMe failed: %w", err)
	}
	w.username = me.Username

	w.setMyCommands(initCtx)

	loopCtx, loopCancel := context.WithCancel(context.Background())
	w.cancel = loopCancel
	w.done = make(chan struct{})

	switch w.mode {
	case ModeWebhook:
		_, err = w.bot.SetWebhook(initCtx, &bot.SetWebhookParams{
			URL:                w.webhookURL,
			DropPendingUpdates: true,
			AllowedUpdates:     []string{"message", "callback_query", "inline_query", "chosen_inline_result"},
		})
		if err != nil {
			loopCancel()
			return fmt.Errorf("setWebhook failed: %w", err)
		}
		go func() {
			defer close(w.done)
			w.bot.StartWebhook(loopCtx)
		}()
	default:
		_, err = w.bot.DeleteWebhook(initCtx, &bot.DeleteWebhookParams{DropPendingUpdates: true})
		if err != nil {
			loopCancel()
			return fmt.Errorf("deleteWebhook failed: %w", err)
		}
		go func() {
			defer close(w.done)
			w.bot.Start(loopCtx)
		}()
	}

	w.running = true
	slog.Info("Bot worker started",
		"projectId", w.projectID, "mode", w.mode, "username", w.username)
	return nil
}

// Stop останавливает цикл апдейтов. Ждём не дольше stopGracePeriod:
// зависший цикл бросаем, телеграм сам отпустит токен по таймауту сессии.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()

	select {
	case <-w.done:
	case <-time.After(stopGracePeriod):
		slog.Warn("Bot worker did not stop in time, detaching", "projectId", w.projectID)
	case <-ctx.Done():
	}

	delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.bot.DeleteWebhook(delCtx, &bot.DeleteWebhookParams{DropPendingUpdates: true}); err != nil {
		slog.Warn("Failed to delete webhook on stop", "projectId", w.projectID, "error", err)
	}

	slog.Info("Bot worker stopped", "projectId", w.projectID)
	return nil
}

func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) Username() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.username
}

func (w *Worker) Settings() database.BotSettings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings
}

// WebhookHandler — HTTP-обработчик апдейтов для webhook-режима
func (w *Worker) WebhookHandler() http.HandlerFunc {
	return w.bot.WebhookHandler()
}

// WebhookInfo опрашивает телеграм о текущем состоянии webhook
func (w *Worker) WebhookInfo(ctx context.Context) (*models.WebhookInfo, error) {
	return w.bot.GetWebhookInfo(ctx)
}

func (w *Worker) setMyCommands(ctx context.Context) {
	fs := w.settings.FunctionalSettings
	commands := []models.BotCommand{{Command: "start", Description: "Начать работу с ботом"}}
	if fs.ShowBalance {
		commands = append(commands, models.BotCommand{Command: "balance", Description: "Мой баланс бонусов"})
	}
	if fs.ShowLevel {
		commands = append(commands, models.BotCommand{Command: "level", Description: "Мой уровень"})
	}
	if fs.ShowHistory {
		commands = append(commands, models.BotCommand{Command: "history", Description: "История операций"})
	}
	if fs.ShowReferral {
		commands = append(commands, models.BotCommand{Command: "referral", Description: "Реферальная программа"})
		commands = append(commands, models.BotCommand{Command: "invite", Description: "Пригласить друга"})
	}
	if fs.ShowHelp {
		commands = append(commands, models.BotCommand{Command: "help", Description: "Помощь"})
	}

	_, err := w.bot.SetMyCommands(ctx, &bot.SetMyCommandsParams{
		Commands:     commands,
		LanguageCode: "ru",
	})
	if err != nil {
		slog.Warn("Failed to set bot commands", "projectId", w.projectID, "error", err)
	}
}

// IsConflictError распознаёт 409 от телеграма: токен слушает кто-то ещё
func IsConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "409") ||
		strings.Contains(msg, "Conflict") ||
		strings.Contains(msg, "terminated by other getUpdates")
}
