package tgbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"loyalty-bonus-bot/internal/config"
	"loyalty-bonus-bot/utils"
)

// RichOptions — оформление рассылки
type RichOptions struct {
	ImageURL  string
	Buttons   []BroadcastButton
	ParseMode models.ParseMode
}

type BroadcastButton struct {
	Text string
	URL  string
}

// BroadcastError — ошибка доставки одному получателю
type BroadcastError struct {
	UserID int64  `json:"userId"`
	Reason string `json:"reason"`
}

type BroadcastResult struct {
	Success     bool             `json:"success"`
	SentCount   int              `json:"sentCount"`
	FailedCount int              `json:"failedCount"`
	Errors      []BroadcastError `json:"errors,omitempty"`
}

// SendRichBroadcast рассылает сообщение пользователям проекта.
// Фан-аут ограничен числом воркеров; ошибка одного получателя не
// прерывает остальных. sentCount+failedCount всегда равно len(userIDs).
func (s *Supervisor) SendRichBroadcast(ctx context.Context, projectID int64, userIDs []int64,
	message string, opts RichOptions) (*BroadcastResult, error) {
	worker := s.getWorker(projectID)
	if worker == nil || !worker.IsRunning() {
		return nil, fmt.Errorf("no active bot for project %d", projectID)
	}

	users, err := s.deps.UserRepo.FindByIDs(ctx, projectID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load broadcast recipients: %w", err)
	}
	chatByUser := make(map[int64]int64, len(users))
	for i := range users {
		if users[i].TelegramID != nil {
			chatByUser[users[i].ID] = *users[i].TelegramID
		}
	}

	markup := buildBroadcastKeyboard(opts.Buttons)

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result BroadcastResult
	)
	sem := make(chan struct{}, config.BroadcastWorkers())

	for _, userID := range userIDs {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			chatID, linked := chatByUser[userID]
			if !linked {
				mu.Lock()
				result.FailedCount++
				result.Errors = append(result.Errors, BroadcastError{UserID: userID, Reason: "not linked"})
				mu.Unlock()
				return
			}

			sendErr := sendBroadcastMessage(ctx, worker.bot, chatID, message, markup, opts)
			mu.Lock()
			if sendErr != nil {
				result.FailedCount++
				result.Errors = append(result.Errors, BroadcastError{UserID: userID, Reason: sendErr.Error()})
			} else {
				result.SentCount++
			}
			mu.Unlock()

			if sendErr != nil {
				slog.Warn("Broadcast delivery failed",
					"projectId", projectID, "userId", userID,
					"chatId", utils.MaskHalfInt64(chatID), "error", sendErr)
			}
		}(userID)
	}
	wg.Wait()

	result.Success = result.FailedCount == 0
	slog.Info("Broadcast finished",
		"projectId", projectID, "total", len(userIDs),
		"sent", result.SentCount, "failed", result.FailedCount)
	return &result, nil
}

func sendBroadcastMessage(ctx context.Context, b *bot.Bot, chatID int64, message string,
	markup *models.InlineKeyboardMarkup, opts RichOptions) error {
	var replyMarkup models.ReplyMarkup
	if markup != nil {
		replyMarkup = markup
	}

	if opts.ImageURL != "" {
		_, err := b.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:      chatID,
			Photo:       &models.InputFileString{Data: opts.ImageURL},
			Caption:     message,
			ParseMode:   opts.ParseMode,
			ReplyMarkup: replyMarkup,
		})
		return err
	}

	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        message,
		ParseMode:   opts.ParseMode,
		ReplyMarkup: replyMarkup,
	})
	return err
}

// buildBroadcastKeyboard раскладывает кнопки по две в ряд в порядке добавления
func buildBroadcastKeyboard(buttons []BroadcastButton) *models.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}

	var rows [][]models.InlineKeyboardButton
	for i := 0; i < len(buttons); i += 2 {
		row := []models.InlineKeyboardButton{{Text: buttons[i].Text, URL: buttons[i].URL}}
		if i+1 < len(buttons) {
			row = append(row, models.InlineKeyboardButton{Text: buttons[i+1].Text, URL: buttons[i+1].URL})
		}
		rows = append(rows, row)
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}
