package tgbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"loyalty-bonus-bot/internal/cache"
	"loyalty-bonus-bot/internal/config"
	"loyalty-bonus-bot/internal/database"
	"loyalty-bonus-bot/internal/ledger"
	"loyalty-bonus-bot/internal/level"
	"loyalty-bonus-bot/internal/referral"
	"loyalty-bonus-bot/utils"
)

const (
	CallbackCheckBalance  = "check_balance"
	CallbackCheckLevel    = "check_level"
	CallbackViewHistory   = "view_history"
	CallbackCheckReferral = "check_referral"
	CallbackGetInviteLink = "get_invite_link"
	CallbackShowHelp      = "show_help"
	CallbackRegisterPhone = "reg_phone"
	CallbackRegisterEmail = "reg_email"
	CallbackBackToMenu    = "back_to_menu"
)

const historyLimit = 10

const eventWelcome = "welcome"

// Notifier шлёт событийные уведомления пользователю; реализуется сервисом уведомлений
type Notifier interface {
	SendEvent(ctx context.Context, projectID, userID int64, event string, vars map[string]string) error
}

// Deps — зависимости обработчиков команд, общие для всех воркеров процесса
type Deps struct {
	UserRepo    *database.UserRepository
	ProjectRepo *database.ProjectRepository
	TxRepo      *database.TransactionRepository
	ProgramRepo *database.ReferralProgramRepository
	Ledger      *ledger.Service
	Levels      *level.Service
	Referrals   *referral.Service
	Cache       *cache.Cache
	Notifier    Notifier
}

type Handler struct {
	worker *Worker
	deps   Deps
}

func newHandler(w *Worker, deps Deps) *Handler {
	return &Handler{worker: w, deps: deps}
}

func (h *Handler) projectID() int64 { return h.worker.projectID }

// linkedUser возвращает пользователя проекта по telegramId чата, nil если не привязан
func (h *Handler) linkedUser(ctx context.Context, chatID int64) *database.User {
	user, err := h.deps.UserRepo.FindByProjectAndTelegramID(ctx, h.projectID(), chatID)
	if err != nil {
		slog.Error("error finding user by telegram id", "projectId", h.projectID(), "error", err)
		return nil
	}
	return user
}

func (h *Handler) sendText(ctx context.Context, b *bot.Bot, chatID int64, text string, markup models.ReplyMarkup) {
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: markup,
	})
	if err != nil {
		slog.Error("error sending message", "projectId", h.projectID(), "chatId", chatID, "error", err)
	}
}

func (h *Handler) answerCallback(ctx context.Context, b *bot.Bot, update *models.Update) {
	_, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: update.CallbackQuery.ID,
	})
	if err != nil {
		slog.Warn("error answering callback query", "error", err)
	}
}

func callbackChatID(update *models.Update) int64 {
	return update.CallbackQuery.Message.Message.Chat.ID
}

// ---- меню и регистрация ----

func (h *Handler) buildMenuKeyboard() *models.InlineKeyboardMarkup {
	fs := h.worker.Settings().FunctionalSettings
	var buttons []models.InlineKeyboardButton
	if fs.ShowBalance {
		buttons = append(buttons, models.InlineKeyboardButton{Text: "💰 Баланс", CallbackData: CallbackCheckBalance})
	}
	if fs.ShowLevel {
		buttons = append(buttons, models.InlineKeyboardButton{Text: "⭐ Уровень", CallbackData: CallbackCheckLevel})
	}
	if fs.ShowHistory {
		buttons = append(buttons, models.InlineKeyboardButton{Text: "📋 История", CallbackData: CallbackViewHistory})
	}
	if fs.ShowReferral {
		buttons = append(buttons, models.InlineKeyboardButton{Text: "👥 Рефералы", CallbackData: CallbackCheckReferral})
		buttons = append(buttons, models.InlineKeyboardButton{Text: "🔗 Пригласить", CallbackData: CallbackGetInviteLink})
	}
	if fs.ShowHelp {
		buttons = append(buttons, models.InlineKeyboardButton{Text: "❓ Помощь", CallbackData: CallbackShowHelp})
	}

	// по две кнопки в ряд
	var rows [][]models.InlineKeyboardButton
	for i := 0; i < len(buttons); i += 2 {
		end := i + 2
		if end > len(buttons) {
			end = len(buttons)
		}
		rows = append(rows, buttons[i:end])
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (h *Handler) sendMenu(ctx context.Context, b *bot.Bot, chatID int64, user *database.User) {
	balance, err := h.deps.Ledger.GetBalance(ctx, user.ID)
	if err != nil {
		slog.Error("error loading balance", "userId", user.ID, "error", err)
		h.sendText(ctx, b, chatID, "Не удалось загрузить баланс, попробуйте позже.", nil)
		return
	}

	text := fmt.Sprintf("💰 Ваш баланс: %s бонусов", formatAmount(balance.CurrentBalance))
	if balance.ExpiringSoon.IsPositive() {
		text += fmt.Sprintf("\n⏳ Из них %s сгорят в ближайшие %d дней",
			formatAmount(balance.ExpiringSoon), config.ExpiringSoonDays())
	}
	h.sendText(ctx, b, chatID, text, h.buildMenuKeyboard())
}

func (h *Handler) StartCommandHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID

	if user := h.linkedUser(ctx, chatID); user != nil {
		h.sendMenu(ctx, b, chatID, user)
		return
	}
	h.startRegistration(ctx, b, chatID)
}

func (h *Handler) startRegistration(ctx context.Context, b *bot.Bot, chatID int64) {
	h.deps.Cache.SetSession(h.projectID(), chatID, cache.Session{Step: cache.StepChooseMethod})

	welcome := h.worker.Settings().WelcomeMessage
	if welcome == "" {
		welcome = "Добро пожаловать в бонусную программу!"
	}
	text := welcome + "\n\nЧтобы привязать аккаунт, выберите способ:"

	markup := &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "📱 По номеру телефона", CallbackData: CallbackRegisterPhone},
				{Text: "📧 По email", CallbackData: CallbackRegisterEmail},
			},
		},
	}
	h.sendText(ctx, b, chatID, text, markup)
}

func (h *Handler) RegisterPhoneCallbackHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.answerCallback(ctx, b, update)
	chatID := callbackChatID(update)

	h.deps.Cache.SetSession(h.projectID(), chatID, cache.Session{
		Step:            cache.StepAwaitPhone,
		AwaitingContact: true,
		LinkingMethod:   "phone",
	})

	markup := models.ReplyKeyboardMarkup{
		Keyboard: [][]models.KeyboardButton{
			{{Text: "📱 Поделиться номером", RequestContact: true}},
		},
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
	h.sendText(ctx, b, chatID, "Нажмите кнопку ниже, чтобы поделиться номером телефона.", markup)
}

func (h *Handler) RegisterEmailCallbackHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.answerCallback(ctx, b, update)
	chatID := callbackChatID(update)

	h.deps.Cache.SetSession(h.projectID(), chatID, cache.Session{
		Step:            cache.StepAwaitEmail,
		AwaitingContact: true,
		LinkingMethod:   "email",
	})
	h.sendText(ctx, b, chatID, "Отправьте ваш email одним сообщением.", nil)
}

// DefaultHandler ловит сообщения вне команд: контакты и email в процессе регистрации
func (h *Handler) DefaultHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	session, found := h.deps.Cache.GetSession(h.projectID(), chatID)
	if !found || !session.AwaitingContact {
		return
	}

	if update.Message.Contact != nil && session.Step == cache.StepAwaitPhone {
		h.linkByPhone(ctx, b, update)
		return
	}
	if session.Step == cache.StepAwaitEmail && update.Message.Text != "" {
		h.linkByEmail(ctx, b, update)
	}
}

func (h *Handler) linkByPhone(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	contact := update.Message.Contact

	// принимаем только собственный контакт, не пересланный чужой
	if contact.UserID != update.Message.From.ID {
		h.sendText(ctx, b, chatID, "Пожалуйста, поделитесь своим собственным номером.", nil)
		return
	}

	phone := utils.NormalizePhone(contact.PhoneNumber)
	user, err := h.deps.UserRepo.FindByProjectAndPhone(ctx, h.projectID(), phone)
	if err != nil {
		slog.Error("error finding user by phone", "projectId", h.projectID(), "error", err)
		return
	}

	h.completeLink(ctx, b, update, user, &phone, nil)
}

func (h *Handler) linkByEmail(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	email := utils.NormalizeEmail(update.Message.Text)

	if !utils.IsValidEmail(email) {
		h.sendText(ctx, b, chatID, "Это не похоже на email. Попробуйте ещё раз, например: ivan@example.com", nil)
		return
	}

	user, err := h.deps.UserRepo.FindByProjectAndEmail(ctx, h.projectID(), email)
	if err != nil {
		slog.Error("error finding user by email", "projectId", h.projectID(), "error", err)
		return
	}

	h.completeLink(ctx, b, update, user, nil, &email)
}

// completeLink привязывает telegram к найденному пользователю или заводит нового
func (h *Handler) completeLink(ctx context.Context, b *bot.Bot, update *models.Update,
	user *database.User, phone, email *string) {
	chatID := update.Message.Chat.ID
	telegramID := update.Message.From.ID

	var username *string
	if update.Message.From.Username != "" {
		username = &update.Message.From.Username
	}

	if user == nil {
		firstName := update.Message.From.FirstName
		lastName := update.Message.From.LastName
		newUser := &database.User{
			ProjectID:        h.projectID(),
			Phone:            phone,
			Email:            email,
			TelegramID:       &telegramID,
			TelegramUsername: username,
			IsActive:         true,
		}
		if firstName != "" {
			newUser.FirstName = &firstName
		}
		if lastName != "" {
			newUser.LastName = &lastName
		}

		created, err := h.deps.UserRepo.Create(ctx, newUser)
		if err != nil {
			slog.Error("error creating user from bot dialog", "projectId", h.projectID(), "error", err)
			h.sendText(ctx, b, chatID, "Не удалось завершить регистрацию, попробуйте позже.", nil)
			return
		}
		user = created
		slog.Info("Created user from bot dialog",
			"projectId", h.projectID(), "userId", user.ID, "telegramId", utils.MaskHalfInt64(telegramID))
	} else {
		if err := h.deps.UserRepo.LinkTelegram(ctx, user.ID, telegramID, username); err != nil {
			slog.Error("error linking telegram", "userId", user.ID, "error", err)
			h.sendText(ctx, b, chatID, "Не удалось привязать аккаунт, попробуйте позже.", nil)
			return
		}
		slog.Info("Linked telegram to user",
			"projectId", h.projectID(), "userId", user.ID, "telegramId", utils.MaskHalfInt64(telegramID))
	}

	h.deps.Cache.ClearSession(h.projectID(), chatID)

	h.sendText(ctx, b, chatID, "✅ Аккаунт привязан!", models.ReplyKeyboardRemove{RemoveKeyboard: true})
	h.sendMenu(ctx, b, chatID, user)
	h.sendWelcome(ctx, user)
}

// sendWelcome шлёт приветствие нового участника через сервис уведомлений
func (h *Handler) sendWelcome(ctx context.Context, user *database.User) {
	if h.deps.Notifier == nil {
		return
	}

	projectName := ""
	if project, err := h.deps.ProjectRepo.FindByID(ctx, h.projectID()); err == nil && project != nil {
		projectName = project.Name
	}
	err := h.deps.Notifier.SendEvent(ctx, h.projectID(), user.ID, eventWelcome, map[string]string{
		"project": projectName,
	})
	if err != nil {
		slog.Debug("welcome notification skipped", "userId", user.ID, "error", err)
	}
}

// ---- команды ----

// requireLinked шлёт приглашение к регистрации, если чат не привязан
func (h *Handler) requireLinked(ctx context.Context, b *bot.Bot, chatID int64) *database.User {
	user := h.linkedUser(ctx, chatID)
	if user == nil {
		h.sendText(ctx, b, chatID, "Сначала привяжите аккаунт: отправьте /start", nil)
	}
	return user
}

func (h *Handler) showBalance(ctx context.Context, b *bot.Bot, chatID int64) {
	user := h.requireLinked(ctx, b, chatID)
	if user == nil {
		return
	}

	balance, err := h.deps.Ledger.GetBalance(ctx, user.ID)
	if err != nil {
		slog.Error("error loading balance", "userId", user.ID, "error", err)
		h.sendText(ctx, b, chatID, "Не удалось загрузить баланс, попробуйте позже.", nil)
		return
	}

	text := fmt.Sprintf(
		"💰 Баланс бонусов\n\nДоступно: %s\nВсего начислено: %s\nВсего потрачено: %s",
		formatAmount(balance.CurrentBalance),
		formatAmount(balance.TotalEarned),
		formatAmount(balance.TotalSpent),
	)
	if balance.ExpiringSoon.IsPositive() {
		text += fmt.Sprintf("\n\n⏳ Сгорит в ближайшие %d дней: %s",
			config.ExpiringSoonDays(), formatAmount(balance.ExpiringSoon))
	}
	h.sendText(ctx, b, chatID, text, h.buildMenuKeyboard())
}

func (h *Handler) showLevel(ctx context.Context, b *bot.Bot, chatID int64) {
	user := h.requireLinked(ctx, b, chatID)
	if user == nil {
		return
	}

	progress, err := h.deps.Levels.ProgressToNext(ctx, h.projectID(), user.TotalPurchases)
	if err != nil {
		slog.Error("error loading level progress", "userId", user.ID, "error", err)
		h.sendText(ctx, b, chatID, "Не удалось загрузить уровень, попробуйте позже.", nil)
		return
	}

	levelName := level.BaseLevelName
	percentLine := ""
	if progress.Current != nil {
		levelName = progress.Current.Name
		percentLine = fmt.Sprintf("\nКэшбэк: %s%%", progress.Current.BonusPercent.StringFixed(0))
	}

	text := fmt.Sprintf("⭐ Ваш уровень: %s%s\nСумма покупок: %s",
		levelName, percentLine, formatAmount(user.TotalPurchases))

	if progress.Next != nil {
		text += fmt.Sprintf("\n\nДо уровня «%s» осталось %s\n%s %s%%",
			progress.Next.Name,
			formatAmount(progress.AmountNeeded),
			progressBar(progress.ProgressPercent),
			progress.ProgressPercent.StringFixed(0),
		)
	} else {
		text += "\n\n🏆 Вы на максимальном уровне!"
	}
	h.sendText(ctx, b, chatID, text, h.buildMenuKeyboard())
}

func (h *Handler) showHistory(ctx context.Context, b *bot.Bot, chatID int64) {
	user := h.requireLinked(ctx, b, chatID)
	if user == nil {
		return
	}

	transactions, err := h.deps.TxRepo.ListRecentByUser(ctx, user.ID, historyLimit)
	if err != nil {
		slog.Error("error loading history", "userId", user.ID, "error", err)
		h.sendText(ctx, b, chatID, "Не удалось загрузить историю, попробуйте позже.", nil)
		return
	}
	if len(transactions) == 0 {
		h.sendText(ctx, b, chatID, "📋 История пока пуста.", h.buildMenuKeyboard())
		return
	}

	var sb strings.Builder
	sb.WriteString("📋 Последние операции:\n")
	for _, t := range transactions {
		sb.WriteString(fmt.Sprintf("\n%s %s — %s (%s)",
			transactionSign(t.Type),
			formatAmount(t.Amount),
			transactionTitle(t),
			t.CreatedAt.Format("02.01.2006"),
		))
	}
	h.sendText(ctx, b, chatID, sb.String(), h.buildMenuKeyboard())
}

func transactionSign(t database.TransactionType) string {
	if t == database.TransactionTypeEarn {
		return "+"
	}
	return "−"
}

func transactionTitle(t database.Transaction) string {
	if t.Description != "" {
		return t.Description
	}
	switch t.Type {
	case database.TransactionTypeEarn:
		return "начисление"
	case database.TransactionTypeSpend:
		return "списание"
	case database.TransactionTypeExpire:
		return "сгорание"
	default:
		return "корректировка"
	}
}

func (h *Handler) showReferral(ctx context.Context, b *bot.Bot, chatID int64) {
	user := h.requireLinked(ctx, b, chatID)
	if user == nil {
		return
	}

	program, err := h.deps.ProgramRepo.FindByProject(ctx, h.projectID())
	if err != nil {
		slog.Error("error loading referral program", "projectId", h.projectID(), "error", err)
		return
	}
	if program == nil || !program.IsActive {
		h.sendText(ctx, b, chatID, "Реферальная программа пока не запущена.", h.buildMenuKeyboard())
		return
	}

	count, total, err := h.deps.TxRepo.CountReferralEarnings(ctx, user.ID)
	if err != nil {
		slog.Error("error loading referral stats", "userId", user.ID, "error", err)
		return
	}

	text := fmt.Sprintf(
		"👥 Реферальная программа\n\nПриглашайте друзей и получайте %s%% от их покупок!",
		program.ReferrerBonusPercent.StringFixed(0),
	)
	if program.Description != nil && *program.Description != "" {
		text += "\n" + *program.Description
	}
	text += fmt.Sprintf("\n\nНачислений по рефералам: %d\nЗаработано: %s", count, formatAmount(total))
	h.sendText(ctx, b, chatID, text, h.buildMenuKeyboard())
}

func (h *Handler) showInvite(ctx context.Context, b *bot.Bot, chatID int64) {
	user := h.requireLinked(ctx, b, chatID)
	if user == nil {
		return
	}

	if _, err := h.deps.Referrals.EnsureUserReferralCode(ctx, user.ID); err != nil {
		slog.Error("error ensuring referral code", "userId", user.ID, "error", err)
		h.sendText(ctx, b, chatID, "Не удалось создать ссылку, попробуйте позже.", nil)
		return
	}

	link, err := referral.GenerateLink(user.ID, config.AppBaseURL(), nil)
	if err != nil {
		slog.Error("error generating referral link", "userId", user.ID, "error", err)
		return
	}
	h.sendText(ctx, b, chatID,
		"🔗 Ваша пригласительная ссылка:\n"+link+"\n\nОтправьте её другу — бонусы с его покупок будут начисляться вам.",
		h.buildMenuKeyboard())
}

func (h *Handler) showHelp(ctx context.Context, b *bot.Bot, chatID int64) {
	text := "❓ Помощь\n\n" +
		"/start — главное меню\n" +
		"/balance — баланс бонусов\n" +
		"/level — текущий уровень и прогресс\n" +
		"/history — последние операции\n" +
		"/referral — условия реферальной программы\n" +
		"/invite — пригласительная ссылка\n\n" +
		"Бонусами можно оплатить часть покупки в магазине."
	h.sendText(ctx, b, chatID, text, h.buildMenuKeyboard())
}

// ---- привязка команд и колбэков ----

func (h *Handler) BalanceCommandHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.showBalance(ctx, b, update.Message.Chat.ID)
}

func (h *Handler) LevelCommandHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.showLevel(ctx, b, update.Message.Chat.ID)
}

func (h *Handler) HistoryCommandHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.showHistory(ctx, b, update.Message.Chat.ID)
}

func (h *Handler) ReferralCommandHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.showReferral(ctx, b, update.Message.Chat.ID)
}

func (h *Handler) InviteCommandHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.showInvite(ctx, b, update.Message.Chat.ID)
}

func (h *Handler) HelpCommandHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.showHelp(ctx, b, update.Message.Chat.ID)
}

func (h *Handler) BalanceCallbackHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.answerCallback(ctx, b, update)
	h.showBalance(ctx, b, callbackChatID(update))
}

func (h *Handler) LevelCallbackHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.answerCallback(ctx, b, update)
	h.showLevel(ctx, b, callbackChatID(update))
}

func (h *Handler) HistoryCallbackHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.answerCallback(ctx, b, update)
	h.showHistory(ctx, b, callbackChatID(update))
}

func (h *Handler) ReferralCallbackHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.answerCallback(ctx, b, update)
	h.showReferral(ctx, b, callbackChatID(update))
}

func (h *Handler) InviteCallbackHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.answerCallback(ctx, b, update)
	h.showInvite(ctx, b, callbackChatID(update))
}

func (h *Handler) HelpCallbackHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.answerCallback(ctx, b, update)
	h.showHelp(ctx, b, callbackChatID(update))
}

func (h *Handler) MenuCallbackHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.answerCallback(ctx, b, update)
	chatID := callbackChatID(update)
	if user := h.linkedUser(ctx, chatID); user != nil {
		h.sendMenu(ctx, b, chatID, user)
		return
	}
	h.startRegistration(ctx, b, chatID)
}
