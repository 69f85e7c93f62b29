package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"

	"loyalty-bonus-bot/internal/database"
	"loyalty-bonus-bot/internal/ledger"
	"loyalty-bonus-bot/internal/ratelimit"
	"loyalty-bonus-bot/internal/tgbot"
	"loyalty-bonus-bot/internal/webhook"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	WebhookHandler *webhook.Handler
	Supervisor     *tgbot.Supervisor
	UserRepo       *database.UserRepository
	ProjectRepo    *database.ProjectRepository
	TxRepo         *database.TransactionRepository
	BonusRepo      *database.BonusRepository
	ProgramRepo    *database.ReferralProgramRepository
	SettingsRepo   *database.BotSettingsRepository
	Ledger         *ledger.Service
	Levels         levelCreator
	Pool           pinger
	Limiter        ratelimit.Limiter
}

type levelCreator interface {
	CreateDefaults(ctx context.Context, projectID int64) error
}

type Server struct {
	httpServer *http.Server
	deps       Deps
}

func New(port int, deps Deps) *Server {
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthcheck", s.healthcheck)

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(deps.Limiter))
		r.Post("/webhook/{webhookSecret}", deps.WebhookHandler.Handle)
	})

	r.Post("/telegram/webhook/{projectID}", s.telegramWebhook)

	r.Post("/projects", s.createProject)
	r.Put("/projects/{projectID}", s.updateProject)
	r.Get("/projects/{projectID}/stats", s.projectStats)
	r.Post("/projects/{projectID}/notifications", s.broadcast)
	r.Post("/projects/{projectID}/bonuses", s.manualAdjustment)
	r.Get("/projects/{projectID}/bot/health", s.botHealth)
	r.Put("/projects/{projectID}/bot/settings", s.updateBotSettings)
	r.Delete("/projects/{projectID}/bot", s.stopBot)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func projectIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Pool.Ping(r.Context()); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "degraded", "database": err.Error()})
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// telegramWebhook пробрасывает апдейт воркеру проекта; 404 если бот не запущен
func (s *Server) telegramWebhook(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		http.Error(w, "bad project id", http.StatusBadRequest)
		return
	}

	handler := s.deps.Supervisor.GetWebhookHandler(projectID)
	if handler == nil {
		http.NotFound(w, r)
		return
	}
	handler(w, r)
}

type broadcastRequest struct {
	Type     string  `json:"type"`
	Title    string  `json:"title"`
	Message  string  `json:"message"`
	Channel  string  `json:"channel"`
	Priority string  `json:"priority"`
	UserIDs  []int64 `json:"userIds"`
	Metadata struct {
		ImageURL  string `json:"imageUrl"`
		ParseMode string `json:"parseMode"`
		Buttons   []struct {
			Text string `json:"text"`
			URL  string `json:"url"`
		} `json:"buttons"`
	} `json:"metadata"`
}

type broadcastResponse struct {
	Success     bool                   `json:"success"`
	Total       int                    `json:"total"`
	SentCount   int                    `json:"sentCount"`
	FailedCount int                    `json:"failedCount"`
	Errors      []tgbot.BroadcastError `json:"errors"`
	Message     string                 `json:"message"`
}

// broadcast — POST /projects/{projectID}/notifications: рассылка через бота проекта.
// Без userIds уходит всем привязанным пользователям проекта.
func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		http.Error(w, "bad project id", http.StatusBadRequest)
		return
	}

	var req broadcastRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "некорректный JSON: " + err.Error()})
		return
	}
	if req.Message == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "message обязателен"})
		return
	}

	userIDs := req.UserIDs
	if len(userIDs) == 0 {
		userIDs, err = s.deps.UserRepo.FindIDsWithTelegram(r.Context(), projectID)
		if err != nil {
			slog.Error("broadcast: failed to list recipients", "projectId", projectID, "error", err)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "не удалось получить список получателей"})
			return
		}
	}

	text := req.Message
	if req.Title != "" {
		text = req.Title + "\n\n" + req.Message
	}

	opts := tgbot.RichOptions{ImageURL: req.Metadata.ImageURL}
	for _, b := range req.Metadata.Buttons {
		opts.Buttons = append(opts.Buttons, tgbot.BroadcastButton{Text: b.Text, URL: b.URL})
	}
	if req.Metadata.ParseMode != "" {
		opts.ParseMode = parseMode(req.Metadata.ParseMode)
	}

	result, err := s.deps.Supervisor.SendRichBroadcast(r.Context(), projectID, userIDs, text, opts)
	if err != nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}

	render.JSON(w, r, broadcastResponse{
		Success:     result.Success,
		Total:       len(userIDs),
		SentCount:   result.SentCount,
		FailedCount: result.FailedCount,
		Errors:      result.Errors,
		Message:     fmt.Sprintf("Доставлено %d из %d", result.SentCount, len(userIDs)),
	})
}

func parseMode(m string) models.ParseMode {
	switch m {
	case "HTML", "html":
		return models.ParseModeHTML
	case "Markdown", "markdown":
		return models.ParseModeMarkdownV1
	case "MarkdownV2":
		return models.ParseModeMarkdown
	default:
		return ""
	}
}

type botSettingsRequest struct {
	BotToken           string                       `json:"botToken"`
	IsActive           bool                         `json:"isActive"`
	WelcomeMessage     string                       `json:"welcomeMessage"`
	MessageSettings    map[string]string            `json:"messageSettings"`
	FunctionalSettings *database.FunctionalSettings `json:"functionalSettings"`
}

// updateBotSettings сохраняет настройки бота и применяет их к живому воркеру:
// смена токена пересоздаёт воркера, isActive=false гасит его
func (s *Server) updateBotSettings(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		http.Error(w, "bad project id", http.StatusBadRequest)
		return
	}

	var req botSettingsRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "некорректный JSON: " + err.Error()})
		return
	}
	if req.BotToken == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "botToken обязателен"})
		return
	}

	functional := database.DefaultFunctionalSettings()
	if req.FunctionalSettings != nil {
		functional = *req.FunctionalSettings
	}
	settings := database.BotSettings{
		ProjectID:          projectID,
		BotToken:           req.BotToken,
		IsActive:           req.IsActive,
		WelcomeMessage:     req.WelcomeMessage,
		MessageSettings:    req.MessageSettings,
		FunctionalSettings: functional,
	}

	if err := s.deps.SettingsRepo.Upsert(r.Context(), &settings); err != nil {
		slog.Error("Failed to save bot settings", "projectId", projectID, "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "не удалось сохранить настройки"})
		return
	}

	if err := s.deps.Supervisor.UpdateBot(r.Context(), projectID, settings); err != nil {
		// настройки сохранены, воркер поднимется при следующем bootstrap
		slog.Error("Failed to apply bot settings", "projectId", projectID, "error", err)
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, map[string]string{"error": "настройки сохранены, но бот не запустился: " + err.Error()})
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"health":  s.deps.Supervisor.CheckBotHealth(r.Context(), projectID),
	})
}

func (s *Server) stopBot(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		http.Error(w, "bad project id", http.StatusBadRequest)
		return
	}

	if err := s.deps.SettingsRepo.UpdateFields(r.Context(), projectID, map[string]interface{}{"is_active": false}); err != nil {
		slog.Warn("Failed to deactivate bot settings", "projectId", projectID, "error", err)
	}
	if err := s.deps.Supervisor.StopBot(r.Context(), projectID); err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	render.JSON(w, r, map[string]bool{"success": true})
}

type manualAdjustmentRequest struct {
	UserID      int64           `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	ExpiresAt   *time.Time      `json:"expiresAt"`
}

// manualAdjustment — ручное начисление бонусов пользователю (саппорт-сценарии)
func (s *Server) manualAdjustment(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		http.Error(w, "bad project id", http.StatusBadRequest)
		return
	}

	var req manualAdjustmentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "некорректный JSON: " + err.Error()})
		return
	}
	if req.UserID == 0 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "userId обязателен"})
		return
	}

	user, err := s.deps.UserRepo.FindByID(r.Context(), req.UserID)
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "не удалось найти пользователя"})
		return
	}
	if user == nil || user.ProjectID != projectID {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "пользователь не найден в проекте"})
		return
	}

	description := req.Description
	if description == "" {
		description = "Ручное начисление"
	}

	bonus, err := s.deps.Ledger.Award(r.Context(), req.UserID, req.Amount, database.BonusTypeManual,
		description, req.ExpiresAt, map[string]string{"source": "ADMIN_ADJUST"})
	if err != nil {
		if errors.Is(err, ledger.ErrNonPositiveAmount) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "сумма должна быть положительной"})
			return
		}
		slog.Error("Manual adjustment failed", "projectId", projectID, "userId", req.UserID, "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "не удалось начислить бонусы"})
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"bonusId": bonus.ID,
		"amount":  bonus.Amount.StringFixed(2),
	})
}

func (s *Server) botHealth(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		http.Error(w, "bad project id", http.StatusBadRequest)
		return
	}
	render.JSON(w, r, s.deps.Supervisor.CheckBotHealth(r.Context(), projectID))
}
