package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/shopspring/decimal"

	"loyalty-bonus-bot/internal/database"
	"loyalty-bonus-bot/internal/ledger"
	"loyalty-bonus-bot/internal/referral"
	"loyalty-bonus-bot/utils"
)

const maxBodySize = 1 << 20

type Handler struct {
	projectRepo *database.ProjectRepository
	userRepo    *database.UserRepository
	ledger      *ledger.Service
	referrals   *referral.Service
}

func NewHandler(
	projectRepo *database.ProjectRepository,
	userRepo *database.UserRepository,
	ledgerSvc *ledger.Service,
	referrals *referral.Service,
) *Handler {
	return &Handler{
		projectRepo: projectRepo,
		userRepo:    userRepo,
		ledger:      ledgerSvc,
		referrals:   referrals,
	}
}

type errorBody struct {
	Type    string   `json:"type"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind, code, message string, details ...string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{
		Success: false,
		Error:   errorBody{Type: kind, Code: code, Message: message, Details: details},
	})
}

type orderResponse struct {
	Success      bool             `json:"success"`
	Test         bool             `json:"test,omitempty"`
	UserID       int64            `json:"userId,omitempty"`
	AwardedBonus *decimal.Decimal `json:"awardedBonus,omitempty"`
	SpentBonus   *decimal.Decimal `json:"spentBonus,omitempty"`
}

// Handle — POST /webhook/{webhookSecret}: заказ витрины или типизированная команда
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	secret := chi.URLParam(r, "webhookSecret")

	project, err := h.projectRepo.FindByWebhookSecret(r.Context(), secret)
	if err != nil {
		slog.Error("webhook: project lookup failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "store_error", "Внутренняя ошибка")
		return
	}
	if project == nil {
		writeError(w, r, http.StatusUnauthorized, "authentication", "unknown_secret", "Неизвестный секрет вебхука")
		return
	}
	if !project.IsActive {
		writeError(w, r, http.StatusForbidden, "authorization", "project_inactive", "Проект отключён")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", "bad_body", "Не удалось прочитать тело запроса")
		return
	}

	testOnly := r.URL.Query().Get("test") == "true"

	// команда API распознаётся по полю action
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", "bad_json", "Некорректный JSON", err.Error())
		return
	}
	if probe.Action != "" {
		h.handleAction(w, r, project, body, testOnly)
		return
	}
	h.handleOrder(w, r, project, body, testOnly)
}

func (h *Handler) handleOrder(w http.ResponseWriter, r *http.Request, project *database.Project, body []byte, testOnly bool) {
	var payload OrderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", "bad_json", "Некорректный JSON", err.Error())
		return
	}

	event, err := payload.ToOrderEvent()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", "bad_order", "Некорректный заказ", err.Error())
		return
	}

	if testOnly {
		render.JSON(w, r, orderResponse{Success: true, Test: true})
		return
	}

	user, err := h.resolveUser(r.Context(), project, event)
	if err != nil {
		slog.Error("webhook: failed to resolve user", "projectId", project.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "user_resolve", "Не удалось определить пользователя")
		return
	}

	resp := orderResponse{Success: true, UserID: user.ID}

	// списание по промокоду, не больше доступного баланса
	if event.HasSpendTrigger() {
		spent, err := h.spendCapped(r.Context(), user, event)
		if err != nil {
			slog.Error("webhook: promocode spend failed",
				"projectId", project.ID, "userId", user.ID, "orderId", event.OrderID, "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal", "spend_failed", "Не удалось списать бонусы")
			return
		}
		if spent != nil {
			resp.SpentBonus = spent
		}
	}

	result, err := h.ledger.AwardPurchase(r.Context(), user.ID, event.Amount, event.OrderID, "")
	if err != nil {
		slog.Error("webhook: award purchase failed",
			"projectId", project.ID, "userId", user.ID, "orderId", event.OrderID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "award_failed", "Не удалось начислить бонусы")
		return
	}
	if result.Bonus != nil {
		resp.AwardedBonus = &result.Bonus.Amount
	}

	render.JSON(w, r, resp)
}

// spendCapped списывает min(appliedBonuses, текущий баланс); повтор заказа — no-op
func (h *Handler) spendCapped(ctx context.Context, user *database.User, event *OrderEvent) (*decimal.Decimal, error) {
	balance, err := h.ledger.GetBalance(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	toSpend := decimal.Min(event.AppliedBonuses, balance.CurrentBalance)
	if !toSpend.IsPositive() {
		return nil, nil
	}

	description := fmt.Sprintf("Оплата бонусами по заказу %s", event.OrderID)
	_, err = h.ledger.SpendForOrder(ctx, user.ID, toSpend, event.OrderID, description)
	if err != nil {
		if errors.Is(err, ledger.ErrOrderAlreadyProcessed) {
			return nil, nil
		}
		return nil, err
	}
	return &toSpend, nil
}

// resolveUser ищет пользователя по email, затем по телефону; на промахе создаёт
func (h *Handler) resolveUser(ctx context.Context, project *database.Project, event *OrderEvent) (*database.User, error) {
	if event.Email != "" {
		user, err := h.userRepo.FindByProjectAndEmail(ctx, project.ID, event.Email)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
	}
	if event.Phone != "" {
		user, err := h.userRepo.FindByProjectAndPhone(ctx, project.ID, event.Phone)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
	}

	newUser := &database.User{ProjectID: project.ID, IsActive: true}
	if event.Email != "" {
		newUser.Email = &event.Email
	}
	if event.Phone != "" {
		newUser.Phone = &event.Phone
	}
	if event.Name != "" {
		first, last := splitName(event.Name)
		newUser.FirstName = &first
		if last != "" {
			newUser.LastName = &last
		}
	}

	user, err := h.userRepo.Create(ctx, newUser)
	if err != nil {
		if database.IsUniqueViolation(err) {
			// гонка с параллельным запросом — перечитываем
			return h.refind(ctx, project.ID, event)
		}
		return nil, err
	}
	slog.Info("webhook: created user",
		"projectId", project.ID, "userId", user.ID,
		"contact", utils.MaskContact(firstNonEmpty(event.Email, event.Phone)))

	if event.UtmRef != "" {
		if _, err := h.referrals.BindOnRegister(ctx, user, event.UtmRef); err != nil {
			slog.Warn("webhook: referral binding failed", "userId", user.ID, "error", err)
		}
	}
	return user, nil
}

func (h *Handler) refind(ctx context.Context, projectID int64, event *OrderEvent) (*database.User, error) {
	if event.Email != "" {
		if user, err := h.userRepo.FindByProjectAndEmail(ctx, projectID, event.Email); err != nil || user != nil {
			return user, err
		}
	}
	if event.Phone != "" {
		return h.userRepo.FindByProjectAndPhone(ctx, projectID, event.Phone)
	}
	return nil, fmt.Errorf("user vanished after unique violation")
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, project *database.Project, body []byte, testOnly bool) {
	var action ActionPayload
	if err := json.Unmarshal(body, &action); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", "bad_json", "Некорректный JSON", err.Error())
		return
	}
	if err := action.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation", "bad_action", "Некорректная команда", err.Error())
		return
	}
	if testOnly {
		render.JSON(w, r, orderResponse{Success: true, Test: true})
		return
	}

	event := &OrderEvent{
		Name:    action.Name,
		OrderID: action.OrderID,
		UtmRef:  action.UtmRef,
	}
	if action.Email != "" {
		event.Email = utils.NormalizeEmail(action.Email)
	}
	if action.Phone != "" {
		event.Phone = utils.NormalizePhone(action.Phone)
	}

	var amount decimal.Decimal
	if action.Amount != "" {
		var err error
		amount, err = utils.SanitizeMoney(action.Amount)
		if err != nil || !amount.IsPositive() {
			writeError(w, r, http.StatusBadRequest, "validation", "bad_amount", "Некорректная сумма")
			return
		}
	}

	user, err := h.resolveUser(r.Context(), project, event)
	if err != nil {
		slog.Error("webhook: failed to resolve user", "projectId", project.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "user_resolve", "Не удалось определить пользователя")
		return
	}

	resp := orderResponse{Success: true, UserID: user.ID}

	switch action.Action {
	case ActionRegisterUser:
		// пользователь уже создан или найден выше

	case ActionPurchase:
		result, err := h.ledger.AwardPurchase(r.Context(), user.ID, amount, action.OrderID, "")
		if err != nil {
			slog.Error("webhook: award purchase failed", "userId", user.ID, "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal", "award_failed", "Не удалось начислить бонусы")
			return
		}
		if result.Bonus != nil {
			resp.AwardedBonus = &result.Bonus.Amount
		}

	case ActionSpendBonuses:
		description := "Списание бонусов по запросу магазина"
		_, err := h.ledger.SpendForOrder(r.Context(), user.ID, amount, action.OrderID, description)
		if err != nil {
			switch {
			case errors.Is(err, ledger.ErrInsufficientBonuses):
				writeError(w, r, http.StatusConflict, "conflict", "insufficient_bonuses", "Недостаточно бонусов")
			case errors.Is(err, ledger.ErrOrderAlreadyProcessed):
				writeError(w, r, http.StatusConflict, "conflict", "duplicate_order", "Заказ уже обработан")
			default:
				slog.Error("webhook: spend failed", "userId", user.ID, "error", err)
				writeError(w, r, http.StatusInternalServerError, "internal", "spend_failed", "Не удалось списать бонусы")
			}
			return
		}
		resp.SpentBonus = &amount
	}

	render.JSON(w, r, resp)
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
