package server

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/render"
	"github.com/shopspring/decimal"

	"loyalty-bonus-bot/internal/database"
)

type createProjectRequest struct {
	Name            string           `json:"name"`
	Domain          *string          `json:"domain"`
	BonusPercentage decimal.Decimal  `json:"bonusPercentage"`
	BonusExpiryDays int              `json:"bonusExpiryDays"`
	ReferralProgram *referralRequest `json:"referralProgram"`
}

type referralRequest struct {
	IsActive             bool            `json:"isActive"`
	ReferrerBonusPercent decimal.Decimal `json:"referrerBonusPercent"`
	RefereeBonusPercent  decimal.Decimal `json:"refereeBonusPercent"`
	Description          *string         `json:"description"`
}

// createProject заводит нового тенанта: проект с вебхук-секретом,
// стартовые уровни и, если задана, реферальную программу
func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "некорректный JSON: " + err.Error()})
		return
	}
	if req.Name == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "name обязателен"})
		return
	}
	if req.BonusPercentage.IsNegative() || req.BonusPercentage.GreaterThan(decimal.NewFromInt(100)) {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "bonusPercentage должен быть в диапазоне 0..100"})
		return
	}
	expiryDays := req.BonusExpiryDays
	if expiryDays <= 0 {
		expiryDays = 365
	}

	project, err := s.deps.ProjectRepo.Create(r.Context(), &database.Project{
		Name:            req.Name,
		Domain:          req.Domain,
		BonusPercentage: req.BonusPercentage,
		BonusExpiryDays: expiryDays,
		IsActive:        true,
	})
	if err != nil {
		slog.Error("Failed to create project", "name", req.Name, "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "не удалось создать проект"})
		return
	}

	if err := s.deps.Levels.CreateDefaults(r.Context(), project.ID); err != nil {
		slog.Error("Failed to create default levels", "projectId", project.ID, "error", err)
	}

	if req.ReferralProgram != nil {
		err := s.deps.ProgramRepo.Upsert(r.Context(), &database.ReferralProgram{
			ProjectID:            project.ID,
			IsActive:             req.ReferralProgram.IsActive,
			ReferrerBonusPercent: req.ReferralProgram.ReferrerBonusPercent,
			RefereeBonusPercent:  req.ReferralProgram.RefereeBonusPercent,
			Description:          req.ReferralProgram.Description,
		})
		if err != nil {
			slog.Error("Failed to create referral program", "projectId", project.ID, "error", err)
		}
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]interface{}{
		"success":       true,
		"projectId":     project.ID,
		"webhookSecret": project.WebhookSecret,
	})
}

type updateProjectRequest struct {
	Name            *string          `json:"name"`
	Domain          *string          `json:"domain"`
	BonusPercentage *decimal.Decimal `json:"bonusPercentage"`
	BonusExpiryDays *int             `json:"bonusExpiryDays"`
	IsActive        *bool            `json:"isActive"`
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		http.Error(w, "bad project id", http.StatusBadRequest)
		return
	}

	var req updateProjectRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "некорректный JSON: " + err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Domain != nil {
		updates["domain"] = *req.Domain
	}
	if req.BonusPercentage != nil {
		updates["bonus_percentage"] = *req.BonusPercentage
	}
	if req.BonusExpiryDays != nil {
		updates["bonus_expiry_days"] = *req.BonusExpiryDays
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if len(updates) == 0 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "нет полей для обновления"})
		return
	}

	if err := s.deps.ProjectRepo.UpdateFields(r.Context(), projectID, updates); err != nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	render.JSON(w, r, map[string]bool{"success": true})
}

type userStats struct {
	UserID         int64  `json:"userId"`
	TotalEarned    string `json:"totalEarned"`
	TotalSpent     string `json:"totalSpent"`
	TotalExpired   string `json:"totalExpired"`
	CurrentBalance string `json:"currentBalance"`
}

// projectStats — агрегаты по пользователям проекта для админки:
// обороты из журнала транзакций плюс живой остаток по лотам
func (s *Server) projectStats(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		http.Error(w, "bad project id", http.StatusBadRequest)
		return
	}

	sums, err := s.deps.TxRepo.SumsByProject(r.Context(), projectID)
	if err != nil {
		slog.Error("Failed to aggregate transactions", "projectId", projectID, "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "не удалось собрать статистику"})
		return
	}

	balances, err := s.deps.BonusRepo.ActiveSumsByProject(r.Context(), projectID, time.Now().UTC())
	if err != nil {
		slog.Error("Failed to aggregate balances", "projectId", projectID, "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "не удалось собрать статистику"})
		return
	}

	stats := make([]userStats, 0, len(sums))
	for userID, sum := range sums {
		stats = append(stats, userStats{
			UserID:         userID,
			TotalEarned:    sum.Earned.StringFixed(2),
			TotalSpent:     sum.Spent.StringFixed(2),
			TotalExpired:   sum.Expired.StringFixed(2),
			CurrentBalance: balances[userID].StringFixed(2),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].UserID < stats[j].UserID })

	render.JSON(w, r, map[string]interface{}{
		"projectId": projectID,
		"users":     stats,
	})
}
