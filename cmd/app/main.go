package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"loyalty-bonus-bot/internal/cache"
	"loyalty-bonus-bot/internal/config"
	"loyalty-bonus-bot/internal/database"
	"loyalty-bonus-bot/internal/ledger"
	"loyalty-bonus-bot/internal/level"
	"loyalty-bonus-bot/internal/logger"
	"loyalty-bonus-bot/internal/notification"
	"loyalty-bonus-bot/internal/ratelimit"
	"loyalty-bonus-bot/internal/referral"
	"loyalty-bonus-bot/internal/server"
	"loyalty-bonus-bot/internal/tgbot"
	"loyalty-bonus-bot/internal/webhook"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	config.InitConfig()
	logger.Setup(config.LogLevel(), config.EnableConsoleLogs())
	slog.Info("Application starting", "version", Version, "commit", Commit, "buildDate", BuildDate)

	if err := database.RunMigrations(config.DatabaseURL(), "db/migrations"); err != nil {
		panic(err)
	}

	pool, err := database.InitPool(ctx, config.DatabaseURL())
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	projectRepo := database.NewProjectRepository(pool)
	userRepo := database.NewUserRepository(pool)
	bonusRepo := database.NewBonusRepository(pool)
	txRepo := database.NewTransactionRepository(pool)
	levelRepo := database.NewLevelRepository(pool)
	programRepo := database.NewReferralProgramRepository(pool)
	botSettingsRepo := database.NewBotSettingsRepository(pool)
	notificationLogRepo := database.NewNotificationLogRepository(pool)
	orderRepo := database.NewOrderRepository(pool)

	sessionCache := cache.NewCache(30 * time.Minute)

	levelSvc := level.NewService(levelRepo)
	ledgerSvc := ledger.NewService(pool, userRepo, projectRepo, bonusRepo, txRepo, orderRepo, levelSvc)
	referralSvc := referral.NewService(userRepo, programRepo, ledgerSvc)
	ledgerSvc.SetReferralPayer(referralSvc)

	notificationSvc := notification.NewService(notificationLogRepo, userRepo, botSettingsRepo)
	ledgerSvc.SetNotifier(notificationSvc)

	supervisor := tgbot.NewSupervisor(tgbot.Deps{
		UserRepo:    userRepo,
		ProjectRepo: projectRepo,
		TxRepo:      txRepo,
		ProgramRepo: programRepo,
		Ledger:      ledgerSvc,
		Levels:      levelSvc,
		Referrals:   referralSvc,
		Cache:       sessionCache,
		Notifier:    notificationSvc,
	})
	notificationSvc.RegisterSender(database.ChannelTelegram, supervisor)

	if err := supervisor.Bootstrap(ctx, botSettingsRepo); err != nil {
		slog.Error("Bot supervisor bootstrap failed", "error", err)
	}

	scheduler := setupScheduler(ledgerSvc, bonusRepo, notificationSvc)
	scheduler.Start()
	defer scheduler.Stop()

	webhookHandler := webhook.NewHandler(projectRepo, userRepo, ledgerSvc, referralSvc)
	srv := server.New(config.GetHealthCheckPort(), server.Deps{
		WebhookHandler: webhookHandler,
		Supervisor:     supervisor,
		UserRepo:       userRepo,
		ProjectRepo:    projectRepo,
		TxRepo:         txRepo,
		BonusRepo:      bonusRepo,
		ProgramRepo:    programRepo,
		SettingsRepo:   botSettingsRepo,
		Ledger:         ledgerSvc,
		Levels:         levelSvc,
		Pool:           pool,
		Limiter:        buildLimiter(),
	})

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()

	supervisor.EmergencyStopAll(stopCtx)
	if err := srv.Shutdown(stopCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	slog.Info("Application stopped")
}

func buildLimiter() ratelimit.Limiter {
	if url := config.RedisURL(); url != "" {
		limiter, err := ratelimit.NewRedisLimiter(url, config.WebhookRatePerMinute())
		if err != nil {
			slog.Error("Failed to init redis rate limiter, falling back to memory", "error", err)
		} else {
			slog.Info("Using redis rate limiter")
			return limiter
		}
	}
	return ratelimit.NewMemoryLimiter(config.WebhookRatePerMinute())
}

func setupScheduler(
	ledgerSvc *ledger.Service,
	bonusRepo *database.BonusRepository,
	notificationSvc *notification.Service,
) *cron.Cron {
	c := cron.New()

	// Сгорание просроченных лотов
	_, err := c.AddFunc(config.ExpiryCronSpec(), func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Panic in bonus expiry job", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := ledgerSvc.ExpireDueLots(ctx, time.Now().UTC()); err != nil {
			slog.Error("Bonus expiry job failed", "error", err)
		}
	})
	if err != nil {
		panic(err)
	}

	// Дайджест о бонусах, сгорающих в ближайшие дни
	_, err = c.AddFunc(config.DigestCronSpec(), func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Panic in expiring digest job", "panic", r)
			}
		}()
		runExpiringDigest(bonusRepo, notificationSvc)
	})
	if err != nil {
		panic(err)
	}

	return c
}

func runExpiringDigest(bonusRepo *database.BonusRepository, notificationSvc *notification.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now().UTC()
	expiring, err := bonusRepo.FindUsersWithExpiringLots(ctx, now, now.AddDate(0, 0, config.ExpiringSoonDays()))
	if err != nil {
		slog.Error("Expiring digest query failed", "error", err)
		return
	}

	for _, e := range expiring {
		err := notificationSvc.SendEvent(ctx, e.ProjectID, e.UserID, notification.EventBonusExpiring, map[string]string{
			"amount": e.Amount.StringFixed(2),
			"date":   e.NearestExpiry.Format("02.01.2006"),
		})
		if err != nil {
			slog.Debug("Expiring digest notification skipped",
				"projectId", e.ProjectID, "userId", e.UserID, "error", err)
		}
	}
	if len(expiring) > 0 {
		slog.Info("Expiring digest finished", "users", len(expiring))
	}
}
