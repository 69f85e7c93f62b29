package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type config struct {
	databaseURL         string
	appBaseURL          string
	redisURL            string
	logLevel            string
	enableConsoleLogs   bool
	healthCheckPort     int
	expiryCronSpec      string
	digestCronSpec      string
	broadcastWorkers    int
	ledgerTxRetries     int
	webhookRatePerMin   int
	expiringSoonDays    int
	notificationDayCap  int
	notificationHourCap int
}

var conf config

func DatabaseURL() string {
	return conf.databaseURL
}

func AppBaseURL() string {
	return conf.appBaseURL
}

func RedisURL() string {
	return conf.redisURL
}

func LogLevel() string {
	return conf.logLevel
}

func EnableConsoleLogs() bool {
	return conf.enableConsoleLogs
}

func GetHealthCheckPort() int {
	return conf.healthCheckPort
}

func ExpiryCronSpec() string {
	return conf.expiryCronSpec
}

func DigestCronSpec() string {
	return conf.digestCronSpec
}

func BroadcastWorkers() int {
	return conf.broadcastWorkers
}

func LedgerTxRetries() int {
	return conf.ledgerTxRetries
}

func WebhookRatePerMinute() int {
	return conf.webhookRatePerMin
}

func ExpiringSoonDays() int {
	return conf.expiringSoonDays
}

func NotificationDayCap() int {
	return conf.notificationDayCap
}

func NotificationHourCap() int {
	return conf.notificationHourCap
}

// IsPollingMode возвращает true если базовый URL указывает на localhost —
// в этом случае боты работают в режиме long polling, без вебхуков.
func IsPollingMode() bool {
	u, err := url.Parse(conf.appBaseURL)
	if err != nil {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == ""
}

// TelegramWebhookURL возвращает внешний URL для вебхука бота проекта
func TelegramWebhookURL(projectID int64) string {
	return fmt.Sprintf("%s/telegram/webhook/%d", strings.TrimRight(conf.appBaseURL, "/"), projectID)
}

func InitConfig() {
	if os.Getenv("DISABLE_ENV_FILE") != "true" {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("No .env loaded:", err)
		}
	}

	conf.databaseURL = mustEnv("DB_URL")
	conf.appBaseURL = envStringDefault("NEXT_PUBLIC_APP_URL", "http://localhost:3000")
	conf.redisURL = envStringDefault("REDIS_URL", "")
	conf.logLevel = envStringDefault("LOG_LEVEL", "info")
	conf.enableConsoleLogs = envBoolDefault("ENABLE_CONSOLE_LOGS", true)
	conf.healthCheckPort = envIntDefault("HEALTH_CHECK_PORT", 8080)
	conf.expiryCronSpec = envStringDefault("EXPIRY_CRON_SPEC", "0 * * * *")
	conf.digestCronSpec = envStringDefault("DIGEST_CRON_SPEC", "0 12 * * *")
	conf.broadcastWorkers = envIntDefault("BROADCAST_WORKERS", 8)
	conf.ledgerTxRetries = envIntDefault("LEDGER_TX_RETRIES", 3)
	conf.webhookRatePerMin = envIntDefault("WEBHOOK_RATE_PER_MINUTE", 120)
	conf.expiringSoonDays = envIntDefault("EXPIRING_SOON_DAYS", 30)
	conf.notificationDayCap = envIntDefault("NOTIFICATION_DAY_CAP", 10)
	conf.notificationHourCap = envIntDefault("NOTIFICATION_HOUR_CAP", 3)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(key + " .env variable not set")
	}
	return v
}

func envStringDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("%s .env variable must be an integer: %v", key, err))
	}
	return i
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}
