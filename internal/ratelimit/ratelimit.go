package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"
	"github.com/redis/go-redis/v9"
)

// Limiter отвечает, пропускать ли очередной запрос с данным ключом
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// memoryLimiter — скользящее окно в минуту на ключ, без внешних зависимостей.
// Подходит для одного процесса; для нескольких реплик нужен Redis.
type memoryLimiter struct {
	perMinute int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewMemoryLimiter(perMinute int) Limiter {
	l := &memoryLimiter{
		perMinute: perMinute,
		buckets:   make(map[string]*bucket),
	}
	go l.cleanup()
	return l
}

func (l *memoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		l.buckets[key] = &bucket{count: 1, resetAt: now.Add(time.Minute)}
		return true, nil
	}
	if b.count >= l.perMinute {
		return false, nil
	}
	b.count++
	return true, nil
}

func (l *memoryLimiter) cleanup() {
	for range time.Tick(5 * time.Minute) {
		now := time.Now()
		l.mu.Lock()
		for key, b := range l.buckets {
			if now.After(b.resetAt) {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

// redisLimiter — общий лимит на все реплики через INCR с минутным TTL
type redisLimiter struct {
	client    *redis.Client
	perMinute int
}

func NewRedisLimiter(redisURL string, perMinute int) (Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &redisLimiter{
		client:    redis.NewClient(opts),
		perMinute: perMinute,
	}, nil
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := "ratelimit:" + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr failed: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, time.Minute).Err(); err != nil {
			return false, fmt.Errorf("redis expire failed: %w", err)
		}
	}
	return count <= int64(l.perMinute), nil
}

// Middleware считает запросы по IP клиента и отвечает 429 сверх лимита.
// Ошибка лимитера пропускает запрос: деградируем в сторону доступности.
func Middleware(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), clientIP(r))
			if err != nil {
				slog.Warn("Rate limiter unavailable, passing request", "error", err)
				allowed = true
			}
			if !allowed {
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, map[string]interface{}{
					"success": false,
					"error": map[string]string{
						"type":    "rate_limited",
						"code":    "too_many_requests",
						"message": "Слишком много запросов, попробуйте позже",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
