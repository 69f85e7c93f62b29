package cache

import (
	"fmt"
	"sync"
	"time"
)

// RegistrationStep шаги диалога привязки аккаунта в боте
type RegistrationStep string

const (
	StepNone         RegistrationStep = ""
	StepChooseMethod RegistrationStep = "choose_method"
	StepAwaitPhone   RegistrationStep = "await_phone"
	StepAwaitEmail   RegistrationStep = "await_email"
)

// Session хранит состояние регистрационного диалога одного чата
type Session struct {
	Step            RegistrationStep
	AwaitingContact bool
	LinkingMethod   string
	ExpiresAt       time.Time
}

// Cache — in-memory TTL-хранилище per-chat сессий диалогов.
// Один писатель на чат (обработчик апдейтов), поэтому RWMutex достаточно.
type Cache struct {
	sessions map[string]Session
	mutex    sync.RWMutex
	ttl      time.Duration
}

func NewCache(ttl time.Duration) *Cache {
	c := &Cache{
		sessions: make(map[string]Session),
		ttl:      ttl,
	}
	go c.cleanupExpired()
	return c
}

func sessionKey(projectID, chatID int64) string {
	return fmt.Sprintf("%d:%d", projectID, chatID)
}

func (c *Cache) SetSession(projectID, chatID int64, s Session) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	s.ExpiresAt = time.Now().Add(c.ttl)
	c.sessions[sessionKey(projectID, chatID)] = s
}

func (c *Cache) GetSession(projectID, chatID int64) (Session, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	s, found := c.sessions[sessionKey(projectID, chatID)]
	if !found || time.Now().After(s.ExpiresAt) {
		return Session{}, false
	}
	return s, true
}

func (c *Cache) ClearSession(projectID, chatID int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.sessions, sessionKey(projectID, chatID))
}

func (c *Cache) cleanupExpired() {
	ticker := time.NewTicker(5 * time.Minute)
	for range ticker.C {
		now := time.Now()
		c.mutex.Lock()
		for k, v := range c.sessions {
			if now.After(v.ExpiresAt) {
				delete(c.sessions, k)
			}
		}
		c.mutex.Unlock()
	}
}
