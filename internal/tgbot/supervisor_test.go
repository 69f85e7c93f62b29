package tgbot

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProjectLockReturnsSameMutex(t *testing.T) {
	s := NewSupervisor(Deps{})

	first := s.projectLock(7)
	second := s.projectLock(7)
	assert.Same(t, first, second, "one project must map to one mutex")

	other := s.projectLock(8)
	assert.NotSame(t, first, other, "different projects must not share a mutex")
}

func TestProjectLockConcurrentAccess(t *testing.T) {
	s := NewSupervisor(Deps{})

	var wg sync.WaitGroup
	locks := make([]*sync.Mutex, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			locks[i] = s.projectLock(1)
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(locks); i++ {
		assert.Same(t, locks[0], locks[i])
	}
}

func TestWorkerRegistry(t *testing.T) {
	s := NewSupervisor(Deps{})

	assert.Nil(t, s.getWorker(1))

	w := &Worker{projectID: 1}
	s.setWorker(1, w)
	assert.Same(t, w, s.getWorker(1))

	s.setWorker(1, nil)
	assert.Nil(t, s.getWorker(1))
}

func TestGetWebhookHandlerWithoutWorker(t *testing.T) {
	s := NewSupervisor(Deps{})
	assert.Nil(t, s.GetWebhookHandler(42))
}

func TestCheckBotHealthWithoutWorker(t *testing.T) {
	s := NewSupervisor(Deps{})
	health := s.CheckBotHealth(context.Background(), 42)
	assert.False(t, health.IsRunning)
	assert.Empty(t, health.Error)
}

func TestStopBotWithoutWorker(t *testing.T) {
	s := NewSupervisor(Deps{})
	assert.NoError(t, s.StopBot(context.Background(), 42))
}
