// Package lock provides advisory locks keyed by name, used to keep two
// deletions of the same bucket from running at once.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrLocked = errors.New("lock is held")

type Locker interface {
	// TryLock acquires key without waiting. The returned func releases it.
	TryLock(ctx context.Context, key string) (func(), error)
}

// Memory is a process-local Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: map[string]struct{}{}}
}

func (m *Memory) TryLock(_ context.Context, key string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrLocked
	}
	m.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}
