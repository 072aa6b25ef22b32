package settings

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider holds settings in memory for tests.
type MemoryProvider struct {
	mu    sync.Mutex
	users map[string]UserSettings
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{users: map[string]UserSettings{}}
}

func (p *MemoryProvider) Put(u UserSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[u.UserID] = u
}

func (p *MemoryProvider) Get(ctx context.Context, userID string) (UserSettings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return UserSettings{}, ErrNotFound
	}
	return u, nil
}

func (p *MemoryProvider) SetNextScheduledCall(ctx context.Context, userID string, at *time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.NextScheduledCall = at
	p.users[userID] = u
	return nil
}
