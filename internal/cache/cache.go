// Package cache содержит кэш с ограниченным временем жизни записей.
// Значения сериализуются в JSON, поэтому реализации взаимозаменяемы.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Cache описывает хранилище значений с TTL.
type Cache interface {
	// Get читает значение по ключу в dst. Возвращает false, если запись отсутствует или истекла.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory хранит записи в памяти процесса. Время берётся из now, что позволяет подменять часы в тестах.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemory создаёт кэш в памяти. Если now не задан, используется time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		entries: make(map[string]entry),
		now:     now,
	}
}

// Get читает значение по ключу. Истёкшие записи удаляются при обращении.
func (m *Memory) Get(ctx context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.value, dst); err != nil {
		return false, fmt.Errorf("decode cached %q: %w", key, err)
	}
	return true, nil
}

// Set сохраняет значение на ttl.
func (m *Memory) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{value: raw, expiresAt: m.now().Add(ttl)}
	return nil
}

// Delete удаляет записи.
func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// Nop никогда ничего не хранит.
type Nop struct{}

func (Nop) Get(ctx context.Context, key string, dst any) (bool, error) { return false, nil }
func (Nop) Set(ctx context.Context, key string, value any, ttl time.Duration) error { return nil }
func (Nop) Delete(ctx context.Context, keys ...string) error { return nil }
