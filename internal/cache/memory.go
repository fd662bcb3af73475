package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxTTL bounds how long the LRU itself keeps any entry; per-entry TTLs are
// enforced on read.
const maxTTL = 24 * time.Hour

type memoryEntry struct {
	val     []byte
	expires time.Time
}

// Memory is an in-process LRU cache with TTL.
type Memory struct {
	lru *expirable.LRU[string, memoryEntry]
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 10000
	}
	return &Memory{lru: expirable.NewLRU[string, memoryEntry](size, nil, maxTTL)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expires) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.lru.Add(key, memoryEntry{val: val, expires: time.Now().Add(ttl)})
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.lru.Purge()
	return nil
}

func (m *Memory) Len() int { return m.lru.Len() }

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
