package credstore

import (
	"context"
	"sync"
)

// Memory はプロセス内メモリに保存するBackend。テストや一時的なCLIセッションで使用する。
type Memory struct {
	mu     sync.RWMutex
	values map[Key]string
}

// NewMemory は空のMemoryを生成する。
func NewMemory() *Memory {
	return &Memory{values: make(map[Key]string)}
}

// Get はキーに対応する値を返す。
func (m *Memory) Get(_ context.Context, key Key) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set はキーに値を保存する。
func (m *Memory) Set(_ context.Context, key Key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Delete は指定したキーを削除する。
func (m *Memory) Delete(_ context.Context, keys ...Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}
