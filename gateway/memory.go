package gateway

import (
	"context"
	"slices"
	"sync"

	"github.com/hazyhaar/statesync/snapshot"
)

// Memory is an in-process Gateway. Snapshots are kept encoded so callers
// never share memory with the stored copy.
type Memory struct {
	mu      sync.Mutex
	durable []byte
	backups map[string][]byte
	saves   int
}

// NewMemory returns an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{backups: make(map[string][]byte)}
}

func (m *Memory) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	data := m.durable
	m.mu.Unlock()
	if data == nil {
		return nil, nil
	}
	return snapshot.Unmarshal(data)
}

func (m *Memory) Save(ctx context.Context, s *snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := snapshot.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.durable = data
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves returns how many times Save succeeded.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Durable returns the raw encoded durable snapshot, or nil.
func (m *Memory) Durable() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.durable)
}

func (m *Memory) StoreBackup(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.backups[id] = slices.Clone(data)
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadBackup(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.backups[id]
	if !ok {
		return nil, nil
	}
	return slices.Clone(data), nil
}

func (m *Memory) DeleteBackup(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.backups, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListBackupIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.backups))
	for id := range m.backups {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
