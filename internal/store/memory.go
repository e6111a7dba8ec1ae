package store

import (
	"context"
	"sort"
	"sync"

	"hlledger/internal/domain"
)

// Memory is an in-process store with the same behavior as Repository.
// Contents are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	fills    map[string]map[string]domain.RawFill
	settings map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		fills:    make(map[string]map[string]domain.RawFill),
		settings: make(map[string]string),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) LatestTimestamp(ctx context.Context, address string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest int64
	for _, f := range m.fills[normalize(address)] {
		if f.Time > latest {
			latest = f.Time
		}
	}
	return latest, nil
}

func (m *Memory) AppendFills(ctx context.Context, address string, fills []domain.RawFill) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	address = normalize(address)
	stored, ok := m.fills[address]
	if !ok {
		stored = make(map[string]domain.RawFill)
		m.fills[address] = stored
	}
	inserted := 0
	for _, f := range fills {
		key := f.Key()
		if _, dup := stored[key]; dup {
			continue
		}
		stored[key] = f
		inserted++
	}
	return inserted, nil
}

func (m *Memory) AllFills(ctx context.Context, address string) ([]domain.RawFill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fills := make([]domain.RawFill, 0, len(m.fills[normalize(address)]))
	for _, f := range m.fills[normalize(address)] {
		fills = append(fills, f)
	}
	sort.Slice(fills, func(i, j int) bool {
		if fills[i].Time != fills[j].Time {
			return fills[i].Time < fills[j].Time
		}
		return fills[i].Key() < fills[j].Key()
	})
	return fills, nil
}

func (m *Memory) ListAddresses(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addresses := make([]string, 0, len(m.fills))
	for a, fills := range m.fills {
		if len(fills) > 0 {
			addresses = append(addresses, a)
		}
	}
	sort.Strings(addresses)
	return addresses, nil
}

func (m *Memory) ListFills(ctx context.Context, address string, filter FillFilter) (*FillPage, error) {
	filter = filter.normalized()

	var (
		cursorTS  int64
		cursorKey string
	)
	if filter.Cursor != "" {
		var err error
		if cursorTS, cursorKey, err = decodeCursor(filter.Cursor); err != nil {
			return nil, err
		}
	}

	all, _ := m.AllFills(ctx, address)
	builder := normalize(filter.Builder)

	var page []domain.RawFill
	for i := len(all) - 1; i >= 0 && len(page) <= filter.Limit; i-- {
		f := all[i]
		if filter.Coin != "" && f.Coin != filter.Coin {
			continue
		}
		if builder != "" && f.BuilderAddress() != builder {
			continue
		}
		if filter.Cursor != "" && !before(f, cursorTS, cursorKey) {
			continue
		}
		page = append(page, f)
	}
	return newFillPage(page, filter.Limit), nil
}

// before reports whether f sorts strictly before (ts, key) in ascending order.
func before(f domain.RawFill, ts int64, key string) bool {
	if f.Time != ts {
		return f.Time < ts
	}
	return f.Key() < key
}

func (m *Memory) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings[key] = value
	return nil
}
