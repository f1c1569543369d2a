package cache

import (
	"context"
	"sync"
)

// MemStore keeps all tables in process memory.
type MemStore struct {
	mutex  *sync.RWMutex
	tables map[string]*memTable
	order  []string
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		mutex:  &sync.RWMutex{},
		tables: make(map[string]*memTable),
	}
}

func (m *MemStore) Open(_ context.Context, name string) (Table, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if t, ok := m.tables[name]; ok {
		return t, nil
	}
	t := &memTable{
		name:  name,
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
	m.tables[name] = t
	m.order = append(m.order, name)
	return t, nil
}

func (m *MemStore) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.tables[name]
	return ok, nil
}

func (m *MemStore) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, ok := m.tables[name]
	if !ok {
		return false, nil
	}
	delete(m.tables, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	// handles of the deleted table must not resurrect it
	t.mutex.Lock()
	t.db = make(map[string]Entry)
	t.dropped = true
	t.mutex.Unlock()
	return true, nil
}

func (m *MemStore) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *MemStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.order {
		if e, ok, _ := m.tables[name].Get(ctx, key); ok {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (m *MemStore) Purge(ctx context.Context, key string) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	purged := 0
	for _, name := range m.order {
		if ok, _ := m.tables[name].Delete(ctx, key); ok {
			purged++
		}
	}
	return purged, nil
}

func (m *MemStore) Close() error {
	return nil
}

type memTable struct {
	name    string
	mutex   *sync.RWMutex
	db      map[string]Entry
	dropped bool
}

func (t *memTable) Name() string {
	return t.name
}

func (t *memTable) Get(_ context.Context, key string) (Entry, bool, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	e, ok := t.db[key]
	if !ok {
		return Entry{}, false, nil
	}
	return e.Clone(), true, nil
}

func (t *memTable) Put(_ context.Context, key string, e Entry) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.dropped {
		return ErrTableNotFound
	}
	t.db[key] = stamp(e.Clone())
	return nil
}

func (t *memTable) Delete(_ context.Context, key string) (bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	_, ok := t.db[key]
	delete(t.db, key)
	return ok, nil
}

func (t *memTable) Keys(_ context.Context) ([]string, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	keys := make([]string, 0, len(t.db))
	for key := range t.db {
		keys = append(keys, key)
	}
	return keys, nil
}
