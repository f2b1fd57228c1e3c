package remote

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store. Ids are random, so a re-put object gets
// a new id like in most cloud stores.
type MemStore struct {
	mu      sync.Mutex
	byID    map[string]*memObject
	byName  map[string]string
	puts    int
	lists   int
	deletes int
}

type memObject struct {
	name string
	data []byte
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:   make(map[string]*memObject),
		byName: make(map[string]string),
	}
}

func (m *MemStore) List(ctx context.Context, prefix string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++

	var out []Object
	for name, id := range m.byName {
		if strings.HasPrefix(name, prefix) {
			out = append(out, Object{Name: name, ID: id, Size: int64(len(m.byID[id].data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) Put(ctx context.Context, name string, body io.Reader, size int64) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("remote: failed to read body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if old, ok := m.byName[name]; ok {
		delete(m.byID, old)
	}
	id := uuid.NewString()
	m.byID[id] = &memObject{name: name, data: data}
	m.byName[name] = id
	return id, nil
}

func (m *MemStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	obj, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.byID, id)
	delete(m.byName, obj.name)
	return nil
}

// Puts returns the number of Put calls.
func (m *MemStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Lists returns the number of List calls.
func (m *MemStore) Lists() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lists
}

// Len returns the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
