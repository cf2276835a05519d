package notebook

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/planline/planline/pkg/schema"
)

// Unit kinds rendered by the notebook surface.
const (
	UnitChapter = "chapter"
	UnitSection = "section"
	UnitText    = "text"
	UnitCode    = "code"
)

// Unit is one addressable notebook block. Content actions create, append to,
// and remove units by ID.
type Unit struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Content  string         `json:"content,omitempty"`
	Language string         `json:"language,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContentStore is the notebook surface mutated by content actions. Real UIs
// implement this against their rendering layer.
type ContentStore interface {
	CreateUnit(ctx context.Context, unit Unit) (string, error)
	AppendToUnit(ctx context.Context, unitID, content string) error
	RemoveUnit(ctx context.Context, unitID string) error
	Unit(unitID string) (Unit, bool)
}

// RunResult is the outcome of executing one code unit.
type RunResult struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CodeRunner executes the code held in a notebook unit.
type CodeRunner interface {
	Execute(ctx context.Context, unitID string) (*RunResult, error)
}

// MemoryStore is an in-memory ContentStore keeping insertion order.
type MemoryStore struct {
	mu    sync.RWMutex
	units map[string]*Unit
	order []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{units: make(map[string]*Unit)}
}

// CreateUnit adds a unit, assigning an ID when the caller left it empty.
// Creating a unit whose ID already exists overwrites its content in place.
func (m *MemoryStore) CreateUnit(_ context.Context, unit Unit) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if unit.ID == "" {
		unit.ID = uuid.NewString()
	}
	if _, exists := m.units[unit.ID]; !exists {
		m.order = append(m.order, unit.ID)
	}
	cp := unit
	m.units[unit.ID] = &cp
	return unit.ID, nil
}

// AppendToUnit concatenates streamed content onto an existing unit.
func (m *MemoryStore) AppendToUnit(_ context.Context, unitID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[unitID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown notebook unit %q", unitID)
	}
	u.Content += content
	return nil
}

// RemoveUnit deletes a unit. Removing an unknown unit is an error so the
// dispatcher can report protocol drift.
func (m *MemoryStore) RemoveUnit(_ context.Context, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[unitID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown notebook unit %q", unitID)
	}
	delete(m.units, unitID)
	for i, id := range m.order {
		if id == unitID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Unit returns a copy of the unit with the given ID.
func (m *MemoryStore) Unit(unitID string) (Unit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[unitID]
	if !ok {
		return Unit{}, false
	}
	return *u, true
}

// Units returns all units in insertion order.
func (m *MemoryStore) Units() []Unit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Unit, 0, len(m.order))
	for _, id := range m.order {
		if u, ok := m.units[id]; ok {
			out = append(out, *u)
		}
	}
	return out
}
