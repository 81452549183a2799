package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/enlightenev/enlightenev/pkg/types"
)

// Memory is an in-process Database for local runs and tests. Values are
// copied on the way in and out.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]types.Entry
	states  map[string]map[string]types.RestoreState
}

// NewMemory returns an empty Memory database.
func NewMemory() *Memory {
	return &Memory{
		entries: map[string]types.Entry{},
		states:  map[string]map[string]types.RestoreState{},
	}
}

func cloneEntry(e types.Entry) types.Entry {
	e.Serials = append([]string(nil), e.Serials...)
	e.EncryptedCredentials = append([]byte(nil), e.EncryptedCredentials...)
	if e.Tokens.TokenExpiresAt != nil {
		exp := *e.Tokens.TokenExpiresAt
		e.Tokens.TokenExpiresAt = &exp
	}
	return e
}

// ListEntries returns entries sorted by ID.
func (m *Memory) ListEntries(ctx context.Context) ([]types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetEntry(ctx context.Context, entryID string) (types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryID]
	if !ok {
		return types.Entry{}, ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

func (m *Memory) CreateEntry(ctx context.Context, entry types.Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("entryID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ID]; ok {
		return ErrEntryExists
	}
	m.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (m *Memory) UpdateEntry(ctx context.Context, entry types.Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("entryID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (m *Memory) DeleteEntry(ctx context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entryID)
	delete(m.states, entryID)
	return nil
}

// ListRestoreStates returns an entry's restore states sorted by unique ID.
func (m *Memory) ListRestoreStates(ctx context.Context, entryID string) ([]types.RestoreState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.RestoreState, 0, len(m.states[entryID]))
	for _, s := range m.states[entryID] {
		s.Data = append([]byte(nil), s.Data...)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out, nil
}

func (m *Memory) SetRestoreState(ctx context.Context, entryID string, state types.RestoreState) error {
	if entryID == "" || state.UniqueID == "" {
		return fmt.Errorf("entryID and uniqueID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[entryID] == nil {
		m.states[entryID] = map[string]types.RestoreState{}
	}
	state.Data = append([]byte(nil), state.Data...)
	m.states[entryID][state.UniqueID] = state
	return nil
}

func (m *Memory) Close() error {
	return nil
}
