package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/enlightenev/enlightenev/pkg/storage"
	"github.com/enlightenev/enlightenev/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) ListEntries(ctx context.Context) ([]types.Entry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Entry), args.Error(1)
}

func (m *MockDatabase) GetEntry(ctx context.Context, entryID string) (types.Entry, error) {
	args := m.Called(ctx, entryID)
	return args.Get(0).(types.Entry), args.Error(1)
}

func (m *MockDatabase) CreateEntry(ctx context.Context, entry types.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDatabase) UpdateEntry(ctx context.Context, entry types.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDatabase) DeleteEntry(ctx context.Context, entryID string) error {
	args := m.Called(ctx, entryID)
	return args.Error(0)
}

func (m *MockDatabase) ListRestoreStates(ctx context.Context, entryID string) ([]types.RestoreState, error) {
	args := m.Called(ctx, entryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.RestoreState), args.Error(1)
}

func (m *MockDatabase) SetRestoreState(ctx context.Context, entryID string, state types.RestoreState) error {
	args := m.Called(ctx, entryID, state)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
