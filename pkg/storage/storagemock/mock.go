package storagemock

import (
	"context"

	"github.com/raterudder/spotexporter/pkg/storage"
	"github.com/raterudder/spotexporter/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockStateStore struct {
	mock.Mock
}

var _ storage.StateStore = (*MockStateStore)(nil)

func (m *MockStateStore) Read(ctx context.Context) (types.RunState, bool) {
	args := m.Called(ctx)
	// return empty if not specified
	if len(args) > 0 {
		return args.Get(0).(types.RunState), args.Bool(1)
	}
	return types.RunState{}, false
}

func (m *MockStateStore) Write(ctx context.Context, state types.RunState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockStateStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
