package sinkmock

import (
	"context"

	"github.com/raterudder/spotexporter/pkg/sink"
	"github.com/raterudder/spotexporter/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockSink struct {
	mock.Mock
}

var _ sink.Sink = (*MockSink)(nil)

func (m *MockSink) EnsureSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSink) Insert(ctx context.Context, price types.SpotPrice) error {
	args := m.Called(ctx, price)
	return args.Error(0)
}

func (m *MockSink) Close() error {
	args := m.Called()
	return args.Error(0)
}
