package pricingmock

import (
	"context"

	"github.com/raterudder/spotexporter/pkg/pricing"
	"github.com/raterudder/spotexporter/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockSource struct {
	mock.Mock
}

var _ pricing.Source = (*MockSource)(nil)

func (m *MockSource) GetSpotPrices(ctx context.Context) ([]types.SpotPrice, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]types.SpotPrice), args.Error(1)
	}
	return nil, args.Error(1)
}
