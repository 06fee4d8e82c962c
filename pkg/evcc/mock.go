package evcc

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/strompilot/strompilot/pkg/tariff"
	"github.com/strompilot/strompilot/pkg/types"
)

// Mock is a testify mock of the API interface.
type Mock struct {
	mock.Mock
}

var _ API = (*Mock)(nil)

func (m *Mock) State(ctx context.Context) (State, error) {
	args := m.Called(ctx)
	return args.Get(0).(State), args.Error(1)
}

func (m *Mock) GridTariff(ctx context.Context) ([]tariff.Rate, error) {
	args := m.Called(ctx)
	rates, _ := args.Get(0).([]tariff.Rate)
	return rates, args.Error(1)
}

func (m *Mock) SolarTariff(ctx context.Context) ([]tariff.Rate, error) {
	args := m.Called(ctx)
	rates, _ := args.Get(0).([]tariff.Rate)
	return rates, args.Error(1)
}

func (m *Mock) SetLoadpointMode(ctx context.Context, loadpoint int, mode types.ChargeMode) error {
	return m.Called(ctx, loadpoint, mode).Error(0)
}

func (m *Mock) SetBufferSOC(ctx context.Context, pct int) error {
	return m.Called(ctx, pct).Error(0)
}

func (m *Mock) SetBufferStartSOC(ctx context.Context, pct int) error {
	return m.Called(ctx, pct).Error(0)
}

func (m *Mock) SetPrioritySOC(ctx context.Context, pct int) error {
	return m.Called(ctx, pct).Error(0)
}

func (m *Mock) SetBatteryGridChargeLimit(ctx context.Context, eurPerKWH float64) error {
	return m.Called(ctx, eurPerKWH).Error(0)
}

func (m *Mock) DeleteBatteryGridChargeLimit(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Mock) SetSmartCostLimit(ctx context.Context, eurPerKWH float64) error {
	return m.Called(ctx, eurPerKWH).Error(0)
}

func (m *Mock) SetBatteryDischargeControl(ctx context.Context, enabled bool) error {
	return m.Called(ctx, enabled).Error(0)
}
