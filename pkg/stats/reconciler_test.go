package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wattsync/wattsync/pkg/storage/storagemock"
	"github.com/wattsync/wattsync/pkg/types"
)

func fptr(v float64) *float64 {
	return &v
}

func TestProcessNoHistory(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetLastPoints", mock.Anything, ConsumptionMeta.ID, baselineScanLimit).Return(nil, nil)
	db.On("GetLastPoints", mock.Anything, CostMeta.ID, baselineScanLimit).Return(nil, nil)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	records := []types.UsageRecord{
		{TSStart: base, EnergyKWH: 1.5, CostNZD: 0.30},
		{TSStart: base.Add(time.Hour), EnergyKWH: 2.0, CostNZD: 0.40},
	}

	var consumption, cost []types.StatisticPoint
	db.On("AppendPoints", mock.Anything, ConsumptionMeta, mock.Anything).Run(func(args mock.Arguments) {
		consumption = args.Get(2).([]types.StatisticPoint)
	}).Return(nil)
	db.On("AppendPoints", mock.Anything, CostMeta, mock.Anything).Run(func(args mock.Arguments) {
		cost = args.Get(2).([]types.StatisticPoint)
	}).Return(nil)

	require.NoError(t, New(db).Process(context.Background(), records))
	db.AssertExpectations(t)

	require.Len(t, consumption, 2)
	assert.Equal(t, 1.5, consumption[0].Value)
	assert.Equal(t, 1.5, *consumption[0].Sum)
	assert.Equal(t, 2.0, consumption[1].Value)
	assert.Equal(t, 3.5, *consumption[1].Sum)

	require.Len(t, cost, 2)
	assert.Equal(t, 0.30, *cost[0].Sum)
	assert.InDelta(t, 0.70, *cost[1].Sum, 1e-9)
}

func TestProcessContinuesFromBaseline(t *testing.T) {
	db := &storagemock.MockDatabase{}
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	// the newest persisted point before the window carries the sum to
	// continue from; a newer point inside the window must be ignored
	db.On("GetLastPoints", mock.Anything, ConsumptionMeta.ID, baselineScanLimit).Return([]types.StatisticPoint{
		{TSStart: base, Value: 9, Sum: fptr(999)},
		{TSStart: base.Add(-time.Hour), Value: 2, Sum: fptr(100.5)},
		{TSStart: base.Add(-2 * time.Hour), Value: 1, Sum: fptr(98.5)},
	}, nil)
	db.On("GetLastPoints", mock.Anything, CostMeta.ID, baselineScanLimit).Return([]types.StatisticPoint{
		{TSStart: base.Add(-time.Hour), Value: 0.1, Sum: fptr(20)},
	}, nil)

	var consumption, cost []types.StatisticPoint
	db.On("AppendPoints", mock.Anything, ConsumptionMeta, mock.Anything).Run(func(args mock.Arguments) {
		consumption = args.Get(2).([]types.StatisticPoint)
	}).Return(nil)
	db.On("AppendPoints", mock.Anything, CostMeta, mock.Anything).Run(func(args mock.Arguments) {
		cost = args.Get(2).([]types.StatisticPoint)
	}).Return(nil)

	records := []types.UsageRecord{
		{TSStart: base, EnergyKWH: 1.5, CostNZD: 0.30},
	}
	require.NoError(t, New(db).Process(context.Background(), records))

	require.Len(t, consumption, 1)
	assert.Equal(t, 102.0, *consumption[0].Sum)
	require.Len(t, cost, 1)
	assert.InDelta(t, 20.30, *cost[0].Sum, 1e-9)
}

func TestProcessSortsRecords(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetLastPoints", mock.Anything, mock.Anything, baselineScanLimit).Return(nil, nil)

	var consumption []types.StatisticPoint
	db.On("AppendPoints", mock.Anything, ConsumptionMeta, mock.Anything).Run(func(args mock.Arguments) {
		consumption = args.Get(2).([]types.StatisticPoint)
	}).Return(nil)
	db.On("AppendPoints", mock.Anything, CostMeta, mock.Anything).Return(nil)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	records := []types.UsageRecord{
		{TSStart: base.Add(time.Hour), EnergyKWH: 2.0},
		{TSStart: base, EnergyKWH: 1.0},
	}
	require.NoError(t, New(db).Process(context.Background(), records))

	require.Len(t, consumption, 2)
	assert.Equal(t, base, consumption[0].TSStart)
	assert.Equal(t, 1.0, *consumption[0].Sum)
	assert.Equal(t, 3.0, *consumption[1].Sum)
}

func TestProcessNegativeCost(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetLastPoints", mock.Anything, mock.Anything, baselineScanLimit).Return(nil, nil)
	db.On("AppendPoints", mock.Anything, ConsumptionMeta, mock.Anything).Return(nil)

	var cost []types.StatisticPoint
	db.On("AppendPoints", mock.Anything, CostMeta, mock.Anything).Run(func(args mock.Arguments) {
		cost = args.Get(2).([]types.StatisticPoint)
	}).Return(nil)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	records := []types.UsageRecord{
		{TSStart: base, EnergyKWH: 1.0, CostNZD: 0.50},
		{TSStart: base.Add(time.Hour), EnergyKWH: 1.0, CostNZD: -0.20},
	}
	require.NoError(t, New(db).Process(context.Background(), records))

	// a credit decreases the running sum
	require.Len(t, cost, 2)
	assert.InDelta(t, 0.50, *cost[0].Sum, 1e-9)
	assert.InDelta(t, 0.30, *cost[1].Sum, 1e-9)
}

func TestProcessEmpty(t *testing.T) {
	db := &storagemock.MockDatabase{}

	require.NoError(t, New(db).Process(context.Background(), nil))

	db.AssertNotCalled(t, "AppendPoints", mock.Anything, mock.Anything, mock.Anything)
	db.AssertNotCalled(t, "GetLastPoints", mock.Anything, mock.Anything, mock.Anything)
}

func TestBaselineSkipsNilSums(t *testing.T) {
	db := &storagemock.MockDatabase{}
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	db.On("GetLastPoints", mock.Anything, ConsumptionMeta.ID, baselineScanLimit).Return([]types.StatisticPoint{
		{TSStart: base.Add(-time.Hour), Value: 1},
		{TSStart: base.Add(-2 * time.Hour), Value: 1, Sum: fptr(50)},
	}, nil)

	got, err := New(db).baseline(context.Background(), ConsumptionMeta.ID, base)
	require.NoError(t, err)
	assert.Equal(t, 50.0, got)
}

func TestProcessSumRounding(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetLastPoints", mock.Anything, mock.Anything, baselineScanLimit).Return(nil, nil)
	db.On("AppendPoints", mock.Anything, ConsumptionMeta, mock.Anything).Return(nil)

	var cost []types.StatisticPoint
	db.On("AppendPoints", mock.Anything, CostMeta, mock.Anything).Run(func(args mock.Arguments) {
		cost = args.Get(2).([]types.StatisticPoint)
	}).Return(nil)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	records := []types.UsageRecord{
		{TSStart: base, CostNZD: 0.111},
		{TSStart: base.Add(time.Hour), CostNZD: 0.111},
	}
	require.NoError(t, New(db).Process(context.Background(), records))

	require.Len(t, cost, 2)
	assert.Equal(t, 0.11, *cost[0].Sum)
	// rounded from the exact running sum, not from the rounded prior sum
	assert.Equal(t, 0.22, *cost[1].Sum)
}
