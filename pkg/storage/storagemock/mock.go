// Package storagemock provides a mock implementation of the storage.Database
// interface for testing.
package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/wattsync/wattsync/pkg/storage"
	"github.com/wattsync/wattsync/pkg/types"
)

// MockDatabase is a mock implementation of storage.Database.
type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

// GetLastPoints mocks the GetLastPoints method.
func (m *MockDatabase) GetLastPoints(ctx context.Context, seriesID string, maxCount int) ([]types.StatisticPoint, error) {
	args := m.Called(ctx, seriesID, maxCount)
	var points []types.StatisticPoint
	if args.Get(0) != nil {
		points = args.Get(0).([]types.StatisticPoint)
	}
	return points, args.Error(1)
}

// AppendPoints mocks the AppendPoints method.
func (m *MockDatabase) AppendPoints(ctx context.Context, meta types.SeriesMetadata, points []types.StatisticPoint) error {
	args := m.Called(ctx, meta, points)
	return args.Error(0)
}

// Close mocks the Close method.
func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
