package mocks

import (
	"context"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockPublisher is a mock implementation of the bus publishing surface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishOnce(ctx context.Context, runID, dedupKey string, event events.Event) (bool, error) {
	args := m.Called(ctx, runID, dedupKey, event)

	return args.Bool(0), args.Error(1)
}

func (m *MockPublisher) Redeliver(ctx context.Context, runID, dedupKey string) (bool, error) {
	args := m.Called(ctx, runID, dedupKey)

	return args.Bool(0), args.Error(1)
}

// MockTrigger is a mock implementation of the engine trigger surface.
type MockTrigger struct {
	mock.Mock
}

func (m *MockTrigger) Trigger(ctx context.Context, event models.CanonicalInboundEvent) ([]*models.Run, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

// MockCanceller is a mock implementation of the engine cancel surface.
type MockCanceller struct {
	mock.Mock
}

func (m *MockCanceller) Cancel(ctx context.Context, runID, reason string) (*models.Run, error) {
	args := m.Called(ctx, runID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}
