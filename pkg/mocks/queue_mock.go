package mocks

import (
	"context"

	"github.com/dukex/courier/pkg/queue"
	"github.com/stretchr/testify/mock"
)

// MockEnqueuer is a mock implementation of the queue enqueue surface.
type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, queueName string, payload any, policy queue.Policy, opts ...queue.EnqueueOption) (string, error) {
	args := m.Called(ctx, queueName, payload, policy)

	return args.String(0), args.Error(1)
}

// MockHealthChecker is a mock dependency for health endpoints.
type MockHealthChecker struct {
	mock.Mock
}

func (m *MockHealthChecker) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
