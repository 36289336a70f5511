package mocks

import (
	"context"

	"github.com/dukex/courier/pkg/agent"
	"github.com/stretchr/testify/mock"
)

// MockAgentService is a mock implementation of agent.Service.
type MockAgentService struct {
	mock.Mock
}

func (m *MockAgentService) Respond(ctx context.Context, request agent.Request) (*agent.Response, error) {
	args := m.Called(ctx, request)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*agent.Response), args.Error(1)
}
