package mocks

import (
	"context"

	"github.com/dukex/courier/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockSender is a mock implementation of providers.Sender.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, message models.OutboundMessage) error {
	args := m.Called(ctx, message)

	return args.Error(0)
}
