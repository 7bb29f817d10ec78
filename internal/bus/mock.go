package bus

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockBus struct {
	mock.Mock
}

func (m *MockBus) Publish(ctx context.Context, topic Topic, payload []byte) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}
func (m *MockBus) Run(ctx context.Context, h Handler) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}
func (m *MockBus) Close() error {
	args := m.Called()
	return args.Error(0)
}
