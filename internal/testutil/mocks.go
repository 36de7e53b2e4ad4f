package testutil

import (
	"context"

	"field-access-control/internal/notify"

	"github.com/stretchr/testify/mock"
)

// MockNotifier records pushes. Tests set expectations with On("Notify", ...).
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, ev notify.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}
