package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/airport/internal/agent"
)

// MockVisionModel is a mock implementation of agent.VisionModel.
type MockVisionModel struct {
	mock.Mock
}

// Generate mocks the Generate method.
func (m *MockVisionModel) Generate(ctx context.Context, req agent.VisionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}
