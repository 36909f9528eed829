package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/airport/api/schemas"
)

type MockDesktop struct {
	mock.Mock
	stubSurface
}

func (m *MockDesktop) Close() error { return m.Called().Error(0) }
func (m *MockDesktop) Launch(ctx context.Context, command string) error {
	return m.Called(ctx, command).Error(0)
}
func (m *MockDesktop) ClickByDescription(ctx context.Context, instruction string) (bool, error) {
	args := m.Called(ctx, instruction)
	return args.Bool(0), args.Error(1)
}
func (m *MockDesktop) TypeByDescription(ctx context.Context, instruction, text string) (bool, error) {
	args := m.Called(ctx, instruction, text)
	return args.Bool(0), args.Error(1)
}
func (m *MockDesktop) PressHotkey(ctx context.Context, keys ...string) error {
	return m.Called(ctx, keys).Error(0)
}

var _ schemas.DesktopSurface = (*MockDesktop)(nil)

func TestRunComponents_Shutdown(t *testing.T) {
	t.Run("closes every surface even when one fails", func(t *testing.T) {
		desktop := new(MockDesktop)
		desktop.On("Close").Return(errors.New("display gone")).Once()
		web := &stubSurface{}

		c := &RunComponents{Web: web, Desktop: desktop}
		c.Shutdown()

		desktop.AssertExpectations(t)
		assert.True(t, web.closed)
	})

	t.Run("partially built", func(t *testing.T) {
		assert.NotPanics(t, func() { (&RunComponents{}).Shutdown() })
	})
}
