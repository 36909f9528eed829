package agent

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/airport/api/schemas"
)

// -- Surface Mocks --

// MockSurface mocks schemas.Surface.
type MockSurface struct {
	mock.Mock
}

func (m *MockSurface) Capture(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSurface) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockSurface) Click(ctx context.Context, x, y float64, count int) error {
	return m.Called(ctx, x, y, count).Error(0)
}

func (m *MockSurface) Type(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

func (m *MockSurface) PressKey(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockSurface) Scroll(ctx context.Context, dx, dy float64) error {
	return m.Called(ctx, dx, dy).Error(0)
}

func (m *MockSurface) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockSurface) Close() error {
	return m.Called().Error(0)
}

// MockDesktopSurface mocks schemas.DesktopSurface.
type MockDesktopSurface struct {
	MockSurface
}

func (m *MockDesktopSurface) Launch(ctx context.Context, command string) error {
	return m.Called(ctx, command).Error(0)
}

func (m *MockDesktopSurface) ClickByDescription(ctx context.Context, instruction string) (bool, error) {
	args := m.Called(ctx, instruction)
	return args.Bool(0), args.Error(1)
}

func (m *MockDesktopSurface) TypeByDescription(ctx context.Context, instruction, text string) (bool, error) {
	args := m.Called(ctx, instruction, text)
	return args.Bool(0), args.Error(1)
}

func (m *MockDesktopSurface) PressHotkey(ctx context.Context, keys ...string) error {
	return m.Called(ctx, keys).Error(0)
}

// -- Model Mocks --

// MockVisionModel mocks VisionModel.
type MockVisionModel struct {
	mock.Mock
}

func (m *MockVisionModel) Generate(ctx context.Context, req VisionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// scriptedOracle returns decisions in order and records every request. Once
// the script runs out the last decision repeats.
type scriptedOracle struct {
	mu        sync.Mutex
	decisions []schemas.Decision
	requests  []DecisionRequest
	// onDecide, when set, runs before the decision is returned.
	onDecide func(step int)
}

func (o *scriptedOracle) Decide(ctx context.Context, req DecisionRequest) (schemas.Decision, error) {
	if err := ctx.Err(); err != nil {
		return schemas.Decision{}, err
	}
	o.mu.Lock()
	o.requests = append(o.requests, req)
	idx := len(o.requests) - 1
	if idx >= len(o.decisions) {
		idx = len(o.decisions) - 1
	}
	d := o.decisions[idx]
	hook := o.onDecide
	o.mu.Unlock()

	if hook != nil {
		hook(req.Step)
	}
	d.Params = d.Params.Clone()
	return d, nil
}

func (o *scriptedOracle) Requests() []DecisionRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]DecisionRequest(nil), o.requests...)
}

// fakeRunner records commands instead of executing them.
type fakeRunner struct {
	mu      sync.Mutex
	result  CommandResult
	err     error
	started []string
	ran     []string
}

func (f *fakeRunner) Run(ctx context.Context, command string) (CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, command)
	return f.result, f.err
}

func (f *fakeRunner) Start(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, command)
	return f.err
}
