package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/config"
)

// -- Test Helpers --

type executorFixture struct {
	exec    *Executor
	web     *MockSurface
	desktop *MockDesktopSurface
	runner  *fakeRunner
	ledger  *Ledger
	root    string
	slept   []time.Duration
}

func newExecutorFixture(t *testing.T, withDesktop bool) *executorFixture {
	t.Helper()
	f := &executorFixture{
		web:    new(MockSurface),
		runner: &fakeRunner{},
		ledger: NewLedger(),
		root:   t.TempDir(),
	}
	var desktop schemas.DesktopSurface
	if withDesktop {
		f.desktop = new(MockDesktopSurface)
		desktop = f.desktop
	}
	cfg := ExecutorConfig{
		Results:    config.ResultsConfig{Root: f.root, ReadingsFile: "react_readings.txt"},
		Terminal:   config.TerminalConfig{Timeout: 5 * time.Second, OutputLimit: 20, Shell: "/bin/sh"},
		LaunchWait: 3 * time.Second,
	}
	f.exec = NewExecutor(zap.NewNop(), f.web, desktop, cfg, f.runner)
	f.exec.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	f.exec.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *executorFixture) act(mode schemas.SurfaceMode, action schemas.ActionKind, params schemas.Params) ActResult {
	return f.exec.Act(context.Background(), mode, f.ledger, schemas.Decision{Action: action, Params: params})
}

// -- Test Cases --

func TestExecutor_EmptyParamsUseDefaults(t *testing.T) {
	f := newExecutorFixture(t, false)
	f.web.On("Navigate", mock.Anything, "https://www.google.com").Return(nil)
	f.web.On("Click", mock.Anything, 0.0, 0.0, 1).Return(nil)
	f.web.On("PressKey", mock.Anything, "Enter").Return(nil)
	f.web.On("Scroll", mock.Anything, 0.0, 300.0).Return(nil)
	f.web.On("CurrentURL", mock.Anything).Return("https://example.com/p", nil)

	expected := map[schemas.ActionKind]string{
		schemas.ActionGoto:          "Navigated to https://www.google.com",
		schemas.ActionClick:         "Clicked at (0, 0) x1",
		schemas.ActionType:          "Typed: ",
		schemas.ActionKey:           "Pressed: Enter",
		schemas.ActionScroll:        "Scrolled down by 300px",
		schemas.ActionWait:          "Waited 2s",
		schemas.ActionRead:          "Read 'unknown': ",
		schemas.ActionGetURL:        "Got URL [current_url]: https://example.com/p",
		schemas.ActionSaveFile:      "Saved to " + filepath.Join(f.root, "output.txt"),
		schemas.ActionAskUser:       "Asked user: ",
		schemas.ActionRunTerminal:   "Command Error: no command given",
		schemas.ActionLaunchApp:     "Desktop surface not configured; launch_app skipped",
		schemas.ActionClickDesktop:  "Desktop surface not configured; click_desktop skipped",
		schemas.ActionTypeDesktop:   "Desktop surface not configured; type_desktop skipped",
		schemas.ActionPressHotkey:   "Desktop surface not configured; press_hotkey skipped",
		schemas.ActionPrintDocument: "Desktop surface not configured; print_document skipped",
		schemas.ActionSwitchToWeb:   "Switched to Web mode",
		schemas.ActionDone:          "Done: Task completed",
		schemas.ActionFail:          "Failed: Failed to complete task",
	}
	require.Len(t, expected, len(schemas.AllActionKinds), "every action kind needs an expectation")

	for _, kind := range schemas.AllActionKinds {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			var res ActResult
			require.NotPanics(t, func() { res = f.act(schemas.ModeWeb, kind, nil) })
			assert.Equal(t, expected[kind], res.Outcome)
		})
	}
	assert.Equal(t, []time.Duration{2 * time.Second}, f.slept)
}

func TestExecutor_UnrecognizedAction(t *testing.T) {
	f := newExecutorFixture(t, false)
	res := f.act(schemas.ModeWeb, schemas.ActionKind("teleport"), schemas.Params{})
	assert.Equal(t, "Unrecognized action: teleport", res.Outcome)
}

func TestExecutor_ErrorsBecomeOutcomes(t *testing.T) {
	f := newExecutorFixture(t, false)
	f.web.On("Navigate", mock.Anything, "https://bad.example").Return(errors.New("net::ERR_NAME_NOT_RESOLVED"))

	res := f.act(schemas.ModeWeb, schemas.ActionGoto, schemas.Params{"url": "https://bad.example"})
	assert.Equal(t, "Error executing goto: net::ERR_NAME_NOT_RESOLVED", res.Outcome)
}

func TestExecutor_PanicsBecomeOutcomes(t *testing.T) {
	f := newExecutorFixture(t, false)
	f.web.On("Click", mock.Anything, 1.0, 2.0, 1).Run(func(mock.Arguments) { panic("surface exploded") }).Return(nil)

	res := f.act(schemas.ModeWeb, schemas.ActionClick, schemas.Params{"x": 1.0, "y": 2.0})
	assert.True(t, strings.HasPrefix(res.Outcome, "Error executing click: panic:"), res.Outcome)
}

func TestExecutor_NoSurface(t *testing.T) {
	e := NewExecutor(zap.NewNop(), nil, nil, ExecutorConfig{Results: config.ResultsConfig{Root: t.TempDir()}}, &fakeRunner{})

	res := e.Act(context.Background(), schemas.ModeWeb, NewLedger(), schemas.Decision{Action: schemas.ActionClick})
	assert.Equal(t, "Error executing click: surface unavailable", res.Outcome)

	res = e.Act(context.Background(), schemas.ModeWeb, NewLedger(), schemas.Decision{Action: schemas.ActionGetURL})
	assert.Equal(t, "No page available to get URL", res.Outcome)
}

func TestExecutor_WebActions(t *testing.T) {
	t.Run("click with count", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		f.web.On("Click", mock.Anything, 120.5, 80.0, 3).Return(nil)
		res := f.act(schemas.ModeWeb, schemas.ActionClick, schemas.Params{"x": 120.5, "y": 80, "click_count": 3})
		assert.Equal(t, "Clicked at (120.5, 80) x3", res.Outcome)
		f.web.AssertExpectations(t)
	})

	t.Run("type and submit", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		f.web.On("Type", mock.Anything, "earbuds").Return(nil).Once()
		f.web.On("PressKey", mock.Anything, "Enter").Return(nil).Once()
		res := f.act(schemas.ModeWeb, schemas.ActionType, schemas.Params{"text": "earbuds", "submit": true})
		assert.Equal(t, "Typed and submitted: earbuds", res.Outcome)
		f.web.AssertExpectations(t)
	})

	t.Run("scroll up is negative", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		f.web.On("Scroll", mock.Anything, 0.0, -450.0).Return(nil)
		res := f.act(schemas.ModeWeb, schemas.ActionScroll, schemas.Params{"direction": "up", "amount": 450})
		assert.Equal(t, "Scrolled up by 450px", res.Outcome)
	})

	t.Run("desktop mode routes primitives to the desktop", func(t *testing.T) {
		f := newExecutorFixture(t, true)
		f.desktop.On("PressKey", mock.Anything, "Tab").Return(nil)
		res := f.act(schemas.ModeDesktop, schemas.ActionKey, schemas.Params{"key": "Tab"})
		assert.Equal(t, "Pressed: Tab", res.Outcome)
		f.web.AssertNotCalled(t, "PressKey", mock.Anything, mock.Anything)
	})
}

func TestExecutor_Read(t *testing.T) {
	f := newExecutorFixture(t, false)
	res := f.act(schemas.ModeWeb, schemas.ActionRead, schemas.Params{"target": "price", "result": "¥1,980"})
	assert.Equal(t, "Read 'price': ¥1,980", res.Outcome)
	res = f.act(schemas.ModeWeb, schemas.ActionRead, schemas.Params{"target": "stock", "result": "3 left"})
	assert.Equal(t, "Read 'stock': 3 left", res.Outcome)

	data, err := os.ReadFile(filepath.Join(f.root, "react_readings.txt"))
	require.NoError(t, err)
	assert.Equal(t,
		"[2026-03-01T12:00:00Z] price: ¥1,980\n[2026-03-01T12:00:00Z] stock: 3 left\n",
		string(data))
}

func TestExecutor_CollectedDataRoundTrip(t *testing.T) {
	f := newExecutorFixture(t, false)
	url := "https://shop.example/item?id=42&ref=a%20b"
	f.web.On("CurrentURL", mock.Anything).Return(url, nil)

	res := f.act(schemas.ModeWeb, schemas.ActionGetURL, schemas.Params{"label": "product_url"})
	assert.Equal(t, "Got URL [product_url]: "+url, res.Outcome)

	res = f.act(schemas.ModeWeb, schemas.ActionSaveFile, schemas.Params{
		"filename": "results/link.txt",
		"content":  "{{url:product_url}}",
	})
	path := filepath.Join(f.root, "link.txt")
	assert.Equal(t, "Saved to "+path, res.Outcome)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, url, string(data))
}

func TestExecutor_SaveFile(t *testing.T) {
	t.Run("single brace placeholder and append", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		f.ledger.SetCollected("a", "https://a.example")

		f.act(schemas.ModeWeb, schemas.ActionSaveFile, schemas.Params{"filename": "notes/out.txt", "content": "first {url:a}\n"})
		f.act(schemas.ModeWeb, schemas.ActionSaveFile, schemas.Params{"filename": "notes/out.txt", "content": "second\n", "append": true})

		data, err := os.ReadFile(filepath.Join(f.root, "notes", "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "first https://a.example\nsecond\n", string(data))
	})

	t.Run("missing label is left in place", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		f.act(schemas.ModeWeb, schemas.ActionSaveFile, schemas.Params{"filename": "x.txt", "content": "see {{url:nope}}"})

		data, err := os.ReadFile(filepath.Join(f.root, "x.txt"))
		require.NoError(t, err)
		assert.Equal(t, "see {{url:nope}}", string(data))
	})

	t.Run("overwrite without append", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		f.act(schemas.ModeWeb, schemas.ActionSaveFile, schemas.Params{"filename": "y.txt", "content": "old"})
		f.act(schemas.ModeWeb, schemas.ActionSaveFile, schemas.Params{"filename": "y.txt", "content": "new"})

		data, err := os.ReadFile(filepath.Join(f.root, "y.txt"))
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))
	})

	t.Run("escaping the results root is refused", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		res := f.act(schemas.ModeWeb, schemas.ActionSaveFile, schemas.Params{"filename": "../../etc/evil", "content": "x"})
		assert.True(t, strings.HasPrefix(res.Outcome, "Error executing save_file:"), res.Outcome)
	})

	t.Run("absolute paths are honored", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		abs := filepath.Join(t.TempDir(), "abs.txt")
		res := f.act(schemas.ModeWeb, schemas.ActionSaveFile, schemas.Params{"filename": abs, "content": "z"})
		assert.Equal(t, "Saved to "+abs, res.Outcome)
	})
}

func TestExecutor_RunTerminal(t *testing.T) {
	t.Run("background command", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		res := f.act(schemas.ModeWeb, schemas.ActionRunTerminal, schemas.Params{"command": "sleep 100 &"})
		assert.Equal(t, "Started background command: sleep 100 &", res.Outcome)
		assert.Equal(t, []string{"sleep 100"}, f.runner.started)
		assert.Empty(t, f.runner.ran)
	})

	t.Run("success output is truncated", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		f.runner.result = CommandResult{Output: "  " + strings.Repeat("a", 50) + "\n"}
		res := f.act(schemas.ModeWeb, schemas.ActionRunTerminal, schemas.Params{"command": "echo"})
		assert.Equal(t, "Command Success: "+strings.Repeat("a", 20), res.Outcome)
	})

	t.Run("no output", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		res := f.act(schemas.ModeWeb, schemas.ActionRunTerminal, schemas.Params{"command": "true"})
		assert.Equal(t, "Command Success: (no output)", res.Outcome)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		f.runner.result = CommandResult{Output: "lp: not found", ExitCode: 127}
		res := f.act(schemas.ModeWeb, schemas.ActionRunTerminal, schemas.Params{"command": "lp paper.pdf"})
		assert.Equal(t, "Command Failed (code 127): lp: not found", res.Outcome)
	})

	t.Run("timeout", func(t *testing.T) {
		f := newExecutorFixture(t, false)
		f.runner.err = context.DeadlineExceeded
		res := f.act(schemas.ModeWeb, schemas.ActionRunTerminal, schemas.Params{"command": "sleep 60"})
		assert.Equal(t, "Command Error: timed out after 5s", res.Outcome)
	})
}

func TestShellRunner(t *testing.T) {
	r := NewShellRunner(zap.NewNop(), config.TerminalConfig{Shell: "/bin/sh"})

	res, err := r.Run(context.Background(), "echo out; echo err 1>&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "err")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Run(ctx, "sleep 5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutor_DesktopActions(t *testing.T) {
	t.Run("launch_app switches to desktop", func(t *testing.T) {
		f := newExecutorFixture(t, true)
		f.desktop.On("Launch", mock.Anything, "gedit &").Return(nil)
		res := f.act(schemas.ModeWeb, schemas.ActionLaunchApp, schemas.Params{"command": "gedit &"})
		assert.Equal(t, ActResult{Outcome: "Launched app: gedit &", SwitchTo: schemas.ModeDesktop}, res)
	})

	t.Run("click_desktop reports misses", func(t *testing.T) {
		f := newExecutorFixture(t, true)
		f.desktop.On("ClickByDescription", mock.Anything, "OK button").Return(true, nil).Once()
		f.desktop.On("ClickByDescription", mock.Anything, "ghost").Return(false, nil).Once()

		assert.Equal(t, "Desktop Click: OK button", f.act(schemas.ModeDesktop, schemas.ActionClickDesktop, schemas.Params{"instruction": "OK button"}).Outcome)
		assert.Equal(t, "Desktop Click: ghost (target not found)", f.act(schemas.ModeDesktop, schemas.ActionClickDesktop, schemas.Params{"instruction": "ghost"}).Outcome)
	})

	t.Run("type_desktop", func(t *testing.T) {
		f := newExecutorFixture(t, true)
		f.desktop.On("TypeByDescription", mock.Anything, "search box", "hello").Return(true, nil)
		res := f.act(schemas.ModeDesktop, schemas.ActionTypeDesktop, schemas.Params{"instruction": "search box", "text": "hello"})
		assert.Equal(t, "Typed on Desktop: hello", res.Outcome)
	})

	t.Run("press_hotkey accepts list and plus forms", func(t *testing.T) {
		f := newExecutorFixture(t, true)
		f.desktop.On("PressHotkey", mock.Anything, []string{"ctrl", "s"}).Return(nil).Twice()

		assert.Equal(t, "Hotkey: ctrl + s", f.act(schemas.ModeDesktop, schemas.ActionPressHotkey, schemas.Params{"keys": []interface{}{"ctrl", "s"}}).Outcome)
		assert.Equal(t, "Hotkey: ctrl + s", f.act(schemas.ModeDesktop, schemas.ActionPressHotkey, schemas.Params{"keys": "ctrl+s"}).Outcome)
		assert.Equal(t, "Hotkey skipped: no keys given", f.act(schemas.ModeDesktop, schemas.ActionPressHotkey, schemas.Params{}).Outcome)
		f.desktop.AssertExpectations(t)
	})

	t.Run("print_document sequence", func(t *testing.T) {
		f := newExecutorFixture(t, true)
		f.desktop.On("Launch", mock.Anything, `evince "/tmp/paper.pdf" &`).Return(nil).Once()
		f.desktop.On("PressHotkey", mock.Anything, []string{"ctrl", "p"}).Return(nil).Once()
		f.desktop.On("ClickByDescription", mock.Anything, "Print button").Return(true, nil).Once()

		res := f.act(schemas.ModeWeb, schemas.ActionPrintDocument, schemas.Params{"filepath": "/tmp/paper.pdf"})
		assert.Equal(t, ActResult{Outcome: "Printing sequence executed for /tmp/paper.pdf", SwitchTo: schemas.ModeDesktop}, res)
		assert.Equal(t, []time.Duration{3 * time.Second, 2 * time.Second}, f.slept)
		f.desktop.AssertExpectations(t)
	})

	t.Run("switch_to_web", func(t *testing.T) {
		f := newExecutorFixture(t, true)
		res := f.act(schemas.ModeDesktop, schemas.ActionSwitchToWeb, nil)
		assert.Equal(t, ActResult{Outcome: "Switched to Web mode", SwitchTo: schemas.ModeWeb}, res)
	})
}

// nopDesktop accepts every call. It stands in for both surfaces while fuzzing.
type nopDesktop struct{}

func (nopDesktop) Capture(context.Context) ([]byte, error)            { return fakePNG, nil }
func (nopDesktop) Navigate(context.Context, string) error             { return nil }
func (nopDesktop) Click(context.Context, float64, float64, int) error { return nil }
func (nopDesktop) Type(context.Context, string) error                 { return nil }
func (nopDesktop) PressKey(context.Context, string) error             { return nil }
func (nopDesktop) Scroll(context.Context, float64, float64) error     { return nil }
func (nopDesktop) CurrentURL(context.Context) (string, error)         { return "https://example.com", nil }
func (nopDesktop) Close() error                                       { return nil }
func (nopDesktop) Launch(context.Context, string) error               { return nil }
func (nopDesktop) ClickByDescription(context.Context, string) (bool, error) {
	return true, nil
}
func (nopDesktop) TypeByDescription(context.Context, string, string) (bool, error) {
	return true, nil
}
func (nopDesktop) PressHotkey(context.Context, ...string) error { return nil }

var fuzzParamKeys = []string{
	"url", "x", "y", "text", "submit", "key", "keys", "direction", "amount",
	"seconds", "target", "result", "reason", "label", "command", "instruction",
	"filepath", "question", "click_count", "append",
}

// consumeParams builds a loosely typed params map from fuzz input.
func consumeParams(c *fuzz.ConsumeFuzzer) schemas.Params {
	p := schemas.Params{}
	n, err := c.GetInt()
	if err != nil {
		return p
	}
	for i := 0; i < int(uint(n)%6); i++ {
		ki, err := c.GetInt()
		if err != nil {
			return p
		}
		key := fuzzParamKeys[uint(ki)%uint(len(fuzzParamKeys))]
		kind, err := c.GetInt()
		if err != nil {
			return p
		}
		switch uint(kind) % 5 {
		case 0:
			v, _ := c.GetString()
			p[key] = v
		case 1:
			v, _ := c.GetInt()
			p[key] = float64(v) / 7
		case 2:
			v, _ := c.GetBool()
			p[key] = v
		case 3:
			p[key] = nil
		case 4:
			v, _ := c.GetString()
			p[key] = []interface{}{v, 3.0}
		}
	}
	return p
}

// FuzzExecutor_Act drives every action with generated params. No input may
// panic a handler or leave the outcome empty.
func FuzzExecutor_Act(f *testing.F) {
	f.Add([]byte("seed"))
	f.Add([]byte{1, 0, 0, 0, 2, 0, 0, 0, 'x'})

	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		idx, err := c.GetInt()
		if err != nil {
			return
		}
		action := schemas.AllActionKinds[uint(idx)%uint(len(schemas.AllActionKinds))]
		if action == schemas.ActionSaveFile {
			// save_file honours absolute targets; it is covered by TestExecutor_SaveFile.
			action = schemas.ActionKind("save_elsewhere")
		}
		params := consumeParams(c)

		exec := NewExecutor(zap.NewNop(), nopDesktop{}, nopDesktop{}, ExecutorConfig{
			Results:  config.ResultsConfig{Root: t.TempDir(), ReadingsFile: "react_readings.txt"},
			Terminal: config.TerminalConfig{Timeout: time.Second, OutputLimit: 500},
		}, &fakeRunner{})
		exec.sleep = func(context.Context, time.Duration) error { return nil }

		res := exec.Act(context.Background(), schemas.ModeWeb, NewLedger(), schemas.Decision{Action: action, Params: params})
		assert.NotEmpty(t, res.Outcome)
		assert.NotContains(t, res.Outcome, "panic:", "handler panicked for %s %v", action, params)
	})
}
