package flight

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/airport/api/schemas"
)

// fixedClock returns a clock that advances one second per call.
func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := cur
		cur = cur.Add(time.Second)
		return t
	}
}

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := NewRecorder(filepath.Join(t.TempDir(), "flights"), zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func TestRecorder_Lifecycle(t *testing.T) {
	r := newTestRecorder(t)
	r.now = fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	id, err := r.StartFlight("Find the weather")
	require.NoError(t, err)
	assert.Equal(t, "flight_20260301_120000", id)

	require.NoError(t, r.Log(id, schemas.EventSystem, "ReAct Agent started with goal: Find the weather"))
	require.NoError(t, r.Log(id, schemas.EventAction, "goto: Navigated to https://example.com"))
	require.NoError(t, r.EndFlight(id, schemas.FlightCompleted))

	meta, events, err := r.Load(id)
	require.NoError(t, err)
	assert.Equal(t, schemas.FlightCompleted, meta.Status)
	assert.Equal(t, "Find the weather", meta.Mission)
	require.NotNil(t, meta.EndTime)
	assert.True(t, meta.EndTime.After(meta.StartTime))

	require.Len(t, events, 2)
	assert.Equal(t, schemas.EventSystem, events[0].Type)
	assert.Equal(t, schemas.EventAction, events[1].Type)
	assert.Equal(t, "goto: Navigated to https://example.com", events[1].Details)
}

func TestRecorder_IDCollision(t *testing.T) {
	r := newTestRecorder(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return at }

	first, err := r.StartFlight("a")
	require.NoError(t, err)
	second, err := r.StartFlight("b")
	require.NoError(t, err)
	third, err := r.StartFlight("c")
	require.NoError(t, err)

	assert.Equal(t, "flight_20260301_120000", first)
	assert.Equal(t, "flight_20260301_120000_1", second)
	assert.Equal(t, "flight_20260301_120000_2", third)
}

func TestRecorder_ListNewestFirst(t *testing.T) {
	r := newTestRecorder(t)
	r.now = fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	older, err := r.StartFlight("older")
	require.NoError(t, err)
	newer, err := r.StartFlight("newer")
	require.NoError(t, err)

	// Stray directories are ignored.
	require.NoError(t, os.Mkdir(filepath.Join(r.Root(), "not_a_flight"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(r.Root(), "flight_broken"), 0o755))

	flights, err := r.List()
	require.NoError(t, err)
	require.Len(t, flights, 2)
	assert.Equal(t, newer, flights[0].FlightID)
	assert.Equal(t, older, flights[1].FlightID)

	latest, err := r.Latest()
	require.NoError(t, err)
	assert.Equal(t, newer, latest.FlightID)
}

func TestRecorder_EventsSkipMalformedLines(t *testing.T) {
	r := newTestRecorder(t)
	id, err := r.StartFlight("m")
	require.NoError(t, err)
	require.NoError(t, r.Log(id, schemas.EventReact, `{"step":1}`))

	f, err := os.OpenFile(filepath.Join(r.Root(), id, blackboxFile), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, r.Log(id, schemas.EventError, "boom"))

	events, err := r.Events(id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schemas.EventReact, events[0].Type)
	assert.Equal(t, schemas.EventError, events[1].Type)
}

func TestRecorder_EventsSkipOversizedLine(t *testing.T) {
	r := newTestRecorder(t)
	id, err := r.StartFlight("m")
	require.NoError(t, err)
	require.NoError(t, r.Log(id, schemas.EventSystem, "before"))

	f, err := os.OpenFile(filepath.Join(r.Root(), id, blackboxFile), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	huge := `{"type":"REACT","details":"` + strings.Repeat("x", maxEventLine+1) + "\"}\n"
	_, err = f.WriteString(huge)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, r.Log(id, schemas.EventSystem, "after"))

	events, err := r.Events(id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "before", events[0].Details)
	assert.Equal(t, "after", events[1].Details)
}

func TestReadLine(t *testing.T) {
	br := bufio.NewReaderSize(strings.NewReader("short\n"+strings.Repeat("y", 40)+"\ntail"), 16)

	line, tooLong, err := readLine(br, 32)
	require.NoError(t, err)
	assert.False(t, tooLong)
	assert.Equal(t, "short\n", string(line))

	line, tooLong, err = readLine(br, 32)
	require.NoError(t, err)
	assert.True(t, tooLong)
	assert.Empty(t, line)

	line, tooLong, err = readLine(br, 32)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, tooLong)
	assert.Equal(t, "tail", string(line))
}

func TestRecorder_NotFound(t *testing.T) {
	r := newTestRecorder(t)

	_, err := r.Latest()
	assert.ErrorIs(t, err, ErrFlightNotFound)

	_, _, err = r.Load("flight_missing")
	assert.ErrorIs(t, err, ErrFlightNotFound)

	assert.ErrorIs(t, r.Log("flight_missing", schemas.EventSystem, "x"), ErrFlightNotFound)
	assert.ErrorIs(t, r.EndFlight("flight_missing", schemas.FlightFailed), ErrFlightNotFound)

	_, err = r.Events("../escape")
	assert.ErrorIs(t, err, ErrFlightNotFound)

	_, err = r.Follow(context.Background(), "flight_missing", true)
	assert.ErrorIs(t, err, ErrFlightNotFound)
}

func TestRecorder_ConcurrentLog(t *testing.T) {
	r := newTestRecorder(t)
	id, err := r.StartFlight("busy")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Log(id, schemas.EventAction, "tick"))
		}()
	}
	wg.Wait()

	events, err := r.Events(id)
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestRecorder_Follow(t *testing.T) {
	r := newTestRecorder(t)
	id, err := r.StartFlight("tail me")
	require.NoError(t, err)
	require.NoError(t, r.Log(id, schemas.EventSystem, "started"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := r.Follow(ctx, id, true)
	require.NoError(t, err)

	next := func() schemas.FlightEvent {
		t.Helper()
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "follow channel closed early")
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for flight event")
			return schemas.FlightEvent{}
		}
	}

	assert.Equal(t, "started", next().Details)

	require.NoError(t, r.Log(id, schemas.EventReact, "step 1"))
	ev := next()
	assert.Equal(t, schemas.EventReact, ev.Type)
	assert.Equal(t, "step 1", ev.Details)

	// Each write lands right after the reader drained the file, the moment a
	// filesystem watch may not be armed yet.
	for i := 2; i <= 10; i++ {
		want := fmt.Sprintf("step %d", i)
		require.NoError(t, r.Log(id, schemas.EventReact, want))
		assert.Equal(t, want, next().Details)
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
