// internal/flight/recorder.go
package flight

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	metadataFile = "metadata.json"
	blackboxFile = "blackbox.jsonl"
	idPrefix     = "flight_"
	idLayout     = "20060102_150405"
)

// ErrFlightNotFound is returned for an id with no flight directory.
var ErrFlightNotFound = errors.New("flight not found")

// Recorder persists one directory per run under its root. A flight holds a
// metadata.json and an append-only blackbox.jsonl of events.
type Recorder struct {
	root   string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewRecorder creates the root directory if needed.
func NewRecorder(root string, logger *zap.Logger) (*Recorder, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create flights directory %s: %w", root, err)
	}
	return &Recorder{
		root:   root,
		logger: logger.Named("flight_recorder"),
		now:    time.Now,
	}, nil
}

// Root returns the directory holding all flights.
func (r *Recorder) Root() string { return r.root }

// StartFlight creates a new flight directory and returns its id.
func (r *Recorder) StartFlight(mission string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.now()
	base := idPrefix + start.Format(idLayout)
	id := base
	for n := 1; ; n++ {
		err := os.Mkdir(filepath.Join(r.root, id), 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to create flight directory: %w", err)
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}

	meta := schemas.FlightMetadata{
		FlightID:  id,
		StartTime: start,
		Status:    schemas.FlightInProgress,
		Mission:   mission,
	}
	if err := r.writeMetadata(meta); err != nil {
		return "", err
	}
	f, err := os.Create(filepath.Join(r.root, id, blackboxFile))
	if err != nil {
		return "", fmt.Errorf("failed to create black box: %w", err)
	}
	f.Close()

	r.logger.Info("Flight started", zap.String("flight_id", id), zap.String("mission", mission))
	return id, nil
}

// Log appends an event to the flight's black box.
func (r *Recorder) Log(id string, typ schemas.EventType, details string) error {
	line, err := json.Marshal(schemas.FlightEvent{
		Timestamp: r.now(),
		Type:      typ,
		Details:   details,
	})
	if err != nil {
		return fmt.Errorf("failed to encode flight event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.blackboxPath(id), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFlightNotFound, id)
		}
		return fmt.Errorf("failed to open black box: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write flight event: %w", err)
	}
	return nil
}

// EndFlight stamps the end time and final status.
func (r *Recorder) EndFlight(id string, status schemas.FlightStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := r.readMetadata(id)
	if err != nil {
		return err
	}
	end := r.now()
	meta.EndTime = &end
	meta.Status = status
	if err := r.writeMetadata(meta); err != nil {
		return err
	}
	r.logger.Info("Flight ended", zap.String("flight_id", id), zap.String("status", string(status)))
	return nil
}

// List returns every flight's metadata, newest first. Directories without
// readable metadata are skipped.
func (r *Recorder) List() ([]schemas.FlightMetadata, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}

	flights := make([]schemas.FlightMetadata, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), idPrefix) {
			continue
		}
		meta, err := r.readMetadata(e.Name())
		if err != nil {
			r.logger.Debug("Skipping flight with unreadable metadata", zap.String("flight_id", e.Name()), zap.Error(err))
			continue
		}
		flights = append(flights, meta)
	}
	sort.SliceStable(flights, func(i, j int) bool {
		if flights[i].StartTime.Equal(flights[j].StartTime) {
			return flights[i].FlightID > flights[j].FlightID
		}
		return flights[i].StartTime.After(flights[j].StartTime)
	})
	return flights, nil
}

// Latest returns the most recent flight.
func (r *Recorder) Latest() (schemas.FlightMetadata, error) {
	flights, err := r.List()
	if err != nil {
		return schemas.FlightMetadata{}, err
	}
	if len(flights) == 0 {
		return schemas.FlightMetadata{}, ErrFlightNotFound
	}
	return flights[0], nil
}

// Load returns a flight's metadata and all of its events.
func (r *Recorder) Load(id string) (schemas.FlightMetadata, []schemas.FlightEvent, error) {
	meta, err := r.readMetadata(id)
	if err != nil {
		return schemas.FlightMetadata{}, nil, err
	}
	events, err := r.Events(id)
	if err != nil {
		return schemas.FlightMetadata{}, nil, err
	}
	return meta, events, nil
}

// Events reads the black box. Lines that do not decode are skipped.
func (r *Recorder) Events(id string) ([]schemas.FlightEvent, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(r.blackboxPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFlightNotFound, id)
		}
		return nil, fmt.Errorf("failed to open black box: %w", err)
	}
	defer f.Close()
	return decodeEvents(f, r.logger), nil
}

// Follow streams events appended to the flight's black box until ctx is
// done. With fromStart the existing events are replayed first.
func (r *Recorder) Follow(ctx context.Context, id string, fromStart bool) (<-chan schemas.FlightEvent, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	if _, err := os.Stat(r.blackboxPath(id)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFlightNotFound, id)
	}
	whence := io.SeekEnd
	if fromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(r.blackboxPath(id), tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		// inotify can miss a write landing between EOF and arming the watch.
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to tail black box: %w", err)
	}

	out := make(chan schemas.FlightEvent)
	go func() {
		defer close(out)
		defer func() {
			t.Stop()
			t.Cleanup()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-t.Lines:
				if !ok {
					return
				}
				if line.Err != nil {
					r.logger.Warn("Error reading black box", zap.String("flight_id", id), zap.Error(line.Err))
					continue
				}
				var ev schemas.FlightEvent
				if err := json.Unmarshal([]byte(line.Text), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Recorder) blackboxPath(id string) string {
	return filepath.Join(r.root, id, blackboxFile)
}

func (r *Recorder) readMetadata(id string) (schemas.FlightMetadata, error) {
	var meta schemas.FlightMetadata
	if err := validID(id); err != nil {
		return meta, err
	}
	data, err := os.ReadFile(filepath.Join(r.root, id, metadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return meta, fmt.Errorf("%w: %s", ErrFlightNotFound, id)
		}
		return meta, fmt.Errorf("failed to read flight metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to decode flight metadata: %w", err)
	}
	return meta, nil
}

// writeMetadata replaces metadata.json through a temp file so readers never
// see a partial document.
func (r *Recorder) writeMetadata(meta schemas.FlightMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode flight metadata: %w", err)
	}
	dir := filepath.Join(r.root, meta.FlightID)
	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write flight metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, metadataFile)); err != nil {
		return fmt.Errorf("failed to write flight metadata: %w", err)
	}
	return nil
}

// maxEventLine bounds a single black box line held in memory.
const maxEventLine = 4 * 1024 * 1024

// decodeEvents reads JSONL events. Blank, malformed and oversized lines are
// skipped; a read error ends decoding with the events read so far.
func decodeEvents(rd io.Reader, logger *zap.Logger) []schemas.FlightEvent {
	var events []schemas.FlightEvent
	br := bufio.NewReaderSize(rd, 64*1024)
	for {
		line, tooLong, err := readLine(br, maxEventLine)
		if tooLong {
			logger.Warn("Skipping oversized black box line", zap.Int("limit", maxEventLine))
		} else if line = bytes.TrimSpace(line); len(line) > 0 {
			var ev schemas.FlightEvent
			if uerr := json.Unmarshal(line, &ev); uerr != nil {
				logger.Debug("Skipping malformed black box line", zap.Error(uerr))
			} else {
				events = append(events, ev)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("Error reading black box", zap.Error(err))
			}
			return events
		}
	}
}

// readLine returns the next line without its newline. A line longer than
// limit is consumed and reported as tooLong with no content.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, rerr := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case rerr == nil:
			return line, tooLong, nil
		case errors.Is(rerr, bufio.ErrBufferFull):
			continue
		default:
			return line, tooLong, rerr
		}
	}
}

// validID rejects ids that would resolve outside the flights root.
func validID(id string) error {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: invalid id %q", ErrFlightNotFound, id)
	}
	return nil
}
