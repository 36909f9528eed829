// internal/agent/ledger.go
package agent

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/xkilldash9x/airport/api/schemas"
)

const summaryExcerptLen = 80

// Ledger is the append-only history of a run plus the CollectedData map.
// All methods are safe for concurrent use; readers always get copies.
type Ledger struct {
	mu        sync.RWMutex
	entries   []HistoryEntry
	collected map[string]string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{collected: make(map[string]string)}
}

// Append adds an entry. Step ordinals may repeat only for an intervention
// following its ask_user step; step records must strictly increase.
func (l *Ledger) Append(e HistoryEntry) error {
	if e.Step < 1 {
		return fmt.Errorf("ledger: step ordinal must be >= 1, got %d", e.Step)
	}
	if e.Role == RoleStep && e.Decision == nil {
		return fmt.Errorf("ledger: step %d has no decision", e.Step)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.entries); n > 0 {
		last := l.entries[n-1]
		if e.Step < last.Step || (e.Role == RoleStep && e.Step == last.Step) {
			return fmt.Errorf("ledger: step %d out of order after step %d", e.Step, last.Step)
		}
	}
	l.entries = append(l.entries, e.clone())
	return nil
}

// SetOutcome fills in the outcome of the step record with the given ordinal.
// It may be called once per step.
func (l *Ledger) SetOutcome(step int, outcome string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		e := &l.entries[i]
		if e.Step != step || e.Role != RoleStep {
			continue
		}
		if e.Outcome != nil {
			return fmt.Errorf("ledger: outcome for step %d already set", step)
		}
		o := outcome
		e.Outcome = &o
		return nil
	}
	return fmt.Errorf("ledger: no step record %d", step)
}

// Recent returns copies of the last k entries in order.
func (l *Ledger) Recent(k int) []HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if k <= 0 {
		return nil
	}
	start := len(l.entries) - k
	if start < 0 {
		start = 0
	}
	return cloneEntries(l.entries[start:])
}

// Snapshot returns a copy of the full history.
func (l *Ledger) Snapshot() []HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneEntries(l.entries)
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// SetCollected stores a captured value; the last write for a label wins.
func (l *Ledger) SetCollected(label, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.collected[label] = value
}

// GetCollected returns the captured value for label.
func (l *Ledger) GetCollected(label string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.collected[label]
	return v, ok
}

// Collected returns a copy of the CollectedData map.
func (l *Ledger) Collected() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.collected))
	for k, v := range l.collected {
		out[k] = v
	}
	return out
}

// Summarize renders the last k entries one per line for the oracle prompt.
// When hint is set and the two most recent step records repeat the same
// action with the same params, a note line is appended.
func (l *Ledger) Summarize(k int, hint bool) string {
	recent := l.Recent(k)
	if len(recent) == 0 {
		return "(no actions yet)"
	}

	lines := make([]string, 0, len(recent)+1)
	for _, e := range recent {
		lines = append(lines, summarizeEntry(e))
	}
	if hint {
		if note := l.repetitionNote(); note != "" {
			lines = append(lines, note)
		}
	}
	return strings.Join(lines, "\n")
}

func summarizeEntry(e HistoryEntry) string {
	if e.Role == RoleIntervention {
		reply := ""
		if e.Response != nil {
			reply = *e.Response
		}
		return fmt.Sprintf("User reply: \"%s\"", reply)
	}

	d := e.Decision
	if d == nil {
		return fmt.Sprintf("Step %d: ?", e.Step)
	}
	if d.Action == schemas.ActionAskUser {
		return fmt.Sprintf("Step %d: ask_user - Question: %s", e.Step, excerpt(d.Params.String("question", ""), summaryExcerptLen))
	}
	if e.Outcome != nil && *e.Outcome != "" {
		return fmt.Sprintf("Step %d: %s - Result: %s", e.Step, d.Action, *e.Outcome)
	}
	return fmt.Sprintf("Step %d: %s - %s", e.Step, d.Action, excerpt(d.Observation, summaryExcerptLen))
}

func (l *Ledger) repetitionNote() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var last []*schemas.Decision
	for i := len(l.entries) - 1; i >= 0 && len(last) < 2; i-- {
		if l.entries[i].Role == RoleStep {
			last = append(last, l.entries[i].Decision)
		}
	}
	if len(last) < 2 {
		return ""
	}
	a, b := last[0], last[1]
	if a.Action != b.Action || a.Action == schemas.ActionWait || a.Action == schemas.ActionAskUser {
		return ""
	}
	if !reflect.DeepEqual(normalizeParams(a.Params), normalizeParams(b.Params)) {
		return ""
	}
	return fmt.Sprintf("Note: the last two steps repeated %s with identical params and the screen did not change as expected. Try a different approach.", a.Action)
}

func normalizeParams(p schemas.Params) schemas.Params {
	if len(p) == 0 {
		return schemas.Params{}
	}
	return p
}

func cloneEntries(in []HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, len(in))
	for i, e := range in {
		out[i] = e.clone()
	}
	return out
}

// excerpt truncates s to at most n runes.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
