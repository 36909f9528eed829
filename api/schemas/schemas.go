package schemas

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ActionKind names one of the closed set of actions the oracle may choose.
type ActionKind string

const (
	// -- Surface Interaction --
	ActionGoto   ActionKind = "goto"
	ActionClick  ActionKind = "click"
	ActionType   ActionKind = "type"
	ActionKey    ActionKind = "key"
	ActionScroll ActionKind = "scroll"
	ActionWait   ActionKind = "wait"

	// -- Data Capture --
	ActionRead     ActionKind = "read"
	ActionGetURL   ActionKind = "get_url"
	ActionSaveFile ActionKind = "save_file"

	// -- Human In The Loop --
	ActionAskUser ActionKind = "ask_user"

	// -- Host Process --
	ActionRunTerminal ActionKind = "run_terminal"

	// -- Desktop Surface --
	ActionLaunchApp     ActionKind = "launch_app"
	ActionClickDesktop  ActionKind = "click_desktop"
	ActionTypeDesktop   ActionKind = "type_desktop"
	ActionPressHotkey   ActionKind = "press_hotkey"
	ActionPrintDocument ActionKind = "print_document"
	ActionSwitchToWeb   ActionKind = "switch_to_web"

	// -- Terminal Signals --
	ActionDone ActionKind = "done"
	ActionFail ActionKind = "fail"
)

// AllActionKinds lists every recognized action in catalog order.
var AllActionKinds = []ActionKind{
	ActionGoto, ActionClick, ActionType, ActionKey, ActionScroll, ActionWait,
	ActionRead, ActionGetURL, ActionSaveFile, ActionAskUser, ActionRunTerminal,
	ActionLaunchApp, ActionClickDesktop, ActionTypeDesktop, ActionPressHotkey,
	ActionPrintDocument, ActionSwitchToWeb, ActionDone, ActionFail,
}

var knownActions = func() map[ActionKind]struct{} {
	m := make(map[ActionKind]struct{}, len(AllActionKinds))
	for _, k := range AllActionKinds {
		m[k] = struct{}{}
	}
	return m
}()

// Valid reports whether the kind belongs to the closed action set.
func (k ActionKind) Valid() bool {
	_, ok := knownActions[k]
	return ok
}

// IsTerminal reports whether the kind ends a run.
func (k ActionKind) IsTerminal() bool {
	return k == ActionDone || k == ActionFail
}

// IsDesktop reports whether the kind is delegated to the desktop surface.
func (k ActionKind) IsDesktop() bool {
	switch k {
	case ActionLaunchApp, ActionClickDesktop, ActionTypeDesktop, ActionPressHotkey, ActionPrintDocument:
		return true
	}
	return false
}

// ParseActionKind normalizes a raw action name from the oracle.
func ParseActionKind(raw string) (ActionKind, error) {
	k := ActionKind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return k, fmt.Errorf("unrecognized action %q", raw)
	}
	return k, nil
}

// Decision is the oracle's structured choice for a single step.
type Decision struct {
	Observation string     `json:"observation"`
	Reasoning   string     `json:"reasoning"`
	Action      ActionKind `json:"action"`
	Params      Params     `json:"params"`
}

// DefaultDecision is returned when the oracle cannot produce a usable answer.
func DefaultDecision(reason string) Decision {
	return Decision{
		Observation: "Error analyzing screen",
		Reasoning:   reason,
		Action:      ActionWait,
		Params:      Params{"seconds": 2},
	}
}

// Params carries action specific arguments as decoded from JSON. Accessors
// never fail; a missing or mistyped key yields the supplied default.
type Params map[string]interface{}

// String returns the value at key as a string.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	}
	return def
}

// Float returns the value at key as a float64. Numeric strings are accepted.
func (p Params) Float(key string, def float64) float64 {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	// JSON decoding produces float64, but callers building params by hand
	// tend to use ints.
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return def
		}
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns the value at key truncated to an int.
func (p Params) Int(key string, def int) int {
	if _, ok := p[key]; !ok {
		return def
	}
	return int(p.Float(key, float64(def)))
}

// Bool returns the value at key as a bool. "true"/"false" strings are accepted.
func (p Params) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	return def
}

// Strings returns the value at key as a string slice. A single string is
// split on '+' so that "ctrl+p" and ["ctrl","p"] are equivalent.
func (p Params) Strings(key string) []string {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(t, "+")
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

// Clone returns a shallow copy that is safe to hand to concurrent readers.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	c := make(Params, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}
