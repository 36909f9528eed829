package browser

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"
)

// namedKeys maps the key names the oracle uses to chromedp's key runes.
var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"up":         kb.ArrowUp,
	"down":       kb.ArrowDown,
	"left":       kb.ArrowLeft,
	"right":      kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"space":      " ",
}

var modifierKeys = map[string]input.Modifier{
	"control": input.ModifierCtrl,
	"ctrl":    input.ModifierCtrl,
	"shift":   input.ModifierShift,
	"alt":     input.ModifierAlt,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
}

// keyEvents translates a key name or chord such as "Control+a" into the
// CDP key events that press and release it.
func keyEvents(name string) ([]*input.DispatchKeyEventParams, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("empty key name")
	}

	parts := []string{name}
	if name != "+" && strings.Contains(name, "+") {
		parts = strings.Split(name, "+")
	}

	var mods input.Modifier
	for _, p := range parts[:len(parts)-1] {
		m, ok := modifierKeys[strings.ToLower(strings.TrimSpace(p))]
		if !ok {
			return nil, fmt.Errorf("unknown modifier %q in %q", p, name)
		}
		mods |= m
	}

	last := strings.TrimSpace(parts[len(parts)-1])
	key, ok := namedKeys[strings.ToLower(last)]
	if !ok {
		if utf8.RuneCountInString(last) != 1 {
			return nil, fmt.Errorf("unknown key %q", last)
		}
		key = last
	}
	r, _ := utf8.DecodeRuneInString(key)

	events := kb.Encode(r)
	if mods == 0 {
		return events, nil
	}

	// With a command modifier held, the char event would insert text.
	textSuppressed := mods&(input.ModifierCtrl|input.ModifierAlt|input.ModifierMeta) != 0
	out := make([]*input.DispatchKeyEventParams, 0, len(events))
	for _, ev := range events {
		if textSuppressed && ev.Type == input.KeyChar {
			continue
		}
		ev.Modifiers = mods
		out = append(out, ev)
	}
	return out, nil
}
