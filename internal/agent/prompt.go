// internal/agent/prompt.go
package agent

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are an autonomous GUI agent. You look at a screenshot of the current screen and decide the single next action that moves toward the user's goal.

Respond with one JSON object and nothing else:
{
  "observation": "what is visible on the screen",
  "reasoning": "why this action is the right next step",
  "action": "<action name>",
  "params": { ... }
}

Coordinates are screenshot pixels with (0,0) at the top left.
If the history contains a "User reply:" line, act on that reply first and never ask the same question again.
Do not repeat the same action at the same coordinates twice in a row. If the previous step did not change the screen, try another approach.
When unsure, wait and observe.`

const webActionCatalog = `Available actions:
- goto {"url": "https://..."}
- click {"x": 100, "y": 200, "click_count": 1, "description": "what is clicked"}
- type {"text": "...", "submit": true|false}  (submit presses Enter afterwards)
- key {"key": "Enter" | "Tab" | "Escape" | "Backspace" | ...}
- scroll {"direction": "up" | "down", "amount": 300}
- wait {"seconds": 2}
- read {"target": "what was read", "result": "the value"}
- get_url {"label": "product_url"}  (later usable as {{url:product_url}} in save_file)
- save_file {"filename": "results/output.txt", "content": "...", "append": false}  (declare done right after saving)
- ask_user {"question": "what the human should do or decide"}
- run_terminal {"command": "wget https://example.com/file.pdf"}  (append & to run in the background)
- done {"result": "what was achieved"}
- fail {"reason": "why the goal cannot be reached"}`

const desktopActionCatalog = `Desktop actions:
- launch_app {"command": "evince file.pdf &"}
- click_desktop {"instruction": "the element to click"}
- type_desktop {"instruction": "the field to type into", "text": "..."}
- press_hotkey {"keys": ["ctrl", "p"]}
- print_document {"filepath": "/path/to/file.pdf"}
- switch_to_web {}`

const strategyGuide = `Strategy:
- Use the browser to find current information.
- Prefer run_terminal with wget or curl to download files rather than clicking download links.
- Prefer run_terminal with lp to print rather than a print dialog.`

// buildPrompt renders the per-step user prompt.
func buildPrompt(req DecisionRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Goal\n%q\n\n", req.Goal)
	fmt.Fprintf(&b, "## History\n%s\n\n", req.HistorySummary)
	fmt.Fprintf(&b, "## Step\n%d/%d\n", req.Step, req.Budget)
	if req.Budget > 0 && req.Step*10 >= req.Budget*7 {
		b.WriteString("Few steps remain: choose the most direct route and avoid exploration.\n")
	}
	if req.Mode != "" {
		fmt.Fprintf(&b, "Active surface: %s\n", req.Mode)
	}
	b.WriteString("\n")

	b.WriteString(webActionCatalog)
	b.WriteString("\n\n")
	if req.DesktopEnabled {
		b.WriteString(desktopActionCatalog)
		b.WriteString("\n\n")
	}
	b.WriteString(strategyGuide)
	return b.String()
}
