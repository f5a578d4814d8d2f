package shim

import (
	"regexp"

	"github.com/kild-dev/kild/internal/shim/registry"
)

var formatPlaceholder = regexp.MustCompile(`#\{([a-zA-Z0-9_]+)\}`)

// formatContext is everything a format string expansion might reference
// for one pane (spec §4.7 "Format expansion").
type formatContext struct {
	hostedSessionID string
	pane            registry.PaneEntry
	window          registry.WindowEntry
}

// ExpandFormat substitutes #{placeholder} tokens against the given
// context. Unknown placeholders expand to the empty string, matching
// tmux's own lenient behavior rather than erroring.
func ExpandFormat(format string, ctx formatContext) string {
	return formatPlaceholder.ReplaceAllStringFunc(format, func(token string) string {
		name := formatPlaceholder.FindStringSubmatch(token)[1]
		switch name {
		case "pane_id":
			return ctx.pane.PaneID
		case "session_name":
			return ctx.hostedSessionID
		case "window_id":
			return ctx.window.WindowID
		case "window_name":
			return ctx.window.Name
		case "pane_title":
			return ctx.pane.Title
		default:
			return ""
		}
	})
}
