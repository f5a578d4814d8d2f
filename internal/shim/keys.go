// Key-name translation for send-keys, grounded on
// my-take-dev-myT-x's internal/tmux/key_table.go: a small table of the
// most common named keys plus a generic C-{letter} control-key parser as
// fallback, rather than listing every control combination by hand.
package shim

import (
	"strconv"
	"strings"

	"github.com/kild-dev/kild/internal/config"
)

// symbolicKeys maps tmux's named keys to the byte sequence a VT100
// terminal transmits for that key. Only the subset spec §4.7 names
// (Enter, Tab, C-c, C-x Escape, …) plus common cursor keys are covered;
// anything else falls through to parseControlKey and then literal text.
var symbolicKeys = map[string]string{
	"Enter":  "\r",
	"Tab":    "\t",
	"BTab":   "\x1b[Z",
	"Escape": "\x1b",
	"Space":  " ",
	"BSpace": "\x7f",
	"Up":     "\x1b[A",
	"Down":   "\x1b[B",
	"Right":  "\x1b[C",
	"Left":   "\x1b[D",
	"Home":   "\x1b[H",
	"End":    "\x1b[F",
	"PPage":  "\x1b[5~",
	"NPage":  "\x1b[6~",
	"DC":     "\x1b[3~",
	"IC":     "\x1b[2~",
}

// parseControlKey parses "C-{letter}" notation into its control byte:
// C-a = 0x01 through C-z = 0x1a, plus the five punctuation forms tmux
// recognizes. Returns ok=false for anything else, so the caller can fall
// back to treating the argument as literal text.
func parseControlKey(arg string) (byte, bool) {
	if len(arg) != 3 || arg[0] != 'C' || arg[1] != '-' {
		return 0, false
	}
	switch ch := arg[2]; {
	case ch == '@':
		return 0x00, true
	case ch == '\\':
		return 0x1c, true
	case ch == ']':
		return 0x1d, true
	case ch == '^':
		return 0x1e, true
	case ch == '_':
		return 0x1f, true
	case ch >= 'a' && ch <= 'z':
		return ch - 'a' + 1, true
	case ch >= 'A' && ch <= 'Z':
		return ch - 'A' + 1, true
	default:
		return 0, false
	}
}

// ApplyKeyOverrides patches the named-key table with operator-supplied
// overrides (config.Config.KeyOverrides). Sequence is parsed with
// strconv.Unquote so the YAML source can write "\r", "\x1b[A", etc.
// Invalid sequences are skipped rather than failing the whole shim
// invocation over one bad override.
func ApplyKeyOverrides(overrides []config.KeyOverride) {
	for _, o := range overrides {
		seq, err := strconv.Unquote(`"` + o.Sequence + `"`)
		if err != nil {
			continue
		}
		symbolicKeys[o.Name] = seq
	}
}

// TranslateKeys expands a send-keys argument list into the raw bytes to
// write to the pane's stdin. Each argument is resolved independently, in
// order: named-key table, then C-{letter} control parsing, then literal
// text passthrough — and the results are concatenated, matching tmux's
// own send-keys semantics.
func TranslateKeys(args []string) []byte {
	var sb strings.Builder
	for _, arg := range args {
		if seq, ok := symbolicKeys[arg]; ok {
			sb.WriteString(seq)
			continue
		}
		if b, ok := parseControlKey(arg); ok {
			sb.WriteByte(b)
			continue
		}
		sb.WriteString(arg)
	}
	return []byte(sb.String())
}
