package shim

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kild-dev/kild/internal/config"
	"github.com/kild-dev/kild/internal/proto"
	"github.com/kild-dev/kild/internal/shim/registry"
)

// Env is the environment contract of spec §4.7: the variables the shim
// reads to locate its registry and talk to the daemon.
type Env struct {
	HostedSessionID string // KILD_SHIM_SESSION
	SocketPath      string
	RuntimeDir      string // <root>/shim
	DialTimeout     time.Duration

	// ConfigPath, if set, is loaded for key-table overrides and the
	// default environment template (internal/config).
	ConfigPath string
}

// Run parses argv (excluding the program name) and executes the matching
// tmux subcommand, writing tmux-compatible output to stdout/stderr. It
// returns the process exit code, following tmux's own convention: 0 for
// success, non-zero for argument errors or operation failures.
func Run(env Env, args []string, stdout, stderr io.Writer) int {
	if env.HostedSessionID == "" {
		fmt.Fprintln(stderr, "kild tmux shim: KILD_SHIM_SESSION is not set")
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, "kild tmux shim: missing subcommand")
		return 1
	}

	reg, err := registry.Open(env.RuntimeDir, env.HostedSessionID)
	if err != nil {
		fmt.Fprintf(stderr, "kild tmux shim: %v\n", err)
		return 1
	}

	client, err := Dial(env.SocketPath, env.DialTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "kild tmux shim: %v\n", err)
		return 1
	}
	defer client.Close()

	d := &dispatcher{env: env, reg: reg, client: client, stdout: stdout, stderr: stderr}
	d.loadConfigOnce()

	sub, rest := args[0], args[1:]
	switch sub {
	case "new-session":
		return d.newSession(rest)
	case "new-window":
		return d.newWindow(rest)
	case "split-window":
		return d.splitWindow(rest)
	case "send-keys":
		return d.sendKeys(rest)
	case "kill-pane":
		return d.killPane(rest)
	case "list-panes":
		return d.listPanes(rest)
	case "list-windows":
		return d.listWindows(rest)
	case "display-message":
		return d.displayMessage(rest)
	case "select-pane":
		return d.selectPane(rest)
	case "set-option":
		return d.setOption(rest)
	case "has-session":
		return d.hasSession(rest)
	case "break-pane":
		return d.breakPane(rest)
	case "join-pane":
		return d.joinPane(rest)
	case "capture-pane":
		return d.capturePane(rest)
	case "select-layout", "resize-pane":
		return 0 // no-op: meaningless without a real terminal multiplexer
	case "-V", "version":
		fmt.Fprintln(stdout, "tmux 3.3a (kild-shim)")
		return 0
	default:
		fmt.Fprintf(stderr, "kild tmux shim: unsupported subcommand %q\n", sub)
		return 1
	}
}

type dispatcher struct {
	env    Env
	reg    *registry.Registry
	client *Client
	stdout io.Writer
	stderr io.Writer
	cfg    config.Config
}

// envTemplateOnce and envTemplate cache the immutable portion of a
// spawned pane's environment for the lifetime of this process (spec
// §4.8 "Environment caching"): config.Load + EnvList only run once even
// if a single shim invocation ends up creating more than one pane.
var (
	envTemplateOnce sync.Once
	envTemplate     []string
)

func (d *dispatcher) loadConfigOnce() {
	if d.env.ConfigPath == "" {
		return
	}
	cfg, err := config.Load(d.env.ConfigPath)
	if err != nil {
		// A bad config file should not break an otherwise-working shim
		// invocation; fall back to built-in defaults and proceed.
		fmt.Fprintf(d.stderr, "kild tmux shim: ignoring config %s: %v\n", d.env.ConfigPath, err)
		return
	}
	d.cfg = cfg
	ApplyKeyOverrides(cfg.KeyOverrides)
	envTemplateOnce.Do(func() {
		envTemplate = cfg.EnvList()
	})
}

func (d *dispatcher) fail(format string, a ...any) int {
	fmt.Fprintf(d.stderr, "kild tmux shim: "+format+"\n", a...)
	return 1
}

// flagArgs is a hand-rolled parser for tmux's mixed flag/positional
// argument style (spec §4.7: "a generic flag library's conventions would
// misparse real tmux invocations"). It recognizes -t/-h/-v/-d/-p/-x/-y/-l
// style value-taking and boolean flags per call site, leaving the
// remainder as positionals.
type flagArgs struct {
	values     map[string]string
	bools      map[string]bool
	positional []string
}

func parseFlags(args []string, valueFlags, boolFlags map[string]bool) (*flagArgs, error) {
	fa := &flagArgs{values: make(map[string]string), bools: make(map[string]bool)}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "-") && a != "-" {
			if valueFlags[a] {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("flag %s requires a value", a)
				}
				fa.values[a] = args[i+1]
				i++
				continue
			}
			if boolFlags[a] {
				fa.bools[a] = true
				continue
			}
			return nil, fmt.Errorf("unknown flag %s", a)
		}
		fa.positional = append(fa.positional, a)
	}
	return fa, nil
}

func (d *dispatcher) newSession(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-s": true, "-c": true}, map[string]bool{"-d": true})
	if err != nil {
		return d.fail("new-session: %v", err)
	}
	command := strings.Join(fa.positional, " ")
	if command == "" {
		command = "/bin/sh"
	}
	return d.createPaneAndSession(fa.values["-c"], command, "")
}

func (d *dispatcher) newWindow(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-c": true, "-n": true}, map[string]bool{"-d": true})
	if err != nil {
		return d.fail("new-window: %v", err)
	}
	command := strings.Join(fa.positional, " ")
	if command == "" {
		command = "/bin/sh"
	}
	return d.createPaneAndSession(fa.values["-c"], command, fa.values["-n"])
}

func (d *dispatcher) splitWindow(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-c": true, "-t": true}, map[string]bool{"-h": true, "-v": true, "-d": true})
	if err != nil {
		return d.fail("split-window: %v", err)
	}
	command := strings.Join(fa.positional, " ")
	if command == "" {
		command = "/bin/sh"
	}
	return d.createPaneAndSession(fa.values["-c"], command, "")
}

// createPaneAndSession is the shared core of new-session/new-window/
// split-window: each ultimately creates one daemon session backing one
// new pane (spec §3 PaneEntry "one-to-one" relationship).
func (d *dispatcher) createPaneAndSession(cwd, command, windowName string) int {
	sessionID, err := d.client.CreateSession(proto.CreateSessionRequest{
		Label:   d.env.HostedSessionID,
		Command: []string{"/bin/sh", "-lc", command},
		Cwd:     cwd,
		Env:     envListToMap(envTemplate),
		Cols:    80,
		Rows:    24,
	})
	if err != nil {
		return d.fail("create backing session: %v", err)
	}

	var paneID string
	werr := d.reg.WithWriteLock(func(st *registry.State) error {
		windowID := "@0"
		if _, ok := st.Windows[windowID]; !ok {
			st.Windows[windowID] = registry.WindowEntry{WindowID: windowID, Name: windowName}
		}
		paneID = st.AllocatePaneID()
		st.Panes[paneID] = registry.PaneEntry{
			PaneID:    paneID,
			SessionID: sessionID,
			WindowID:  windowID,
		}
		return nil
	})
	if werr != nil {
		_ = d.client.DestroySession(sessionID, true)
		return d.fail("update registry: %v", werr)
	}

	fmt.Fprintln(d.stdout, paneID)
	return 0
}

func (d *dispatcher) sendKeys(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-t": true}, map[string]bool{"-l": true})
	if err != nil {
		return d.fail("send-keys: %v", err)
	}
	paneID := fa.values["-t"]
	if paneID == "" {
		return d.fail("send-keys: missing -t pane id")
	}

	var sessionID string
	rerr := d.reg.WithReadLock(func(st *registry.State) error {
		pane, ok := st.Panes[paneID]
		if !ok {
			return fmt.Errorf("unknown pane %s", paneID)
		}
		sessionID = pane.SessionID
		return nil
	})
	if rerr != nil {
		return d.fail("%v", rerr)
	}

	payload := TranslateKeys(fa.positional)
	if err := d.client.WriteStdin(sessionID, payload); err != nil {
		return d.fail("write keys: %v", err)
	}
	return 0
}

func (d *dispatcher) killPane(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-t": true}, nil)
	if err != nil {
		return d.fail("kill-pane: %v", err)
	}
	paneID := fa.values["-t"]
	if paneID == "" && len(fa.positional) > 0 {
		paneID = fa.positional[0]
	}
	if paneID == "" {
		return d.fail("kill-pane: missing -t pane id")
	}

	var sessionID string
	werr := d.reg.WithWriteLock(func(st *registry.State) error {
		pane, ok := st.Panes[paneID]
		if !ok {
			return fmt.Errorf("unknown pane %s", paneID)
		}
		sessionID = pane.SessionID
		delete(st.Panes, paneID)
		return nil
	})
	if werr != nil {
		return d.fail("%v", werr)
	}
	if err := d.client.DestroySession(sessionID, false); err != nil {
		return d.fail("destroy backing session: %v", err)
	}
	return 0
}

func (d *dispatcher) listPanes(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-F": true}, map[string]bool{"-a": true})
	if err != nil {
		return d.fail("list-panes: %v", err)
	}
	format := fa.values["-F"]
	if format == "" {
		format = "#{pane_id}"
	}
	err = d.reg.WithReadLock(func(st *registry.State) error {
		for _, id := range st.SortedPaneIDs() {
			pane := st.Panes[id]
			window := st.Windows[pane.WindowID]
			fmt.Fprintln(d.stdout, ExpandFormat(format, formatContext{
				hostedSessionID: d.env.HostedSessionID, pane: pane, window: window,
			}))
		}
		return nil
	})
	return d.okOrFail("list-panes")(err)
}

func (d *dispatcher) listWindows(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-F": true}, nil)
	if err != nil {
		return d.fail("list-windows: %v", err)
	}
	format := fa.values["-F"]
	if format == "" {
		format = "#{window_id}"
	}
	err = d.reg.WithReadLock(func(st *registry.State) error {
		for _, w := range st.Windows {
			fmt.Fprintln(d.stdout, ExpandFormat(format, formatContext{
				hostedSessionID: d.env.HostedSessionID, window: w,
			}))
		}
		return nil
	})
	return d.okOrFail("list-windows")(err)
}

func (d *dispatcher) displayMessage(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-t": true, "-p": true}, nil)
	if err != nil {
		return d.fail("display-message: %v", err)
	}
	format := strings.Join(fa.positional, " ")
	if format == "" {
		format = "#{session_name}"
	}
	paneID := fa.values["-t"]

	var out string
	rerr := d.reg.WithReadLock(func(st *registry.State) error {
		var pane registry.PaneEntry
		if paneID != "" {
			p, ok := st.Panes[paneID]
			if !ok {
				return fmt.Errorf("unknown pane %s", paneID)
			}
			pane = p
		}
		window := st.Windows[pane.WindowID]
		out = ExpandFormat(format, formatContext{hostedSessionID: d.env.HostedSessionID, pane: pane, window: window})
		return nil
	})
	if rerr != nil {
		return d.fail("%v", rerr)
	}
	fmt.Fprintln(d.stdout, out)
	return 0
}

func (d *dispatcher) selectPane(args []string) int {
	_, err := parseFlags(args, map[string]bool{"-t": true}, nil)
	if err != nil {
		return d.fail("select-pane: %v", err)
	}
	return 0
}

func (d *dispatcher) setOption(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-t": true}, nil)
	if err != nil {
		return d.fail("set-option: %v", err)
	}
	if len(fa.positional) < 2 {
		return d.fail("set-option: expected <name> <value>")
	}
	name, value := fa.positional[0], fa.positional[1]
	werr := d.reg.WithWriteLock(func(st *registry.State) error {
		st.Options[name] = value
		return nil
	})
	return d.okOrFail("set-option")(werr)
}

func (d *dispatcher) hasSession(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-t": true}, nil)
	if err != nil {
		return d.fail("has-session: %v", err)
	}
	_ = fa
	var found bool
	_ = d.reg.WithReadLock(func(st *registry.State) error {
		found = len(st.Panes) > 0
		return nil
	})
	if !found {
		return 1
	}
	return 0
}

func (d *dispatcher) breakPane(args []string) int {
	return d.selectPane(args) // no registry-visible effect in a single flat window model
}

func (d *dispatcher) joinPane(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-s": true, "-t": true}, nil)
	if err != nil {
		return d.fail("join-pane: %v", err)
	}
	_ = fa
	return 0
}

func (d *dispatcher) capturePane(args []string) int {
	fa, err := parseFlags(args, map[string]bool{"-t": true, "-S": true}, map[string]bool{"-p": true})
	if err != nil {
		return d.fail("capture-pane: %v", err)
	}
	paneID := fa.values["-t"]
	if paneID == "" {
		return d.fail("capture-pane: missing -t pane id")
	}

	var sessionID string
	rerr := d.reg.WithReadLock(func(st *registry.State) error {
		pane, ok := st.Panes[paneID]
		if !ok {
			return fmt.Errorf("unknown pane %s", paneID)
		}
		sessionID = pane.SessionID
		return nil
	})
	if rerr != nil {
		return d.fail("%v", rerr)
	}

	out, err := d.client.CapturePane(sessionID, 200*time.Millisecond)
	if err != nil {
		return d.fail("capture-pane: %v", err)
	}

	lines := strings.Split(string(out), "\n")
	if lim := fa.values["-S"]; lim != "" {
		n, perr := strconv.Atoi(strings.TrimPrefix(lim, "-"))
		if perr == nil && n > 0 && n < len(lines) {
			lines = lines[len(lines)-n:]
		}
	}
	fmt.Fprint(d.stdout, strings.Join(lines, "\n"))
	return 0
}

// envListToMap adapts the cached NAME=VALUE env template back to the
// map shape CreateSessionRequest expects.
func envListToMap(list []string) map[string]string {
	if len(list) == 0 {
		return nil
	}
	m := make(map[string]string, len(list))
	for _, kv := range list {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			m[kv[:idx]] = kv[idx+1:]
		}
	}
	return m
}

// okOrFail adapts a registry operation's error into the shim's exit-code
// convention, so call sites that only care about success/failure don't
// repeat the same three lines.
func (d *dispatcher) okOrFail(op string) func(error) int {
	return func(err error) int {
		if err != nil {
			return d.fail("%s: %v", op, err)
		}
		return 0
	}
}
