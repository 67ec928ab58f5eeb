// Package interactive provides the operator console of cmdrelayd.
package interactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/deviceid"
	"github.com/cmdrelay/cmdrelay/pkg/session"
)

// Relay is the part of the relay engine the console drives.
type Relay interface {
	NotifyEnqueued(cmd command.Command)
	Sessions(ctx context.Context) ([]session.Session, error)
}

// Console handles interactive mode for cmdrelayd.
type Console struct {
	store command.Store
	relay Relay
	rl    *readline.Instance
	out   io.Writer
	now   func() time.Time
}

// New creates a readline-backed console.
func New(store command.Store, relay Relay) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "relay> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(store, relay, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(store command.Store, relay Relay, out io.Writer) *Console {
	return &Console{store: store, relay: relay, out: out, now: time.Now}
}

// Stdout returns a writer that coordinates with the readline prompt.
// Use it for log output while the console runs.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run reads commands until quit, EOF or ctx is done, then calls cancel.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()
	for {
		if ctx.Err() != nil {
			return
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if c.Execute(ctx, line) {
			cancel()
			return
		}
	}
}

// Execute runs one command line. It returns true when the console
// should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "enqueue", "e":
		c.cmdEnqueue(ctx, line)
	case "list", "ls":
		c.cmdList(ctx, args)
	case "show":
		c.cmdShow(ctx, args)
	case "sessions", "s":
		c.cmdSessions(ctx)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Relay Commands:
  enqueue <device> <action> [json]  - Queue a command (payload is a JSON object)
  list [device] [state]             - List commands, newest first
  show <command-id>                 - Show one command
  sessions                          - List connected devices
  help                              - Show this help
  quit                              - Exit the relay`)
}

// cmdEnqueue handles "enqueue <device> <action> [json]". The payload is
// the rest of the line and may contain spaces.
func (c *Console) cmdEnqueue(ctx context.Context, line string) {
	parts := splitN(line, 4)
	if len(parts) < 3 {
		fmt.Fprintln(c.out, "Usage: enqueue <device> <action> [json]")
		return
	}

	var payload map[string]any
	if len(parts) == 4 {
		if err := json.Unmarshal([]byte(parts[3]), &payload); err != nil {
			fmt.Fprintf(c.out, "Invalid payload: %v\n", err)
			return
		}
	}

	cmd, err := command.New(parts[1], parts[2], payload, c.now())
	if err != nil {
		fmt.Fprintf(c.out, "Invalid command: %v\n", err)
		return
	}
	if err := c.store.Create(ctx, cmd); err != nil {
		fmt.Fprintf(c.out, "Enqueue failed: %v\n", err)
		return
	}
	c.relay.NotifyEnqueued(cmd)
	fmt.Fprintf(c.out, "Queued %s for %s\n", cmd.ID, cmd.DeviceID)
}

func (c *Console) cmdList(ctx context.Context, args []string) {
	var f command.Filter
	for _, arg := range args {
		if s := command.State(strings.ToLower(arg)); s.Valid() {
			f.State = s
			continue
		}
		id, err := deviceid.Normalize(arg)
		if err != nil {
			fmt.Fprintf(c.out, "Invalid device: %v\n", err)
			return
		}
		f.DeviceID = id
	}

	cmds, err := c.store.List(ctx, f)
	if err != nil {
		fmt.Fprintf(c.out, "List failed: %v\n", err)
		return
	}
	if len(cmds) == 0 {
		fmt.Fprintln(c.out, "No commands")
		return
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEVICE\tACTION\tSTATE\tCREATED")
	for _, cmd := range cmds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			cmd.ID, cmd.DeviceID, cmd.Action, cmd.State, cmd.CreatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func (c *Console) cmdShow(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: show <command-id>")
		return
	}
	cmd, err := c.store.Get(ctx, args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Show failed: %v\n", err)
		return
	}
	data, err := json.MarshalIndent(cmd, "", "  ")
	if err != nil {
		fmt.Fprintf(c.out, "Show failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, string(data))
}

func (c *Console) cmdSessions(ctx context.Context) {
	sessions, err := c.relay.Sessions(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Sessions failed: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No devices connected")
		return
	}

	fmt.Fprintf(c.out, "Connected sessions (%d):\n", len(sessions))
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tCONNECTION\tJOINED\tLAST SEEN")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.DeviceID, s.ConnectionID,
			s.JoinedAt.Local().Format(time.TimeOnly), s.LastSeen.Local().Format(time.TimeOnly))
	}
	_ = tw.Flush()
}

// splitN splits line into at most n whitespace-separated parts. The last
// part keeps the rest of the line.
func splitN(line string, n int) []string {
	var parts []string
	rest := strings.TrimSpace(line)
	for rest != "" && len(parts) < n-1 {
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			break
		}
		parts = append(parts, rest[:i])
		rest = strings.TrimSpace(rest[i:])
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}
