package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirosfoundation/go-strudel-bridge/internal/bridge"
)

// command is one console verb. The Strudel* names are the editor command
// names and are accepted as aliases.
type command struct {
	names []string
	usage string
	help  string
	run   func(c *Console, ctx context.Context, arg string) bool
}

func builtinCommands() []command {
	return []command{
		{[]string{"start", "StrudelStart"}, "start", "starts strudel", (*Console).start},
		{[]string{"port", "StrudelGetPort"}, "port", "prints the port of the strudel server", (*Console).port},
		{[]string{"quit", "StrudelQuitServer"}, "quit", "quits the strudel server", (*Console).quit},
		{[]string{"open", "StrudelOpen"}, "open", "opens the strudel client in the default browser", (*Console).open},
		{[]string{"play", "StrudelPlay"}, "play", "starts playback on the strudel client", (*Console).play},
		{[]string{"pause", "StrudelPause"}, "pause", "pauses playback on the strudel client", (*Console).pause},
		{[]string{"stop", "StrudelStop"}, "stop", "stops playback on the strudel client", (*Console).stop},
		{[]string{"code", "StrudelUpdateCode"}, "code <file>", "updates the code strudel is executing from a file", (*Console).code},
		{[]string{"eval"}, "eval <code>", "updates the code strudel is executing", (*Console).eval},
		{[]string{"help", "?"}, "help", "lists commands", (*Console).help},
		{[]string{"exit"}, "exit", "stops the server and leaves the console", (*Console).exit},
	}
}

// Console reads one command per line and drives a Host, printing short
// status lines.
type Console struct {
	host     *Host
	in       io.Reader
	out      io.Writer
	readFile func(string) ([]byte, error)
	commands []command
}

// NewConsole creates a console over in and out
func NewConsole(host *Host, in io.Reader, out io.Writer) *Console {
	return &Console{
		host:     host,
		in:       in,
		out:      out,
		readFile: os.ReadFile,
		commands: builtinCommands(),
	}
}

// Run executes commands until exit or end of input. Either way the exit hook
// runs, so a running server is stopped.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if !c.Execute(ctx, scanner.Text()) {
			return nil
		}
	}

	c.host.Exit(ctx)
	return scanner.Err()
}

// Execute runs one line and reports whether the console should continue
func (c *Console) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	for _, cmd := range c.commands {
		for _, n := range cmd.names {
			if n == name {
				return cmd.run(c, ctx, arg)
			}
		}
	}

	c.printf("unknown command: %s (try help)", name)
	return true
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *Console) start(_ context.Context, _ string) bool {
	switch err := c.host.Start(); {
	case errors.Is(err, ErrAlreadyRunning):
		c.printf("strudel already running")
	case err != nil:
		c.printf("failed to start strudel: %v", err)
	}
	return true
}

func (c *Console) port(ctx context.Context, _ string) bool {
	port, err := c.host.Port(ctx)
	if err != nil {
		c.printf("couldn't get port")
		return true
	}
	c.printf("%d", port)
	return true
}

func (c *Console) quit(ctx context.Context, _ string) bool {
	if err := c.host.QuitServer(ctx); err != nil {
		c.printf("failed to quit server")
	}
	return true
}

func (c *Console) open(ctx context.Context, _ string) bool {
	switch err := c.host.Open(ctx); {
	case errors.Is(err, ErrNotRunning), errors.Is(err, bridge.ErrServerStopped):
		c.printf("strudel server rx dropped")
	case err != nil:
		c.printf("couldn't open browser: %v", err)
	}
	return true
}

func (c *Console) play(context.Context, string) bool {
	c.host.Play()
	return true
}

func (c *Console) pause(context.Context, string) bool {
	c.host.Pause()
	return true
}

func (c *Console) stop(context.Context, string) bool {
	c.host.Stop()
	return true
}

func (c *Console) code(_ context.Context, path string) bool {
	if path == "" {
		c.printf("usage: code <file>")
		return true
	}
	data, err := c.readFile(path)
	if err != nil {
		c.printf("couldn't get the current buffer")
		return true
	}
	c.host.UpdateCode(string(data))
	return true
}

func (c *Console) eval(_ context.Context, source string) bool {
	if source == "" {
		c.printf("usage: eval <code>")
		return true
	}
	c.host.UpdateCode(source)
	return true
}

func (c *Console) help(context.Context, string) bool {
	for _, cmd := range c.commands {
		c.printf("  %-12s %s", cmd.usage, cmd.help)
	}
	return true
}

func (c *Console) exit(ctx context.Context, _ string) bool {
	c.host.Exit(ctx)
	return false
}
