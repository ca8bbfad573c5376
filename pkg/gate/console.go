package gate

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

// Console is an interactive approver on the terminal. It announces new
// requests and accepts commands to list, approve and reject them.
type Console struct {
	c        *Controller
	approver string
	output   io.Writer
}

// NewConsole returns a console deciding as approver.
func NewConsole(c *Controller, approver string) *Console {
	return &Console{c: c, approver: approver, output: os.Stdout}
}

// Run reads commands until ctx is done, EOF or quit.
func (d *Console) Run(ctx context.Context) error {
	completer := readline.NewPrefixCompleter()
	for _, cmd := range []string{"list", "approve", "reject", "whoami", "help", "quit"} {
		completer.Children = append(completer.Children, readline.PcItem(cmd))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gantry[gates]> ",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()
	d.output = rl.Stdout()

	d.c.Subscribe(func(r Request) {
		fmt.Fprintf(d.output, "\napproval requested [%s]: %s\n  approve %s | reject %s\n", r.ID, r.Message, r.ID, r.ID)
		rl.Refresh()
	})
	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if quit := d.Handle(line); quit {
			return nil
		}
	}
}

// Handle executes one command line and reports whether it was quit.
func (d *Console) Handle(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	switch parts[0] {
	case "list", "ls", "l":
		d.list()
	case "approve", "a":
		d.decide(parts, d.c.Approve, "approved")
	case "reject", "r":
		d.decide(parts, d.c.Reject, "rejected")
	case "whoami":
		fmt.Fprintln(d.output, d.approver)
	case "help", "?":
		fmt.Fprintln(d.output, "commands: list | approve <id|#> [comment] | reject <id|#> [comment] | whoami | quit")
	case "quit", "q":
		return true
	default:
		fmt.Fprintf(d.output, "Unknown command: %q. Type 'help' for available commands.\n", parts[0])
	}
	return false
}

func (d *Console) list() {
	pending := d.c.Pending()
	if len(pending) == 0 {
		fmt.Fprintln(d.output, "no pending approvals")
		return
	}
	for i, r := range pending {
		who := "anyone"
		if len(r.Submitters) > 0 {
			who = strings.Join(r.Submitters, ", ")
		}
		fmt.Fprintf(d.output, "  #%d %s: %s (approvers: %s)\n", i+1, r.ID, r.Message, who)
	}
}

func (d *Console) decide(parts []string, fn func(id, approver, comment string) error, outcome string) {
	if len(parts) < 2 {
		fmt.Fprintf(d.output, "usage: %s <id|#> [comment]\n", parts[0])
		return
	}
	id := parts[1]
	if n, err := strconv.Atoi(strings.TrimPrefix(id, "#")); err == nil {
		pending := d.c.Pending()
		if n < 1 || n > len(pending) {
			fmt.Fprintf(d.output, "no pending approval #%d\n", n)
			return
		}
		id = pending[n-1].ID
	}
	if err := fn(id, d.approver, strings.Join(parts[2:], " ")); err != nil {
		fmt.Fprintf(d.output, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(d.output, "%s %s\n", id, outcome)
}
