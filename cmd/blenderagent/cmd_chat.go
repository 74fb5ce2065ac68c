package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/agentloop"
	"github.com/martinemde/blenderagent/chat"
	"github.com/martinemde/blenderagent/sessions"
)

const chatHelp = `Commands:
  /new              start a new chat
  /sessions         list saved chats
  /switch <id>      continue a saved chat (an ID prefix is enough)
  /rename <title>   rename the current chat
  /clear            remove every message from the current chat
  /memory           show the persistent memory
  /tools            list custom tools
  /help             show this help
  /exit             quit
Press Ctrl-C while the agent is working to stop it.`

func newChatCommand(state *cliState) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat with the agent",
		Long:  "Run an interactive session. Model output streams to the terminal as it arrives.",
		Example: strings.Join([]string{
			"  blenderagent chat",
			"  blenderagent chat --session 1b9d6bcd",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, state.cfg, state.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.service.RefreshContext(ctx); err != nil {
				state.logger.Warn("could not load memory and tools from Blender", zap.Error(err))
			}
			r := &repl{svc: a.service, out: cmd.OutOrStdout(), logger: state.logger}
			return r.run(ctx, sessionID)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue the chat with this ID")
	return cmd
}

type repl struct {
	svc     *chat.Service
	out     io.Writer
	logger  *zap.Logger
	printer *streamPrinter
	current string
}

func (r *repl) run(ctx context.Context, sessionID string) error {
	manager := r.svc.Sessions()
	r.printer = newStreamPrinter(r.out)
	unwatch := manager.Watch(r.printer.update)
	defer unwatch()

	if sessionID != "" {
		if err := r.switchTo(ctx, sessionID); err != nil {
			return err
		}
	} else if err := r.newSession(ctx); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".blenderagent_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          r.out,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(r.out, "Type /help for commands.")
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "Goodbye!")
				return nil
			}
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			quit, err := r.command(ctx, input)
			if err != nil {
				fmt.Fprintf(r.out, "Error: %v\n", err)
			}
			if quit {
				fmt.Fprintln(r.out, "Goodbye!")
				return nil
			}
			continue
		}
		r.send(ctx, input)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// send runs one request. Ctrl-C stops the request without leaving the REPL.
func (r *repl) send(ctx context.Context, text string) {
	sigCtx, stop := interruptContext(ctx)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- r.svc.Send(ctx, r.current, text, nil) }()

	var err error
	select {
	case err = <-done:
	case <-sigCtx.Done():
		if ctx.Err() == nil {
			if _, stopErr := r.svc.Stop(ctx, r.current); stopErr != nil {
				r.logger.Warn("stop failed", zap.Error(stopErr))
			}
			r.printer.finish()
			fmt.Fprintln(r.out, "[stopped]")
		}
		err = <-done
	}
	r.printer.finish()
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("request failed", zap.Error(err))
	}
}

func (r *repl) command(ctx context.Context, input string) (bool, error) {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	manager := r.svc.Sessions()

	switch name {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/new":
		return false, r.newSession(ctx)
	case "/sessions":
		list, err := manager.List(ctx)
		if err != nil {
			return false, err
		}
		printSessions(r.out, list, r.current)
	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <id>")
		}
		return false, r.switchTo(ctx, arg)
	case "/rename":
		if arg == "" {
			return false, errors.New("usage: /rename <title>")
		}
		return false, manager.Rename(ctx, r.current, arg)
	case "/clear":
		if err := manager.Clear(ctx, r.current); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "Chat cleared.")
	case "/memory":
		if err := r.svc.RefreshContext(ctx); err != nil {
			return false, err
		}
		memory := r.svc.Memory()
		if strings.TrimSpace(memory) == "" {
			memory = "(empty)"
		}
		fmt.Fprintln(r.out, memory)
	case "/tools":
		if err := r.svc.RefreshContext(ctx); err != nil {
			return false, err
		}
		printTools(r.out, r.svc.CustomTools())
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (r *repl) newSession(ctx context.Context) error {
	cs, err := r.svc.Sessions().Create(ctx)
	if err != nil {
		return err
	}
	r.setCurrent(cs.ID)
	fmt.Fprintf(r.out, "New chat %s\n", shortID(cs.ID))
	return nil
}

func (r *repl) switchTo(ctx context.Context, prefix string) error {
	manager := r.svc.Sessions()
	list, err := manager.List(ctx)
	if err != nil {
		return err
	}
	id, err := matchSession(list, prefix)
	if err != nil {
		return err
	}
	cs, err := manager.Get(ctx, id)
	if err != nil {
		return err
	}
	r.setCurrent(cs.ID)
	fmt.Fprintf(r.out, "Switched to %q\n", cs.Title)
	for _, msg := range cs.Messages {
		printMessage(r.out, msg)
	}
	return nil
}

func (r *repl) setCurrent(id string) {
	r.current = id
	r.printer.follow(id)
}

// matchSession resolves an ID or a unique ID prefix.
func matchSession(list []sessions.ChatSession, prefix string) (string, error) {
	var matches []string
	for _, cs := range list {
		if cs.ID == prefix {
			return cs.ID, nil
		}
		if strings.HasPrefix(cs.ID, prefix) {
			matches = append(matches, cs.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no chat matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d chats", prefix, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printSessions(w io.Writer, list []sessions.ChatSession, current string) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No saved chats.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tTITLE\tMESSAGES\tUPDATED")
	for _, cs := range list {
		marker := ""
		if cs.ID == current {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", marker, shortID(cs.ID), cs.Title, len(cs.Messages), cs.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

func printTools(w io.Writer, tools []agentloop.CustomTool) {
	if len(tools) == 0 {
		fmt.Fprintln(w, "No custom tools.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIGGER\tNAME\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", tool.Trigger, tool.Name, tool.Description)
	}
	_ = tw.Flush()
}

func printMessage(w io.Writer, msg agentloop.Message) {
	switch {
	case msg.Role == agentloop.RoleUser:
		fmt.Fprintf(w, "you> %s\n", msg.Text)
	case msg.IsError:
		fmt.Fprintf(w, "agent! %s\n", msg.Text)
	default:
		fmt.Fprintf(w, "agent> %s\n", msg.Text)
		printLinks(w, msg.Links)
	}
}

func printLinks(w io.Writer, links []agentloop.GroundingLink) {
	for _, link := range links {
		title := link.Title
		if title == "" {
			title = link.URI
		}
		fmt.Fprintf(w, "  [%s] %s\n", title, link.URI)
	}
}

// streamPrinter writes the growing model message of the followed session
// as deltas.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	session string
	active  string
	printed int
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{out: out}
}

func (p *streamPrinter) follow(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = sessionID
	p.active = ""
	p.printed = 0
}

func (p *streamPrinter) update(u sessions.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.SessionID != p.session || u.Message.Role != agentloop.RoleModel {
		return
	}
	msg := u.Message

	if msg.IsError {
		p.endLocked()
		fmt.Fprintf(p.out, "agent! %s\n", msg.Text)
		return
	}
	if msg.ID != p.active {
		p.endLocked()
		p.active = msg.ID
		p.printed = 0
		fmt.Fprint(p.out, "agent> ")
	}
	if len(msg.Text) > p.printed {
		fmt.Fprint(p.out, msg.Text[p.printed:])
		p.printed = len(msg.Text)
	}
	if !msg.IsStreaming {
		fmt.Fprintln(p.out)
		printLinks(p.out, msg.Links)
		p.active = ""
		p.printed = 0
	}
}

// finish ends a line left open by a stopped request.
func (p *streamPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLocked()
}

func (p *streamPrinter) endLocked() {
	if p.active != "" {
		fmt.Fprintln(p.out)
		p.active = ""
		p.printed = 0
	}
}
