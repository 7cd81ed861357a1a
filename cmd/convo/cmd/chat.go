package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/comigor/convo-go/internal/api"
	"github.com/comigor/convo-go/internal/logger"
	"github.com/comigor/convo-go/internal/outbox"
	"github.com/comigor/convo-go/internal/session"
)

var chatCmd = &cobra.Command{
	Use:   "chat <me> <peer>",
	Short: "Open a live conversation with another user",
	Long: `Open the conversation between <me> and <peer>: prints the latest page of
history, then every new message as it arrives. Lines typed on stdin are sent.

Commands:
  /pending      list messages that were not delivered yet
  /retry <id>   resend a failed message
  /quit         leave the conversation`,
	Args: cobra.ExactArgs(2),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// transcript serializes writes coming from the input loop and the live feed.
type transcript struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *transcript) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, args...)
}

func (t *transcript) entry(e session.Entry) {
	who := e.SenderUsername
	if e.Mine {
		who = "me"
	}
	stamp := "--:--"
	if e.SendingTime != nil {
		stamp = e.SendingTime.Local().Format("15:04")
	}
	t.printf("[%s] %s: %s\n", stamp, who, e.Content)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	pool, err := newPool()
	if err != nil {
		return err
	}
	journal := outbox.NewSQLiteJournal(cfg.Outbox.DBPath)
	defer journal.Close()

	out := &transcript{w: cmd.OutOrStdout()}
	opts := session.OptionsFromConfig(cfg.Session)
	opts.OnMessage = out.entry
	opts.OnSendFailed = func(e outbox.Entry) {
		out.printf("! not delivered (%s): %s\n  /retry %s\n", e.Err, e.Record.Content, e.ID)
	}

	controller := session.NewController(api.NewClient(cfg.API), pool, journal, opts)
	s, err := controller.Mount(ctx, session.Participants{Local: args[0], Remote: args[1]})
	if err != nil {
		return err
	}
	defer func() {
		controller.Unmount()
		s.Composer().Wait()
	}()

	if s.State() != session.StateSubscribed {
		out.printf("! live updates unavailable, showing history only\n")
	}
	if failed := len(s.Outgoing()); failed > 0 {
		out.printf("! %d message(s) from an earlier run were not delivered, see /pending\n", failed)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(s, out, line); done {
				return nil
			}
		}
	}
}

func handleLine(s *session.Session, out *transcript, line string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "/quit":
		return true
	case trimmed == "/pending":
		printPending(s, out)
	case strings.HasPrefix(trimmed, "/retry"):
		id := strings.TrimSpace(strings.TrimPrefix(trimmed, "/retry"))
		if err := s.Retry(id); err != nil {
			out.printf("! retry %s: %v\n", id, err)
		}
	default:
		c := s.Composer()
		c.SetDraft(line)
		if _, ok := c.Submit(); !ok {
			logger.L.Debug("ignoring blank input")
		}
	}
	return false
}

func printPending(s *session.Session, out *transcript) {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMESSAGE\tERROR")
	n := 0
	for _, e := range s.Outgoing() {
		if e.Status == outbox.StatusAcknowledged {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Status, e.Record.Content, e.Err)
		n++
	}
	w.Flush()
	if n == 0 {
		out.printf("all messages delivered\n")
		return
	}
	out.printf("%s", b.String())
}
