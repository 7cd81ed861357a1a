package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/comigor/convo-go/internal/api"
	"github.com/comigor/convo-go/internal/message"
	"github.com/comigor/convo-go/internal/recent"
)

var (
	recentWatch  bool
	recentSearch string
)

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recent conversations",
	Long: `List the most recent conversations, newest first.

Examples:
  convo recent                    # latest conversations
  convo recent --search piano     # filter on full name or bio
  convo recent --watch            # keep the list updated until Ctrl-C`,
	Args: cobra.NoArgs,
	RunE: runRecent,
}

func init() {
	rootCmd.AddCommand(recentCmd)

	recentCmd.Flags().BoolVarP(&recentWatch, "watch", "w", false, "follow live updates")
	recentCmd.Flags().StringVarP(&recentSearch, "search", "s", "", "case-insensitive filter on full name and bio")
}

func runRecent(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	pool, err := newPool()
	if err != nil {
		return err
	}

	out := &transcript{w: cmd.OutOrStdout()}
	var list *recent.List
	list = recent.NewList(api.NewClient(cfg.API), pool, cfg.API.Timeout, func([]message.RecentChat) {
		if recentWatch && list != nil {
			printChats(out, list.Filter(recentSearch))
		}
	})

	if err := list.Load(ctx); err != nil {
		return err
	}
	if !recentWatch {
		printChats(out, list.Filter(recentSearch))
		return nil
	}

	if err := list.Start(ctx); err != nil {
		return fmt.Errorf("follow recent chats: %w", err)
	}
	defer list.Stop()

	<-ctx.Done()
	return nil
}

func printChats(out *transcript, chats []message.RecentChat) {
	out.mu.Lock()
	defer out.mu.Unlock()

	if len(chats) == 0 {
		fmt.Fprintln(out.w, "No conversations found")
		return
	}
	writeChats(out.w, chats)
}

func writeChats(w io.Writer, chats []message.RecentChat) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tNAME\tBIO")
	for _, c := range chats {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Username, c.FullName, c.Bio)
	}
	tw.Flush()
	fmt.Fprintln(w)
}
