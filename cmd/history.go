// File: cmd/history.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/formprobe/internal/config"
)

func newHistoryCmd(provider storeProvider) *cobra.Command {
	var limit int

	historyCmd := &cobra.Command{
		Use:   "history <url>",
		Short: "Show recorded verdicts for a URL",
		Long:  `Lists the most recent stored results for a URL. Requires database.url.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runHistory(ctx, cfg, provider, args[0], limit, cmd.OutOrStdout())
		},
	}

	historyCmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of entries")
	return historyCmd
}

func runHistory(ctx context.Context, cfg config.Interface, provider storeProvider, url string, limit int, out io.Writer) error {
	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	entries, err := st.History(ctx, url, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(out, "No recorded results for %s\n", url)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tROW\tRESULT\tOVERALL\tNOTES")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.StartedAt.UTC().Format(time.RFC3339), e.RunID, e.Index, e.Result, e.Overall, e.Notes)
	}
	return tw.Flush()
}
