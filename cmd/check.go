// File: cmd/check.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/engine"
	"github.com/xkilldash9x/formprobe/internal/extract"
	"github.com/xkilldash9x/formprobe/internal/observability"
	"github.com/xkilldash9x/formprobe/internal/reporting"
	"github.com/xkilldash9x/formprobe/internal/results"
)

// dispatcher is the part of engine.Dispatcher the check command needs.
type dispatcher interface {
	Run(ctx context.Context, url string, names []string) (map[string]engine.Outcome, error)
}

func newCheckCmd(provider storeProvider) *cobra.Command {
	var (
		checks []string
		asJSON bool
	)

	checkCmd := &cobra.Command{
		Use:   "check <url>",
		Short: "Run the selected checks against a single URL",
		Long: `Runs each selected check against one URL concurrently, each in its own browser,
and prints a compact summary per check. Defaults to engine.checks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				v, _ := cmd.Flags().GetBool("headless")
				cfg.SetBrowserHeadless(v)
			}

			d := engine.NewDispatcher(cfg, logger, engine.DefaultRegistry(cfg, logger))
			outcomes, err := runCheck(ctx, d, args[0], checks, asJSON, cmd.OutOrStdout())
			if cfg.Database().URL != "" && len(outcomes) > 0 {
				runID, rerr := recordOutcomes(ctx, cfg, provider, args[0], outcomes, time.Now())
				if rerr != nil {
					logger.Warn("Failed to record check results.", zap.Error(rerr))
				} else if runID != "" {
					logger.Info("Recorded check results.", zap.String("run_id", runID))
				}
			}
			return err
		},
	}

	checkCmd.Flags().StringSliceVar(&checks, "checks", nil, "Checks to run (comma separated); defaults to engine.checks")
	checkCmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per check")
	checkCmd.Flags().Bool("headless", true, "Run the browser without a window")
	return checkCmd
}

// checkOutput is the --json shape of one outcome.
type checkOutput struct {
	Check      string            `json:"check"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	Record     *reporting.Record `json:"record,omitempty"`
}

// runCheck prints every outcome in check-name order. The returned error joins
// the failures of checks that produced no row.
func runCheck(ctx context.Context, d dispatcher, url string, names []string, asJSON bool, out io.Writer) (map[string]engine.Outcome, error) {
	outcomes, err := d.Run(ctx, url, names)
	if err != nil {
		return nil, err
	}

	keys := sortedChecks(outcomes)

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
	var failed error
	for _, name := range keys {
		o := outcomes[name]
		if o.Err != nil {
			failed = errors.Join(failed, fmt.Errorf("check %s: %w", name, o.Err))
		}

		if asJSON {
			co := checkOutput{Check: name, DurationMS: o.Duration.Milliseconds()}
			if o.Err != nil {
				co.Error = o.Err.Error()
			} else {
				rec := reporting.NewRecord(o.Row)
				co.Record = &rec
			}
			if err := enc.Encode(co); err != nil {
				return outcomes, fmt.Errorf("failed to encode %s outcome: %w", name, err)
			}
			continue
		}
		writeOutcome(out, name, o)
	}
	return outcomes, failed
}

func sortedChecks(outcomes map[string]engine.Outcome) []string {
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// recordOutcomes stores the rows of successful checks as one run. Rows are
// numbered by check-name order since every single URL row has index 1.
func recordOutcomes(ctx context.Context, cfg config.Interface, provider storeProvider, url string, outcomes map[string]engine.Outcome, now time.Time) (string, error) {
	var rows []results.Row
	for _, name := range sortedChecks(outcomes) {
		o := outcomes[name]
		if o.Err != nil {
			continue
		}
		row := o.Row
		row.Index = len(rows) + 1
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return "", nil
	}

	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	if _, err := st.StartRun(ctx, runID, "check "+url, now); err != nil {
		return "", err
	}
	if err := st.PersistRows(ctx, runID, rows); err != nil {
		return "", err
	}
	return runID, nil
}

// writeOutcome prints the compact single URL summary.
func writeOutcome(out io.Writer, name string, o engine.Outcome) {
	fmt.Fprintf(out, "== %s (%s)\n", name, o.Duration.Round(time.Millisecond))
	if o.Err != nil {
		fmt.Fprintf(out, "  error: %v\n", o.Err)
		return
	}
	row := o.Row
	fmt.Fprintf(out, "  Result:       %s\n", row.Result)
	fmt.Fprintf(out, "  Overall:      %s\n", row.Overall)
	fmt.Fprintf(out, "  Notes:        %s\n", row.Notes)
	fmt.Fprintf(out, "  Confirmation: %s\n", row.Confirmation)
	fmt.Fprintf(out, "  Form Source:  %s\n", row.FormSource)
	if row.FullURL != "" {
		fmt.Fprintf(out, "  fullURL:      %s\n", row.FullURL)
	}
	var params []string
	for _, p := range extract.TrackingParams() {
		if v := row.Param(p); v != "" {
			params = append(params, p+"="+v)
		}
	}
	if len(params) > 0 {
		fmt.Fprintf(out, "  Params:       %s\n", strings.Join(params, ", "))
	}
}
