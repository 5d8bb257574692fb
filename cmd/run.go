// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/formdriver"
	"github.com/xkilldash9x/formprobe/internal/observability"
	"github.com/xkilldash9x/formprobe/internal/orchestrator"
	"github.com/xkilldash9x/formprobe/internal/reconcile"
	"github.com/xkilldash9x/formprobe/internal/reporting"
	"github.com/xkilldash9x/formprobe/internal/results"
	"github.com/xkilldash9x/formprobe/internal/sheet"
	"github.com/xkilldash9x/formprobe/internal/synth"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(provider storeProvider) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Verify every URL in the input workbook",
		Long: `Reads target URLs from the input workbook, fills and submits the contact form
on each page, and writes one result row per URL to the output workbook.
Rows run one at a time, each in a fresh browser context.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := applyRunFlagOverrides(cmd, cfg); err != nil {
				return err
			}
			return runBatch(ctx, logger, cfg, provider, cmd.OutOrStdout())
		},
	}

	runCmd.Flags().StringP("input", "i", "", "Input workbook (overrides io.input_path)")
	runCmd.Flags().StringP("output", "o", "", "Output workbook (overrides io.output_path)")
	runCmd.Flags().String("sheet", "", "Worksheet name; the first sheet when unset")
	runCmd.Flags().Bool("headless", true, "Run the browser without a window")
	runCmd.Flags().Float64("threshold", 0, "Minimum fraction of filled fields that must match (0, 1]")
	runCmd.Flags().String("report-format", "", "Also write a report: 'junit' or 'jsonl'")
	runCmd.Flags().String("report-path", "", "Report destination; 'stdout' prints it")

	return runCmd
}

// applyRunFlagOverrides copies explicitly set flags into cfg and re-validates it.
func applyRunFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("input") {
		v, _ := flags.GetString("input")
		cfg.SetIOInputPath(v)
	}
	if flags.Changed("output") {
		v, _ := flags.GetString("output")
		cfg.SetIOOutputPath(v)
	}
	if flags.Changed("sheet") {
		v, _ := flags.GetString("sheet")
		cfg.SetIOSheetName(v)
	}
	if flags.Changed("headless") {
		v, _ := flags.GetBool("headless")
		cfg.SetBrowserHeadless(v)
	}
	if flags.Changed("threshold") {
		v, _ := flags.GetFloat64("threshold")
		cfg.SetReconcileMatchThreshold(v)
	}
	if flags.Changed("report-format") || flags.Changed("report-path") {
		r := cfg.Report()
		if flags.Changed("report-format") {
			r.Format, _ = flags.GetString("report-format")
		}
		if flags.Changed("report-path") {
			r.Path, _ = flags.GetString("report-path")
		}
		cfg.SetReport(r)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// runBatch drives the whole workbook and saves it, including after an
// interrupted run, so finished rows are never lost.
func runBatch(ctx context.Context, logger *zap.Logger, cfg config.Interface, provider storeProvider, out io.Writer) error {
	ioCfg := cfg.IO()
	wb, err := sheet.Open(ioCfg.InputPath, ioCfg.SheetName)
	if err != nil {
		return fmt.Errorf("failed to open input workbook: %w", err)
	}
	if healed := wb.HealHeader(); healed > 0 {
		logger.Info("Healed output header.", zap.Int("columns", healed))
	}
	targets := wb.Targets()
	logger.Info("Loaded targets.", zap.String("input", ioCfg.InputPath), zap.Int("rows", len(targets)))

	sinks := []orchestrator.Sink{wb}

	if rc := cfg.Report(); rc.Format != "" {
		reporter, err := reporting.New(rc.Format, rc.Path, Version)
		if err != nil {
			return fmt.Errorf("failed to create reporter: %w", err)
		}
		defer func() {
			if err := reporter.Close(); err != nil {
				logger.Error("Failed to finalize report.", zap.Error(err))
			}
		}()
		sinks = append(sinks, reporter)
	}

	if cfg.Database().URL != "" {
		st, cleanup, err := provider.Create(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		if cleanup != nil {
			defer cleanup()
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return err
		}
		runSink, err := st.StartRun(ctx, uuid.NewString(), ioCfg.InputPath, time.Now())
		if err != nil {
			return err
		}
		logger.Info("Recording results.", zap.String("run_id", runSink.RunID()))
		sinks = append(sinks, runSink)
	}

	mgr := browser.NewManager(ctx, cfg, logger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := mgr.Shutdown(sctx); err != nil {
			logger.Warn("Browser shutdown failed.", zap.Error(err))
		}
	}()

	driver := formdriver.New(cfg.Form(), cfg.Auth(), synth.New(), logger)
	orch, err := orchestrator.New(cfg, logger, orchestrator.FromManager(mgr), driver, orchestrator.WithSinks(sinks...))
	if err != nil {
		return err
	}

	rows, runErr := orch.Run(ctx, targets)

	if err := wb.Save(ioCfg.OutputPath); err != nil {
		return errors.Join(runErr, fmt.Errorf("failed to save output workbook: %w", err))
	}
	logger.Info("Saved output workbook.", zap.String("output", ioCfg.OutputPath))

	printSummary(out, results.Summarize(rows), ioCfg.OutputPath)
	return runErr
}

func printSummary(out io.Writer, s results.Summary, outputPath string) {
	fmt.Fprintf(out, "Rows: %d  PASS: %d  FAIL: %d  ERROR: %d\n", s.Total, s.Pass, s.Fail, s.Error)
	fmt.Fprintf(out, "Overall (URL echo): PASS %d  FAIL %d\n", s.Overall[reconcile.Pass], s.Overall[reconcile.Fail])
	fmt.Fprintf(out, "Results saved to %s\n", outputPath)
}
