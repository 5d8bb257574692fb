// File: cmd/watch.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/formprobe/internal/observability"
)

const (
	msgRowStarted  = "Row started"
	msgRowFinished = "Row finished"
)

func newWatchCmd() *cobra.Command {
	var all, fromStart bool

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow row progress of a running batch from the log file",
		Long: `Tails the JSON log file written by 'formprobe run' and prints one line per row
start and finish. Use --all to print every log entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			path := observability.LogFile()
			if path == "" {
				path = cfg.Logger().LogFile
			}
			if path == "" {
				return errors.New("file logging is disabled (logger.log_file)")
			}
			return followLog(ctx, path, fromStart, all, cmd.OutOrStdout())
		},
	}

	watchCmd.Flags().BoolVar(&all, "all", false, "Print every log entry, not only row progress")
	watchCmd.Flags().BoolVar(&fromStart, "from-start", false, "Replay the existing file before following it")
	return watchCmd
}

// followLog prints formatted lines until ctx is done. The file may not exist yet
// and may be rotated underneath.
func followLog(ctx context.Context, path string, fromStart, all bool, out io.Writer) error {
	tc := tail.Config{
		Follow: true,
		ReOpen: true,
		Logger: tail.DiscardingLogger,
	}
	if !fromStart {
		tc.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}

	t, err := tail.TailFile(path, tc)
	if err != nil {
		return fmt.Errorf("failed to follow %s: %w", path, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			if s, ok := formatLogLine(line.Text, all); ok {
				fmt.Fprintln(out, s)
			}
		}
	}
}

// logEntry holds the fields of the JSON file encoder that watch prints.
type logEntry struct {
	Time     string  `json:"ts"`
	Level    string  `json:"level"`
	Msg      string  `json:"msg"`
	Row      int     `json:"row"`
	URL      string  `json:"url"`
	Result   string  `json:"result"`
	Overall  string  `json:"overall"`
	Duration float64 `json:"duration"`
}

// formatLogLine renders one log line. Row progress always prints; other
// entries only with all. Lines that are not JSON are skipped.
func formatLogLine(text string, all bool) (string, bool) {
	var e logEntry
	if err := jsoniter.UnmarshalFromString(text, &e); err != nil || e.Msg == "" {
		return "", false
	}
	switch e.Msg {
	case msgRowStarted:
		return fmt.Sprintf("Row %d -> %s", e.Row, e.URL), true
	case msgRowFinished:
		s := fmt.Sprintf("Row %d <- %s  %s", e.Row, e.URL, e.Result)
		if e.Overall != "" {
			s += " (overall " + e.Overall + ")"
		}
		d := time.Duration(e.Duration * float64(time.Second)).Round(time.Millisecond)
		return s + " in " + d.String(), true
	}
	if !all {
		return "", false
	}
	return fmt.Sprintf("%s %-5s %s", e.Time, e.Level, e.Msg), true
}
