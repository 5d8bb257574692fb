// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/observability"
)

// resetLogger lets the next pre-run hook initialize the global logger again.
func resetLogger(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}

// probeCommand captures the config the root hook stores in the context.
func probeCommand(got **config.Config) *cobra.Command {
	return &cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			*got = cfg
			return err
		},
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "check", "history", "watch", "version"}, names)
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, Version+"\n", out.String())
}

func TestRootCommand_LoadsConfigIntoContext(t *testing.T) {
	resetLogger(t)
	t.Setenv("FORMPROBE_IO_OUTPUT_PATH", "from-env.xlsx")
	path := writeConfigFile(t, `
logger:
  level: error
  log_file: ""
io:
  input_path: sheet.xlsx
reconcile:
  match_threshold: 0.75
`)

	var got *config.Config
	root := NewRootCommand()
	root.AddCommand(probeCommand(&got))
	root.SetArgs([]string{"probe", "--config", path})

	require.NoError(t, root.ExecuteContext(context.Background()))
	require.NotNil(t, got)
	assert.Equal(t, "sheet.xlsx", got.IO().InputPath)
	assert.Equal(t, "from-env.xlsx", got.IO().OutputPath)
	assert.Equal(t, 0.75, got.Reconcile().MatchThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, "form-processor", got.Form().EndpointSubstring)
}

func TestRootCommand_InvalidConfig(t *testing.T) {
	resetLogger(t)
	path := writeConfigFile(t, `
logger:
  log_file: ""
reconcile:
  match_threshold: 2
`)

	var got *config.Config
	root := NewRootCommand()
	root.AddCommand(probeCommand(&got))
	root.SetArgs([]string{"probe", "--config", path})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load or validate config")
	assert.Nil(t, got)
}

func TestRootCommand_MissingExplicitConfigFile(t *testing.T) {
	resetLogger(t)

	var got *config.Config
	root := NewRootCommand()
	root.AddCommand(probeCommand(&got))
	root.SetArgs([]string{"probe", "--config", filepath.Join(t.TempDir(), "nope.yaml")})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize configuration")
}

func TestGetConfigFromContext_Missing(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)
}

func TestApplyRunFlagOverrides(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		check   func(t *testing.T, cfg *config.Config)
		wantErr string
	}{
		{
			name: "No flags keeps config",
			args: nil,
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "input.xlsx", cfg.IO().InputPath)
				assert.True(t, cfg.Browser().Headless)
			},
		},
		{
			name: "Paths, sheet and headed mode",
			args: []string{"-i", "in.xlsx", "-o", "out.xlsx", "--sheet", "Targets", "--headless=false"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "in.xlsx", cfg.IO().InputPath)
				assert.Equal(t, "out.xlsx", cfg.IO().OutputPath)
				assert.Equal(t, "Targets", cfg.IO().SheetName)
				assert.False(t, cfg.Browser().Headless)
			},
		},
		{
			name: "Threshold and report",
			args: []string{"--threshold", "0.8", "--report-format", "jsonl", "--report-path", "stdout"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 0.8, cfg.Reconcile().MatchThreshold)
				assert.Equal(t, config.ReportConfig{Format: "jsonl", Path: "stdout"}, cfg.Report())
			},
		},
		{
			name:    "Threshold out of range",
			args:    []string{"--threshold", "1.5"},
			wantErr: "match_threshold",
		},
		{
			name:    "Report format without path",
			args:    []string{"--report-format", "junit"},
			wantErr: "path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newRunCmd(nil)
			require.NoError(t, c.ParseFlags(tt.args))
			cfg := config.NewDefaultConfig()

			err := applyRunFlagOverrides(c, cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestRunBatch_MissingInput(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.SetIOInputPath(filepath.Join(t.TempDir(), "missing.xlsx"))

	var out bytes.Buffer
	err := runBatch(context.Background(), zaptest.NewLogger(t), cfg, nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open input workbook")
	assert.Empty(t, out.String())
}

func TestRunBatch_EmptyWorkbook(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.xlsx")
	f := xlsx.NewFile()
	s, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	s.AddRow().AddCell().SetString("URL")
	require.NoError(t, f.Save(input))

	cfg := config.NewDefaultConfig()
	cfg.SetIOInputPath(input)
	cfg.SetIOOutputPath(filepath.Join(dir, "output.xlsx"))
	cfg.SetReport(config.ReportConfig{Format: "jsonl", Path: filepath.Join(dir, "report.jsonl")})

	var out bytes.Buffer
	// No targets means no browser is ever launched.
	require.NoError(t, runBatch(context.Background(), zaptest.NewLogger(t), cfg, nil, &out))
	assert.Contains(t, out.String(), "Rows: 0  PASS: 0  FAIL: 0  ERROR: 0")

	saved, err := xlsx.OpenFile(cfg.IO().OutputPath)
	require.NoError(t, err)
	header := saved.Sheets[0].Rows[0]
	assert.Equal(t, "URL", header.Cells[0].String())
	assert.Equal(t, "Overall Result", header.Cells[len(header.Cells)-1].String())

	_, err = os.Stat(filepath.Join(dir, "report.jsonl"))
	assert.NoError(t, err)
}
