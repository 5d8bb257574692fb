// internal/reporting/reporter.go
package reporting

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/xkilldash9x/formprobe/internal/results"
)

// Supported report formats.
const (
	FormatJUnit = "junit"
	FormatJSONL = "jsonl"
)

// Reporter defines the interface for writing result rows to an output.
type Reporter interface {
	// Write processes a single result row.
	Write(ctx context.Context, row results.Row) error
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a new reporter based on the specified format and output path.
func New(format, outputPath, toolVersion string) (Reporter, error) {
	switch format {
	case FormatJUnit, FormatJSONL:
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	// Both reporters take ownership of the writer.
	if format == FormatJUnit {
		return NewJUnitReporter(writer, toolVersion), nil
	}
	return NewJSONLReporter(writer), nil
}
