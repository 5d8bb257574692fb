// Package sheet reads target URLs from an xlsx workbook and writes result rows
// back into it under a fixed header.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tealeg/xlsx/v2"

	"github.com/xkilldash9x/formprobe/internal/results"
)

// ErrNoSheets is returned for a workbook without any worksheet.
var ErrNoSheets = errors.New("workbook has no sheets")

// Target is one input row: its 1-based sheet row number and URL.
type Target struct {
	Index int
	URL   string
}

// Workbook wraps a single worksheet. Writes are serialized, so it can be used
// as a result sink from several goroutines.
type Workbook struct {
	mu     sync.Mutex
	file   *xlsx.File
	sheet  *xlsx.Sheet
	urlCol int
}

// Open loads the workbook at path and selects sheetName, or the first sheet
// when sheetName is empty.
func Open(path, sheetName string) (*Workbook, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("xlsx: open %s: %w", path, err)
	}
	return fromFile(f, sheetName)
}

func fromFile(f *xlsx.File, sheetName string) (*Workbook, error) {
	s, err := selectSheet(f, sheetName)
	if err != nil {
		return nil, err
	}
	return &Workbook{file: f, sheet: s, urlCol: findURLColumn(s)}, nil
}

func selectSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		s, ok := f.Sheet[name]
		if !ok {
			return nil, fmt.Errorf("xlsx: sheet %q not found", name)
		}
		return s, nil
	}
	if len(f.Sheets) == 0 {
		return nil, ErrNoSheets
	}
	return f.Sheets[0], nil
}

// findURLColumn looks for a "URL" header; the first column is assumed otherwise.
func findURLColumn(s *xlsx.Sheet) int {
	if len(s.Rows) == 0 || s.Rows[0] == nil {
		return 0
	}
	for i, c := range s.Rows[0].Cells {
		if c != nil && strings.EqualFold(strings.TrimSpace(c.String()), results.ColURL) {
			return i
		}
	}
	return 0
}

// Targets returns every data row with a non-empty URL, in sheet order.
func (w *Workbook) Targets() []Target {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Target
	for i, row := range w.sheet.Rows {
		if i == 0 || row == nil || w.urlCol >= len(row.Cells) {
			continue
		}
		u := strings.TrimSpace(row.Cells[w.urlCol].String())
		if u == "" {
			continue
		}
		out = append(out, Target{Index: i + 1, URL: u})
	}
	return out
}

// HealHeader rewrites header cells that differ from the result schema and
// returns how many were changed.
func (w *Workbook) HealHeader() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := 0
	for col, name := range results.Columns() {
		c := cellAt(w.sheet, 0, col)
		if c.String() != name {
			c.SetString(name)
			changed++
		}
	}
	return changed
}

// WriteRow writes r at its sheet row. The header row cannot be overwritten.
func (w *Workbook) WriteRow(r *results.Row) error {
	if r.Index < 2 {
		return fmt.Errorf("xlsx: invalid row index %d", r.Index)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for col, v := range r.Values() {
		cellAt(w.sheet, r.Index-1, col).SetString(v)
	}
	return nil
}

// Write adapts WriteRow to the orchestrator's sink contract.
func (w *Workbook) Write(_ context.Context, r results.Row) error {
	return w.WriteRow(&r)
}

// Save writes the workbook to path.
func (w *Workbook) Save(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Save(path); err != nil {
		return fmt.Errorf("xlsx: save %s: %w", path, err)
	}
	return nil
}

// cellAt returns the cell at zero-based coordinates, growing the sheet as needed.
func cellAt(s *xlsx.Sheet, row, col int) *xlsx.Cell {
	for len(s.Rows) <= row {
		s.AddRow()
	}
	r := s.Rows[row]
	for len(r.Cells) <= col {
		r.AddCell()
	}
	return r.Cells[col]
}
