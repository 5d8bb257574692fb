// internal/reporting/jsonl_reporter.go
package reporting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/formprobe/internal/extract"
	"github.com/xkilldash9x/formprobe/internal/reconcile"
	"github.com/xkilldash9x/formprobe/internal/results"
)

var api = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

// Record is one JSON line.
type Record struct {
	Row              int                    `json:"row"`
	URL              string                 `json:"url"`
	Result           reconcile.Verdict      `json:"result"`
	Overall          reconcile.Verdict      `json:"overall,omitempty"`
	Notes            string                 `json:"notes"`
	Confirmation     string                 `json:"confirmation,omitempty"`
	FormSource       string                 `json:"form_source,omitempty"`
	Filled           map[string]string      `json:"filled,omitempty"`
	Submitted        map[string]string      `json:"submitted,omitempty"`
	FormSubmissionID string                 `json:"form_submission_id,omitempty"`
	FullURL          string                 `json:"full_url,omitempty"`
	PageID           string                 `json:"page_id,omitempty"`
	Params           map[string]string      `json:"params"`
	ParamChecks      []reconcile.ParamCheck `json:"param_checks,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	DurationMS       int64                  `json:"duration_ms"`
}

// NewRecord flattens a row. Params always carries every tracking parameter.
func NewRecord(row results.Row) Record {
	params := make(map[string]string, len(extract.TrackingParams()))
	for _, name := range extract.TrackingParams() {
		params[name] = row.Param(name)
	}
	return Record{
		Row:              row.Index,
		URL:              row.URL,
		Result:           row.Result,
		Overall:          row.Overall,
		Notes:            row.Notes,
		Confirmation:     row.Confirmation,
		FormSource:       row.FormSource,
		Filled:           row.Filled,
		Submitted:        row.Submitted,
		FormSubmissionID: row.FormSubmissionID,
		FullURL:          row.FullURL,
		PageID:           row.PageID,
		Params:           params,
		ParamChecks:      row.ParamChecks,
		StartedAt:        row.StartedAt.UTC(),
		DurationMS:       row.Duration.Milliseconds(),
	}
}

// JSONLReporter streams one JSON object per row as rows finish.
type JSONLReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	stream *jsoniter.Stream
	closed bool
}

// NewJSONLReporter creates a reporter writing to w.
func NewJSONLReporter(w io.WriteCloser) *JSONLReporter {
	return &JSONLReporter{writer: w, stream: jsoniter.NewStream(api, w, 4096)}
}

// Write encodes the row and flushes it.
func (r *JSONLReporter) Write(_ context.Context, row results.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("jsonl reporter is closed")
	}

	r.stream.WriteVal(NewRecord(row))
	r.stream.WriteRaw("\n")
	if r.stream.Error != nil {
		err := r.stream.Error
		r.stream.Error = nil
		return fmt.Errorf("failed to encode row %d: %w", row.Index, err)
	}
	return r.stream.Flush()
}

// Close flushes and closes the writer.
func (r *JSONLReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	ferr := r.stream.Flush()
	cerr := r.writer.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
