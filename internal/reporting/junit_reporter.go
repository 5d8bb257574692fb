// internal/reporting/junit_reporter.go
package reporting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/formprobe/internal/reconcile"
	"github.com/xkilldash9x/formprobe/internal/results"
)

// SuiteName names the JUnit test suite.
const SuiteName = "formprobe"

// JUnitReporter buffers rows and renders them as one JUnit XML document on
// Close, so CI systems can show each URL as a test case.
type JUnitReporter struct {
	writer      io.WriteCloser
	toolVersion string
	now         func() time.Time

	mu     sync.Mutex
	rows   []results.Row
	closed bool
}

// NewJUnitReporter creates a reporter writing to w.
func NewJUnitReporter(w io.WriteCloser, toolVersion string) *JUnitReporter {
	return &JUnitReporter{writer: w, toolVersion: toolVersion, now: time.Now}
}

// Write buffers a row.
func (r *JUnitReporter) Write(_ context.Context, row results.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("junit reporter is closed")
	}
	r.rows = append(r.rows, row)
	return nil
}

// Close renders the document and closes the writer.
func (r *JUnitReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	doc := r.build()
	doc.Indent(2)
	_, werr := doc.WriteTo(r.writer)
	cerr := r.writer.Close()
	if werr != nil {
		return fmt.Errorf("failed to write junit report: %w", werr)
	}
	return cerr
}

func (r *JUnitReporter) build() *etree.Document {
	rows := make([]results.Row, len(r.rows))
	copy(rows, r.rows)
	results.SortByIndex(rows)
	sum := results.Summarize(rows)

	var total time.Duration
	for _, row := range rows {
		total += row.Duration
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	suites := doc.CreateElement("testsuites")
	suites.CreateAttr("name", SuiteName)
	setCounts(suites, sum, total)

	suite := suites.CreateElement("testsuite")
	suite.CreateAttr("name", SuiteName)
	setCounts(suite, sum, total)
	suite.CreateAttr("timestamp", r.now().UTC().Format(time.RFC3339))

	props := suite.CreateElement("properties")
	prop := props.CreateElement("property")
	prop.CreateAttr("name", "version")
	prop.CreateAttr("value", r.toolVersion)

	for i := range rows {
		addTestCase(suite, &rows[i])
	}
	return doc
}

func setCounts(el *etree.Element, sum results.Summary, total time.Duration) {
	el.CreateAttr("tests", strconv.Itoa(sum.Total))
	el.CreateAttr("failures", strconv.Itoa(sum.Fail))
	el.CreateAttr("errors", strconv.Itoa(sum.Error))
	el.CreateAttr("time", seconds(total))
}

func addTestCase(suite *etree.Element, row *results.Row) {
	tc := suite.CreateElement("testcase")
	tc.CreateAttr("name", fmt.Sprintf("row %d: %s", row.Index, row.URL))
	tc.CreateAttr("classname", SuiteName+".form")
	tc.CreateAttr("time", seconds(row.Duration))

	switch row.Result {
	case reconcile.Pass:
	case reconcile.Fail:
		f := tc.CreateElement("failure")
		f.CreateAttr("type", string(row.Result))
		f.CreateAttr("message", firstClause(row.Notes))
		f.SetText(row.Notes)
	default:
		e := tc.CreateElement("error")
		e.CreateAttr("type", string(reconcile.Error))
		e.CreateAttr("message", firstClause(row.Notes))
		e.SetText(row.Notes)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Overall Result: %s\n", row.Overall)
	fmt.Fprintf(&out, "Form Source: %s\n", row.FormSource)
	fmt.Fprintf(&out, "Confirmation: %s\n", row.Confirmation)
	if row.FullURL != "" {
		fmt.Fprintf(&out, "fullURL: %s\n", row.FullURL)
	}
	for _, c := range row.ParamChecks {
		fmt.Fprintf(&out, "param %s: expected %q, recorded %q, %s\n", c.Name, c.Expected, c.Actual, c.Verdict)
	}
	tc.CreateElement("system-out").SetText(out.String())
}

// firstClause keeps the message attribute short; the full notes go in the body.
func firstClause(notes string) string {
	msg, _, _ := strings.Cut(notes, "; FormParameters=")
	return msg
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
