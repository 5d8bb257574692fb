// Package results defines the Result Row written for every input URL and its
// fixed spreadsheet layout.
package results

import (
	"fmt"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/formprobe/internal/extract"
	"github.com/xkilldash9x/formprobe/internal/reconcile"
)

// Form discovery sources.
const (
	SourceBottom = "bottom"
	SourceModal  = "modal"
	SourceNone   = "none"
)

// Column headers that are not tracking parameters.
const (
	ColURL          = "URL"
	ColResult       = "Result"
	ColFilled       = "Filled Fields"
	ColPayload      = "Captured Payload"
	ColNotes        = "Notes"
	ColConfirmation = "Confirmation"
	ColFormSource   = "Form Source"
	ColSubmissionID = "FormSubmissionId"
	ColFullURL      = "fullURL"
	ColPageID       = "page_id"
	ColRawResponse  = "Raw JSON Response"
	ColOverall      = "Overall Result"
)

var leadingColumns = []string{
	ColURL, ColResult, ColFilled, ColPayload, ColNotes, ColConfirmation,
	ColFormSource, ColSubmissionID, ColFullURL, ColPageID, ColRawResponse,
}

// api sorts map keys so serialized maps are stable across runs.
var api = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

// Columns returns the output header row in order.
func Columns() []string {
	cols := make([]string, 0, len(leadingColumns)+9)
	cols = append(cols, leadingColumns...)
	cols = append(cols, extract.TrackingParams()...)
	return append(cols, ColOverall)
}

// Row is the outcome of one attempt. It is built once and not changed after
// it has been written.
type Row struct {
	// Index is the 1-based sheet row the URL came from.
	Index int
	URL   string

	Result       reconcile.Verdict
	Filled       map[string]string
	Submitted    map[string]string
	Notes        string
	Confirmation string
	FormSource   string

	FormSubmissionID string
	FullURL          string
	PageID           string
	// RawResponse is the endpoint response text; HasResponse distinguishes "" from absent.
	RawResponse string
	HasResponse bool

	// Params holds the tracking parameters; missing names render as "".
	Params map[string]string
	// Overall compares the target URL with the echoed fullURL. Empty when the
	// row failed before it could be computed.
	Overall reconcile.Verdict

	// ParamChecks audits each query parameter of URL against Params.
	ParamChecks []reconcile.ParamCheck

	StartedAt time.Time
	Duration  time.Duration
}

// ErrorRow is the row written when an attempt fails unexpectedly. Only the
// URL, verdict and notes are populated.
func ErrorRow(index int, url string, err error) Row {
	return Row{
		Index:  index,
		URL:    url,
		Result: reconcile.Error,
		Notes:  err.Error(),
	}
}

// Param returns a tracking parameter value or "".
func (r *Row) Param(name string) string {
	return r.Params[name]
}

// Values renders the row in Columns order.
func (r *Row) Values() []string {
	vals := []string{
		r.URL,
		string(r.Result),
		encodeMap(r.Filled),
		encodeMap(r.Submitted),
		r.Notes,
		r.Confirmation,
		r.FormSource,
		r.FormSubmissionID,
		r.FullURL,
		r.PageID,
		r.RawResponseJSON(),
	}
	for _, p := range extract.TrackingParams() {
		vals = append(vals, r.Param(p))
	}
	return append(vals, string(r.Overall))
}

// RawResponseJSON wraps the response text as {"raw_text": ...}, or "" when none was captured.
func (r *Row) RawResponseJSON() string {
	if !r.HasResponse {
		return ""
	}
	s, err := api.MarshalToString(map[string]string{"raw_text": r.RawResponse})
	if err != nil {
		return ""
	}
	return s
}

// ParamsJSON renders every tracking parameter in canonical order, defaulting to "".
func ParamsJSON(params map[string]string) string {
	stream := api.BorrowStream(nil)
	defer api.ReturnStream(stream)

	stream.WriteObjectStart()
	for i, name := range extract.TrackingParams() {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(name)
		stream.WriteString(params[name])
	}
	stream.WriteObjectEnd()
	return string(stream.Buffer())
}

// ComposeNotes appends the tracking parameters to a comparison summary.
func ComposeNotes(summary string, params map[string]string) string {
	return fmt.Sprintf("%s; FormParameters=%s", summary, ParamsJSON(params))
}

// encodeMap serializes m with sorted keys. A nil map renders as "".
func encodeMap(m map[string]string) string {
	if m == nil {
		return ""
	}
	s, err := api.MarshalToString(m)
	if err != nil {
		return ""
	}
	return s
}

// Summary counts verdicts across a batch.
type Summary struct {
	Total   int
	Pass    int
	Fail    int
	Error   int
	Overall map[reconcile.Verdict]int
}

// Summarize tallies rows.
func Summarize(rows []Row) Summary {
	s := Summary{Total: len(rows), Overall: make(map[reconcile.Verdict]int)}
	for _, r := range rows {
		switch r.Result {
		case reconcile.Pass:
			s.Pass++
		case reconcile.Fail:
			s.Fail++
		default:
			s.Error++
		}
		if r.Overall != "" {
			s.Overall[r.Overall]++
		}
	}
	return s
}

// SortByIndex orders rows by their sheet position.
func SortByIndex(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Index < rows[j].Index })
}
