package orchestrator

import (
	"strings"

	"github.com/xkilldash9x/formprobe/internal/capture"
	"github.com/xkilldash9x/formprobe/internal/formdriver"
	"github.com/xkilldash9x/formprobe/internal/reconcile"
	"github.com/xkilldash9x/formprobe/internal/results"
	"github.com/xkilldash9x/formprobe/internal/sheet"
)

// formFieldHints are the substrings that mark a captured payload as the form
// submission rather than some unrelated POST.
var formFieldHints = []string{"name_first", "name_last", "email", "phone", "company", "comment"}

// looksLikeFormPayload reports whether any key of p contains a form field hint.
func looksLikeFormPayload(p map[string]string) bool {
	for k := range p {
		key := strings.ToLower(k)
		for _, hint := range formFieldHints {
			if strings.Contains(key, hint) {
				return true
			}
		}
	}
	return false
}

// submittedPayload is the captured payload, or the DOM snapshot when the
// capture does not look like the form.
func submittedPayload(snap capture.Snapshot, att *formdriver.Attempt) map[string]string {
	if looksLikeFormPayload(snap.Payload) {
		return map[string]string(snap.Payload)
	}
	if att.DOMValues != nil {
		return att.DOMValues
	}
	return map[string]string{}
}

// attemptErrorRow is the row for an attempt the driver gave up on: the form or
// its submit button was missing. Notes carry the driver's message as is.
func attemptErrorRow(target sheet.Target, att *formdriver.Attempt, err error) results.Row {
	return results.Row{
		Index:        target.Index,
		URL:          target.URL,
		Result:       reconcile.Error,
		Filled:       att.Filled,
		Submitted:    map[string]string{},
		Notes:        err.Error(),
		Confirmation: att.Confirmation,
		FormSource:   att.Source,
		Params:       map[string]string{},
		Overall:      reconcile.URLVerdict(target.URL, ""),
	}
}

// evaluate reconciles a completed attempt with what the observer captured.
func (o *Orchestrator) evaluate(target sheet.Target, att *formdriver.Attempt, snap capture.Snapshot) results.Row {
	submitted := submittedPayload(snap, att)
	cmp := o.comparator.Compare(att.Filled, submitted)

	row := results.Row{
		Index:        target.Index,
		URL:          target.URL,
		Result:       cmp.Verdict,
		Filled:       att.Filled,
		Submitted:    submitted,
		Confirmation: att.Confirmation,
		FormSource:   att.Source,
		Params:       map[string]string{},
	}

	if snap.Response != nil {
		parsed := o.parser.Parse(snap.Response.Text)
		row.Params = parsed.Params
		row.RawResponse = snap.Response.Text
		row.HasResponse = true
		if parsed.Body != nil {
			row.FormSubmissionID = parsed.Body.FormSubmissionID
			row.FullURL = parsed.Body.FullURL
			row.PageID = parsed.Body.PageID
		}
	}

	row.Notes = results.ComposeNotes(cmp.Summary(), row.Params)
	row.Overall = reconcile.URLVerdict(target.URL, row.FullURL)
	_, row.ParamChecks = reconcile.CheckURLParams(target.URL, row.Params)
	return row
}
