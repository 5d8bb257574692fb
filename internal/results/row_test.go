package results

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/formprobe/internal/reconcile"
)

func TestColumns(t *testing.T) {
	cols := Columns()
	require.Len(t, cols, 20)
	assert.Equal(t, ColURL, cols[0])
	assert.Equal(t, ColRawResponse, cols[10])
	assert.Equal(t, "utm_medium", cols[11])
	assert.Equal(t, "sub_source", cols[18])
	assert.Equal(t, ColOverall, cols[19])
}

func TestRow_Values(t *testing.T) {
	r := Row{
		Index:            2,
		URL:              "https://example.com/contact?utm_source=newsletter",
		Result:           reconcile.Pass,
		Filled:           map[string]string{"name_last": "Last2_TESTTEST", "name_first": "First2_TESTTEST"},
		Submitted:        map[string]string{"name_first": "First2_TESTTEST"},
		Notes:            "All fields matched",
		Confirmation:     "Thank you!",
		FormSource:       SourceModal,
		FormSubmissionID: "abc",
		FullURL:          "https://example.com/contact?utm_source=newsletter",
		PageID:           "7",
		RawResponse:      "ok <b>",
		HasResponse:      true,
		Params:           map[string]string{"utm_source": "newsletter"},
		Overall:          reconcile.Pass,
	}

	vals := r.Values()
	require.Len(t, vals, len(Columns()))
	assert.Equal(t, "PASS", vals[1])
	assert.Equal(t, `{"name_first":"First2_TESTTEST","name_last":"Last2_TESTTEST"}`, vals[2], "keys are sorted")
	assert.Equal(t, `{"name_first":"First2_TESTTEST"}`, vals[3])
	assert.Equal(t, "modal", vals[6])
	assert.Equal(t, `{"raw_text":"ok <b>"}`, vals[10])
	assert.Equal(t, "", vals[11], "missing params render empty")
	assert.Equal(t, "newsletter", vals[12])
	assert.Equal(t, "PASS", vals[19])
}

func TestErrorRow(t *testing.T) {
	r := ErrorRow(5, "https://a.com", errors.New("navigation failed"))
	vals := r.Values()

	assert.Equal(t, "https://a.com", vals[0])
	assert.Equal(t, "ERROR", vals[1])
	assert.Equal(t, "navigation failed", vals[4])
	assert.Empty(t, vals[2], "diagnostic fields stay empty")
	assert.Empty(t, vals[10])
	assert.Empty(t, vals[19], "overall is not computed")
}

func TestRawResponseJSON_EmptyText(t *testing.T) {
	r := Row{HasResponse: true}
	assert.Equal(t, `{"raw_text":""}`, r.RawResponseJSON())
}

func TestComposeNotes(t *testing.T) {
	got := ComposeNotes("All fields matched", map[string]string{"utm_source": "newsletter", "content_id": "123", "ignored": "x"})
	want := `All fields matched; FormParameters={"utm_medium":"","utm_source":"newsletter","utm_campaign":"","utm_term":"","utm_content":"","content_id":"123","campaign_id":"","sub_source":""}`
	assert.Equal(t, want, got)
}

func TestSummarize(t *testing.T) {
	rows := []Row{
		{Index: 4, Result: reconcile.Fail, Overall: reconcile.Fail},
		{Index: 2, Result: reconcile.Pass, Overall: reconcile.Pass},
		{Index: 3, Result: reconcile.Error},
	}
	s := Summarize(rows)
	assert.Equal(t, Summary{Total: 3, Pass: 1, Fail: 1, Error: 1, Overall: map[reconcile.Verdict]int{reconcile.Pass: 1, reconcile.Fail: 1}}, s)

	SortByIndex(rows)
	assert.Equal(t, []int{2, 3, 4}, []int{rows[0].Index, rows[1].Index, rows[2].Index})
}
