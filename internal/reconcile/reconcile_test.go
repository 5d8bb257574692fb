package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled() map[string]string {
	return map[string]string{
		"name_first":     "First2_TESTTEST",
		"name_last":      "Last2_TESTTEST",
		"email_work":     "autotest2_20250101000000_TESTTEST@broadridge.com",
		"phone_business": "999-999-9999",
		"job_title":      "Job2_TESTTEST",
		"Company":        "Broadridge",
		"country":        "US",
		"comment":        "This is an automated test submission. Please ignore.",
	}
}

func TestCompare_RoundTrip(t *testing.T) {
	c := NewComparator(DefaultThreshold)

	submitted := make(map[string]string)
	for k, v := range filled() {
		submitted[k] = "  " + v + " "
	}
	// Case differences in keys and values do not matter.
	submitted["COMPANY"] = "BROADRIDGE"
	delete(submitted, "Company")

	res := c.Compare(filled(), submitted)
	assert.Equal(t, Pass, res.Verdict)
	assert.Empty(t, res.Notes())
	assert.Equal(t, "All fields matched", res.Summary())
	assert.Equal(t, 8, res.Matched)
	assert.Equal(t, 8, res.Expected)
}

func TestCompare_AliasTolerance(t *testing.T) {
	c := NewComparator(DefaultThreshold)

	res := c.Compare(
		map[string]string{"phone_business": "999-999-9999"},
		map[string]string{"telephone": "999-999-9999"},
	)
	assert.Equal(t, Pass, res.Verdict)
	assert.Empty(t, res.Mismatches)

	// Groups are symmetric: an expected short name matches its long form.
	res = c.Compare(
		map[string]string{"email": "a@b.c", "message": "hi"},
		map[string]string{"email_work": "A@B.C", "comment": "hi"},
	)
	assert.Equal(t, 2, res.Matched)

	// An alias with the wrong value is still a mismatch.
	res = c.Compare(
		map[string]string{"name_first": "First1_TESTTEST"},
		map[string]string{"first_name": "someone else"},
	)
	assert.Equal(t, Fail, res.Verdict)
	assert.Equal(t, "name_first mismatch or missing", res.Notes())
}

func TestCompare_ThresholdLaw(t *testing.T) {
	c := NewComparator(DefaultThreshold)
	exp := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5", "f": "6"}

	tests := []struct {
		name      string
		submitted map[string]string
		want      Verdict
	}{
		{"none match", map[string]string{}, Fail},
		{"fewer than half", map[string]string{"a": "1", "b": "2"}, Fail},
		{"exactly half", map[string]string{"a": "1", "b": "2", "c": "3"}, Pass},
		{"all", exp, Pass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Compare(exp, tt.submitted).Verdict)
		})
	}
}

func TestCompare_MismatchNotes(t *testing.T) {
	c := NewComparator(DefaultThreshold)
	res := c.Compare(
		map[string]string{"name_first": "x", "name_last": "y", "job_title": "z", "comment": "c"},
		map[string]string{"name_first": "x", "name_last": "y", "job_title": "other"},
	)
	assert.Equal(t, Pass, res.Verdict, "two of four meets the threshold")
	assert.Equal(t, []string{"comment mismatch or missing", "job_title mismatch or missing"}, res.Mismatches)
	assert.Equal(t, "comment mismatch or missing; job_title mismatch or missing", res.Notes())
	assert.Equal(t, res.Notes(), res.Summary())
}

func TestCompare_EmptyExpectations(t *testing.T) {
	res := NewComparator(DefaultThreshold).Compare(nil, map[string]string{"a": "b"})
	assert.Equal(t, Fail, res.Verdict, "at least one match is always required")
	assert.Equal(t, 1, res.Required)
}

func TestRequiredMatches(t *testing.T) {
	half := NewComparator(0.5)
	assert.Equal(t, 1, half.RequiredMatches(0))
	assert.Equal(t, 1, half.RequiredMatches(1))
	assert.Equal(t, 1, half.RequiredMatches(3))
	assert.Equal(t, 4, half.RequiredMatches(8))
	assert.Equal(t, 4, half.RequiredMatches(9))

	strict := NewComparator(1)
	assert.Equal(t, 8, strict.RequiredMatches(8))

	assert.Equal(t, 4, NewComparator(0).RequiredMatches(8), "invalid thresholds fall back to the default")
	assert.Equal(t, 4, NewComparator(2).RequiredMatches(8))
}

func TestAliases(t *testing.T) {
	assert.ElementsMatch(t, []string{"phone", "phone_business", "telephone"}, Aliases("Telephone"))
	assert.Equal(t, []string{"company"}, Aliases("Company"))
	assert.Nil(t, Aliases("job_title"))
}

func TestURLsEquivalent(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"https://a.com/page/", "https://a.com/page", true},
		{"  HTTPS://A.com/Page ", "https://a.com/page/", true},
		{"https://a.com/", "https://a.com", true},
		{"https://a.com/page?x=1", "https://a.com/page", false},
		{"https://a.com/page?utm_source=X", "https://a.com/page?utm_source=x", true},
		{"https://a.com/page//", "https://a.com/page", false},
		{"https://example.com/contact?utm_source=newsletter", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, URLsEquivalent(tt.a, tt.b))
		})
	}

	assert.Equal(t, Fail, URLVerdict("https://a.com", ""))
	assert.Equal(t, Pass, URLVerdict("https://a.com/x/", "https://a.com/x"))
}

func TestNormalizeURL_Unparseable(t *testing.T) {
	assert.Equal(t, "http://[::1:bad", NormalizeURL(" http://[::1:BAD "))
}

func TestCheckURLParams(t *testing.T) {
	overall, checks := CheckURLParams(
		"https://a.com/p?utm_source=Newsletter&utm_medium=email#content_id=7",
		map[string]string{"UTM_SOURCE": " newsletter ", "utm_medium": "social"},
	)
	assert.Equal(t, Fail, overall)
	require.Len(t, checks, 3)
	assert.Equal(t, ParamCheck{Name: "content_id", Expected: "7", Actual: "", Verdict: Fail}, checks[0])
	assert.Equal(t, ParamCheck{Name: "utm_medium", Expected: "email", Actual: "social", Verdict: Fail}, checks[1])
	assert.Equal(t, Pass, checks[2].Verdict)

	overall, checks = CheckURLParams("https://a.com/p", nil)
	assert.Equal(t, Pass, overall)
	assert.Empty(t, checks)
}
