// Package reconcile compares what was typed into a form with what the page
// actually submitted, and the target URL with the URL the backend echoed.
package reconcile

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
)

// Verdict is the outcome of a check.
type Verdict string

const (
	Pass  Verdict = "PASS"
	Fail  Verdict = "FAIL"
	Error Verdict = "ERROR"
)

// DefaultThreshold is the fraction of expected fields that must match.
const DefaultThreshold = 0.5

// allMatched is the note written when every expected field matched.
const allMatched = "All fields matched"

// aliasGroups lists field names that mean the same thing across form builds.
var aliasGroups = [][]string{
	{"phone", "phone_business", "telephone"},
	{"email", "email_work"},
	{"first_name", "name_first"},
	{"last_name", "name_last"},
	{"comment", "message"},
	{"company"},
}

// aliasIndex maps every alias to the names in its group.
var aliasIndex = func() map[string][]string {
	idx := make(map[string][]string)
	for _, g := range aliasGroups {
		for _, name := range g {
			idx[name] = g
		}
	}
	return idx
}()

// Aliases returns the alias group for a field name, or nil. Lookup is case-insensitive.
func Aliases(field string) []string {
	g := aliasIndex[strings.ToLower(field)]
	if g == nil {
		return nil
	}
	out := make([]string, len(g))
	copy(out, g)
	return out
}

// FieldComparison is the result of comparing filled values against a submitted payload.
type FieldComparison struct {
	Verdict    Verdict
	Expected   int
	Matched    int
	Required   int
	Mismatches []string
}

// Notes joins the mismatch messages with "; ". It is empty when everything matched.
func (c FieldComparison) Notes() string {
	return strings.Join(c.Mismatches, "; ")
}

// Summary is Notes, or a fixed message when there is nothing to report.
func (c FieldComparison) Summary() string {
	if len(c.Mismatches) == 0 {
		return allMatched
	}
	return c.Notes()
}

// Comparator compares filled fields with submitted ones.
type Comparator struct {
	threshold float64
}

// NewComparator returns a Comparator. Thresholds outside (0, 1] fall back to DefaultThreshold.
func NewComparator(threshold float64) *Comparator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Comparator{threshold: threshold}
}

// RequiredMatches is max(1, floor(n * threshold)).
func (c *Comparator) RequiredMatches(n int) int {
	r := int(math.Floor(float64(n) * c.threshold))
	if r < 1 {
		return 1
	}
	return r
}

// Compare checks each expected key against the submitted payload, directly or
// through its alias group. Keys are compared lower-cased and values trimmed and
// lower-cased. Mismatches are reported in sorted key order.
func (c *Comparator) Compare(expected, submitted map[string]string) FieldComparison {
	exp := normalize(expected)
	sub := normalize(submitted)

	keys := make([]string, 0, len(exp))
	for k := range exp {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := FieldComparison{Expected: len(exp), Required: c.RequiredMatches(len(exp))}
	for _, k := range keys {
		if matches(k, exp[k], sub) {
			res.Matched++
			continue
		}
		res.Mismatches = append(res.Mismatches, fmt.Sprintf("%s mismatch or missing", k))
	}

	res.Verdict = Fail
	if res.Matched >= res.Required {
		res.Verdict = Pass
	}
	return res
}

func matches(key, want string, sub map[string]string) bool {
	if got, ok := sub[key]; ok && got == want {
		return true
	}
	for _, alias := range Aliases(key) {
		if got, ok := sub[alias]; ok && got == want {
			return true
		}
	}
	return false
}

func normalize(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

// NormalizeURL trims whitespace, drops a single trailing slash from the path
// and lower-cases the whole string. Unparseable input is only trimmed and lower-cased.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil {
		return strings.ToLower(s)
	}
	if strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
		if u.RawPath != "" {
			u.RawPath = strings.TrimSuffix(u.RawPath, "/")
		}
	}
	return strings.ToLower(u.String())
}

// URLsEquivalent compares the target URL with the URL the backend echoed.
// An empty echo never matches a non-empty target.
func URLsEquivalent(target, echoed string) bool {
	return NormalizeURL(target) == NormalizeURL(echoed)
}

// URLVerdict is PASS when the URLs are equivalent and FAIL otherwise.
func URLVerdict(target, echoed string) Verdict {
	if URLsEquivalent(target, echoed) {
		return Pass
	}
	return Fail
}

// ParamCheck is the per-parameter audit of the target URL's query against
// what the backend recorded.
type ParamCheck struct {
	Name     string  `json:"name"`
	Expected string  `json:"expected"`
	Actual   string  `json:"actual"`
	Verdict  Verdict `json:"verdict"`
}

// CheckURLParams compares every query parameter of target against recorded,
// ignoring case and surrounding whitespace. Fragment pairs count as query pairs.
// The overall verdict is PASS when all checks pass, including when there are none.
func CheckURLParams(target string, recorded map[string]string) (Verdict, []ParamCheck) {
	var query string
	if _, q, ok := strings.Cut(target, "?"); ok {
		query = strings.ReplaceAll(q, "#", "&")
	}
	values, _ := url.ParseQuery(query)

	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	rec := make(map[string]string, len(recorded))
	for k, v := range recorded {
		rec[strings.ToLower(k)] = v
	}

	overall := Pass
	checks := make([]ParamCheck, 0, len(names))
	for _, name := range names {
		want := ""
		if vs := values[name]; len(vs) > 0 {
			want = vs[0]
		}
		got, ok := rec[strings.ToLower(name)]
		v := Fail
		if ok && strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)) {
			v = Pass
		}
		if v == Fail {
			overall = Fail
		}
		checks = append(checks, ParamCheck{Name: name, Expected: want, Actual: got, Verdict: v})
	}
	return overall, checks
}
