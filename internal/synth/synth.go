// Package synth produces the synthetic values typed into a contact form.
//
// Every value is a pure function of the field name, a counter (the input row
// number) and the clock, so two runs over the same sheet type the same data
// apart from the email timestamp.
package synth

import (
	"fmt"
	"strings"
	"time"
)

// Marker tags identity-bearing values so test submissions can be filtered
// out downstream in the CRM.
const Marker = "TESTTEST"

const (
	// Phone is the fixed phone number used for every submission.
	Phone = "999-999-9999"
	// Company is the fixed company name used for every submission.
	Company = "Broadridge"
	// Comment is the fixed free text used for comment and message fields.
	Comment = "This is an automated test submission. Please ignore."

	emailDomain     = "broadridge.com"
	timestampLayout = "20060102150405"
)

// category maps a field-name substring to a value template.
type category struct {
	keys  []string
	value func(n int, now time.Time) string
}

// categories is ordered; the first category with a matching key wins.
var categories = []category{
	{keys: []string{"first"}, value: func(n int, _ time.Time) string { return fmt.Sprintf("First%d_%s", n, Marker) }},
	{keys: []string{"last"}, value: func(n int, _ time.Time) string { return fmt.Sprintf("Last%d_%s", n, Marker) }},
	{keys: []string{"email"}, value: func(n int, now time.Time) string {
		return fmt.Sprintf("autotest%d_%s_%s@%s", n, now.Format(timestampLayout), Marker, emailDomain)
	}},
	{keys: []string{"phone"}, value: func(int, time.Time) string { return Phone }},
	{keys: []string{"job"}, value: func(n int, _ time.Time) string { return fmt.Sprintf("Job%d_%s", n, Marker) }},
	{keys: []string{"company"}, value: func(int, time.Time) string { return Company }},
	{keys: []string{"comment", "message"}, value: func(int, time.Time) string { return Comment }},
}

func fallback(n int) string { return fmt.Sprintf("Field%d_%s", n, Marker) }

// Generator produces field values. The zero value uses the wall clock.
type Generator struct {
	// Now is the clock used for email uniqueness. Nil means time.Now.
	Now func() time.Time
}

// New returns a Generator using the wall clock.
func New() *Generator {
	return &Generator{Now: time.Now}
}

// Value returns the synthetic value for field at the given counter.
// Field names are matched case-insensitively by substring.
func (g *Generator) Value(field string, counter int) string {
	name := strings.ToLower(field)
	for _, c := range categories {
		for _, k := range c.keys {
			if strings.Contains(name, k) {
				return c.value(counter, g.now())
			}
		}
	}
	return fallback(counter)
}

func (g *Generator) now() time.Time {
	if g == nil || g.Now == nil {
		return time.Now()
	}
	return g.Now()
}
