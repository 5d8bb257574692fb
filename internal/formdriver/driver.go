// Package formdriver locates the contact form on a page, fills it with
// synthetic data, submits it and reads the confirmation message.
package formdriver

import (
	"context"
	_ "embed" // JS assets
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/results"
	"github.com/xkilldash9x/formprobe/internal/synth"
)

// Attempt-level failures. Their messages are written to the Notes column as is.
var (
	ErrFormNotFound  = errors.New("No form found")
	ErrSubmitMissing = errors.New("No submit button")
)

const (
	// NoConfirmation is the confirmation recorded when no form was found.
	NoConfirmation = "No Thank You"
	// DropdownUnknown is recorded when the chosen option has no data-value.
	DropdownUnknown = "Unknown"
	// DropdownNotSelected is recorded when the dropdown could not be operated.
	DropdownNotSelected = "Not selected"
)

//go:embed js_scripts/dom_snapshot.js
var domSnapshotScript string

//go:embed js_scripts/dropdown_options.js
var dropdownOptionsScript string

// Page is the slice of browser automation the driver needs.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Count(ctx context.Context, selector string) (int, error)
	Click(ctx context.Context, selector string, timeout time.Duration) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, value string, timeout time.Duration) error
	Text(ctx context.Context, selector string) (string, error)
	Evaluate(ctx context.Context, expression string, res interface{}) error
	ScrollToBottom(ctx context.Context) error
}

// Attempt is what the driver did on the page.
type Attempt struct {
	// Source is where the form was found: bottom, modal or none.
	Source string
	// Filled maps field names to the values typed into them.
	Filled map[string]string
	// DOMValues is a read of the form controls after filling; it stands in for
	// the submitted payload when no POST was captured.
	DOMValues    map[string]string
	Confirmation string
}

// Driver runs the fill-and-submit protocol. It holds no per-page state and can
// be shared between rows.
type Driver struct {
	form   config.FormConfig
	auth   config.AuthConfig
	gen    *synth.Generator
	logger *zap.Logger

	pick  func(n int) int
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Driver.
type Option func(*Driver)

// WithPicker replaces the uniform random choice of dropdown option.
func WithPicker(pick func(n int) int) Option {
	return func(d *Driver) { d.pick = pick }
}

// WithSleep replaces the fixed waits, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) { d.sleep = sleep }
}

// New creates a Driver.
func New(form config.FormConfig, auth config.AuthConfig, gen *synth.Generator, logger *zap.Logger, opts ...Option) *Driver {
	d := &Driver{
		form:   form,
		auth:   auth,
		gen:    gen,
		logger: logger.Named("formdriver"),
		pick:   rand.IntN,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives one attempt against target. counter feeds the synthetic data.
//
// ErrFormNotFound and ErrSubmitMissing come back together with a partial
// Attempt. Any other error means the attempt could not be evaluated at all.
func (d *Driver) Run(ctx context.Context, page Page, target string, counter int) (*Attempt, error) {
	log := d.logger.With(zap.Int("row", counter))

	if err := page.Navigate(ctx, ApplyDevAuth(target, d.auth)); err != nil {
		return nil, err
	}

	d.dismissCookieBanner(ctx, page, log)

	if err := page.ScrollToBottom(ctx); err != nil {
		return nil, fmt.Errorf("scroll to bottom: %w", err)
	}
	if err := d.sleep(ctx, d.form.SettleInterval); err != nil {
		return nil, err
	}

	formSel, source, err := d.discover(ctx, page)
	if err != nil {
		return nil, err
	}
	if formSel == "" {
		log.Info("No form found on page.")
		return &Attempt{
			Source:       results.SourceNone,
			Filled:       map[string]string{},
			Confirmation: NoConfirmation,
		}, ErrFormNotFound
	}
	log.Debug("Form discovered.", zap.String("source", source))

	att := &Attempt{Source: source, Filled: make(map[string]string)}
	if err := d.fill(ctx, page, formSel, counter, att); err != nil {
		return nil, err
	}

	att.DOMValues = d.snapshot(ctx, page, formSel, log)

	att.Confirmation = d.form.ConfirmationPlaceholder
	if err := page.Click(ctx, scoped(formSel, d.form.Selectors.Submit), d.form.FieldTimeout); err != nil {
		return att, fmt.Errorf("%w: %w", ErrSubmitMissing, err)
	}
	if err := d.sleep(ctx, d.form.PostSubmitDelay); err != nil {
		return nil, err
	}

	if text, ok := d.confirmation(ctx, page); ok {
		att.Confirmation = text
	} else {
		log.Debug("No confirmation message appeared.")
	}
	return att, nil
}

// dismissCookieBanner tries the accept button, then the close button. Absence is fine.
func (d *Driver) dismissCookieBanner(ctx context.Context, page Page, log *zap.Logger) {
	sel := d.form.Selectors
	for _, s := range []string{sel.CookieAccept, sel.CookieClose} {
		if s == "" {
			continue
		}
		if err := page.Click(ctx, s, d.form.CookieTimeout); err == nil {
			log.Debug("Dismissed cookie banner.", zap.String("selector", s))
			return
		}
	}
}

// discover returns the form selector and its source, or "" when there is no form.
func (d *Driver) discover(ctx context.Context, page Page) (string, string, error) {
	sel := d.form.Selectors

	n, err := page.Count(ctx, sel.BottomForm)
	if err != nil {
		return "", "", err
	}
	if n > 0 {
		return sel.BottomForm, results.SourceBottom, nil
	}

	if sel.ModalTrigger == "" {
		return "", "", nil
	}
	n, err = page.Count(ctx, sel.ModalTrigger)
	if err != nil {
		return "", "", err
	}
	if n == 0 {
		return "", "", nil
	}
	if err := page.Click(ctx, sel.ModalTrigger, d.form.ModalTimeout); err != nil {
		return "", "", fmt.Errorf("open modal form: %w", err)
	}
	if err := page.WaitVisible(ctx, sel.ModalForm, d.form.ModalTimeout); err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return "", "", nil
	}
	return sel.ModalForm, results.SourceModal, nil
}

func (d *Driver) fill(ctx context.Context, page Page, formSel string, counter int, att *Attempt) error {
	for _, field := range d.form.TextFields {
		val := d.gen.Value(field, counter)
		if err := page.Fill(ctx, scoped(formSel, fmt.Sprintf("input[name='%s']", field)), val, d.form.FieldTimeout); err != nil {
			return err
		}
		att.Filled[field] = val
	}

	if d.form.DropdownField != "" && d.form.Selectors.DropdownTrigger != "" {
		if val, ok := d.selectDropdown(ctx, page, formSel); ok {
			att.Filled[d.form.DropdownField] = val
		}
	}

	if d.form.CommentField != "" {
		val := d.gen.Value(d.form.CommentField, counter)
		sel := scoped(formSel, fmt.Sprintf("textarea[name='%s']", d.form.CommentField))
		if err := page.Fill(ctx, sel, val, d.form.FieldTimeout); err != nil {
			return err
		}
		att.Filled[d.form.CommentField] = val
	}
	return nil
}

type dropdownResult struct {
	Count    int    `json:"count"`
	Found    bool   `json:"found"`
	Value    string `json:"value"`
	HasValue bool   `json:"hasValue"`
}

// selectDropdown opens the dropdown and clicks a uniformly random visible option.
// ok is false when the dropdown opened but showed no options.
func (d *Driver) selectDropdown(ctx context.Context, page Page, formSel string) (string, bool) {
	if err := page.Click(ctx, scoped(formSel, d.form.Selectors.DropdownTrigger), d.form.DropdownTimeout); err != nil {
		return DropdownNotSelected, true
	}

	var probe dropdownResult
	if err := page.Evaluate(ctx, dropdownCall(d.form.Selectors.DropdownOption, -1), &probe); err != nil {
		return DropdownNotSelected, true
	}
	if probe.Count == 0 {
		return "", false
	}

	var picked dropdownResult
	if err := page.Evaluate(ctx, dropdownCall(d.form.Selectors.DropdownOption, d.pick(probe.Count)), &picked); err != nil || !picked.Found {
		return DropdownNotSelected, true
	}
	if !picked.HasValue {
		return DropdownUnknown, true
	}
	return picked.Value, true
}

// snapshot reads the form's named controls. Failure yields an empty map.
func (d *Driver) snapshot(ctx context.Context, page Page, formSel string, log *zap.Logger) map[string]string {
	values := make(map[string]string)
	expr := fmt.Sprintf("(%s)(%s)", domSnapshotScript, jsString(formSel))
	if err := page.Evaluate(ctx, expr, &values); err != nil {
		log.Warn("Could not read form values from the DOM.", zap.Error(err))
		return map[string]string{}
	}
	return values
}

func (d *Driver) confirmation(ctx context.Context, page Page) (string, bool) {
	sel := d.form.Selectors.Success
	if sel == "" {
		return "", false
	}
	if err := page.WaitVisible(ctx, sel, d.form.ConfirmationTimeout); err != nil {
		return "", false
	}
	text, err := page.Text(ctx, sel)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(text), true
}

func dropdownCall(selector string, index int) string {
	return fmt.Sprintf("(%s)(%s, %d)", dropdownOptionsScript, jsString(selector), index)
}

// scoped restricts child to descendants of parent.
func scoped(parent, child string) string {
	return parent + " " + child
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
