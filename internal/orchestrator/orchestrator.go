// Package orchestrator drives the per-row pipeline: a fresh browser session,
// the form driver, extraction and reconciliation, and delivery of the result
// row to every sink. No row failure stops the batch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/formprobe/internal/capture"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/extract"
	"github.com/xkilldash9x/formprobe/internal/formdriver"
	"github.com/xkilldash9x/formprobe/internal/reconcile"
	"github.com/xkilldash9x/formprobe/internal/results"
	"github.com/xkilldash9x/formprobe/internal/sheet"
)

// RowState is a step of the per-row lifecycle.
type RowState string

const (
	StatePending   RowState = "pending"
	StateRunning   RowState = "running"
	StateCompleted RowState = "completed"
	StateErrored   RowState = "errored"
)

// singleRowIndex is the counter used for runs outside a workbook.
const singleRowIndex = 1

// Sink receives every finished row.
type Sink interface {
	Write(ctx context.Context, row results.Row) error
}

// FormDriver runs one fill-and-submit attempt.
type FormDriver interface {
	Run(ctx context.Context, page formdriver.Page, target string, counter int) (*formdriver.Attempt, error)
}

// Orchestrator runs rows one at a time.
type Orchestrator struct {
	cfg        config.Interface
	logger     *zap.Logger
	sessions   SessionFactory
	driver     FormDriver
	parser     *extract.Parser
	comparator *reconcile.Comparator
	sinks      []Sink
	limiter    *rate.Limiter
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSinks adds result sinks. They are written in order.
func WithSinks(sinks ...Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// WithClock replaces time.Now for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(cfg config.Interface, logger *zap.Logger, sessions SessionFactory, driver FormDriver, opts ...Option) (*Orchestrator, error) {
	if cfg == nil || logger == nil || sessions == nil || driver == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		sessions:   sessions,
		driver:     driver,
		parser:     extract.NewParser(logger),
		comparator: reconcile.NewComparator(cfg.Reconcile().MatchThreshold),
		now:        time.Now,
	}
	if interval := cfg.Orchestrator().RowInterval; interval > 0 {
		o.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run processes targets in order and returns one row per non-empty URL. It
// stops early only when ctx is canceled, returning the rows finished so far.
// Sink failures do not stop the batch; they are joined into the returned error.
func (o *Orchestrator) Run(ctx context.Context, targets []sheet.Target) ([]results.Row, error) {
	o.logger.Info("Starting batch.", zap.Int("rows", len(targets)))

	var sinkErrs []error
	rows := make([]results.Row, 0, len(targets))
	for _, t := range targets {
		if strings.TrimSpace(t.URL) == "" {
			continue
		}
		o.transition(t, StatePending)

		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return rows, errors.Join(append(sinkErrs, ctx.Err())...)
			}
		}
		if err := ctx.Err(); err != nil {
			return rows, errors.Join(append(sinkErrs, err)...)
		}

		row := o.RunRow(ctx, t)
		rows = append(rows, row)
		for _, s := range o.sinks {
			if err := s.Write(ctx, row); err != nil {
				o.logger.Error("Failed to write result row.", zap.Int("row", row.Index), zap.Error(err))
				sinkErrs = append(sinkErrs, fmt.Errorf("row %d: %w", row.Index, err))
			}
		}
	}

	sum := results.Summarize(rows)
	o.logger.Info("Batch finished.",
		zap.Int("total", sum.Total),
		zap.Int("pass", sum.Pass),
		zap.Int("fail", sum.Fail),
		zap.Int("error", sum.Error),
	)
	return rows, errors.Join(sinkErrs...)
}

// RunSingle runs one URL outside a workbook. The row is not written to any sink.
func (o *Orchestrator) RunSingle(ctx context.Context, url string) (results.Row, error) {
	if strings.TrimSpace(url) == "" {
		return results.Row{}, errors.New("empty url")
	}
	return o.RunRow(ctx, sheet.Target{Index: singleRowIndex, URL: url}), nil
}

// RunRow runs the full pipeline for one target. It always returns a row; any
// error or panic becomes an ERROR row.
func (o *Orchestrator) RunRow(ctx context.Context, t sheet.Target) (row results.Row) {
	start := o.now()
	o.logger.Info("Row started", zap.Int("row", t.Index), zap.String("url", t.URL))
	o.transition(t, StateRunning)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Recovered from panic in row.",
				zap.Int("row", t.Index),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			row = results.ErrorRow(t.Index, t.URL, fmt.Errorf("panic: %v", r))
		}
		row.StartedAt = start
		row.Duration = o.now().Sub(start)

		state := StateCompleted
		if row.Result == reconcile.Error {
			state = StateErrored
		}
		o.transition(t, state)
		o.logger.Info("Row finished",
			zap.Int("row", t.Index),
			zap.String("url", t.URL),
			zap.String("result", string(row.Result)),
			zap.String("overall", string(row.Overall)),
			zap.Duration("duration", row.Duration),
		)
	}()

	row, err := o.attempt(ctx, t)
	if err != nil {
		o.logger.Warn("Row failed.", zap.Int("row", t.Index), zap.Error(err))
		return results.ErrorRow(t.Index, t.URL, err)
	}
	return row
}

// attempt opens the session, drives the form and evaluates the capture. A
// non-nil error means the row could not be evaluated at all.
func (o *Orchestrator) attempt(ctx context.Context, t sheet.Target) (results.Row, error) {
	fetcher := &sessionFetcher{}
	obs := capture.NewObserver(o.logger, o.cfg.Form().EndpointSubstring, fetcher)
	defer obs.Close()

	sess, err := o.sessions.NewSession(ctx, obs.HandleEvent)
	if err != nil {
		return results.Row{}, fmt.Errorf("open browser session: %w", err)
	}
	fetcher.attach(sess)
	// Shutdown may have canceled ctx; the tab still has to go.
	defer sess.Close(context.WithoutCancel(ctx))

	att, err := o.driver.Run(ctx, sess, t.URL, t.Index)
	switch {
	case errors.Is(err, formdriver.ErrFormNotFound), errors.Is(err, formdriver.ErrSubmitMissing):
		if att != nil {
			return attemptErrorRow(t, att, err), nil
		}
		return results.Row{}, err
	case err != nil:
		return results.Row{}, err
	}

	o.awaitCapture(ctx, obs, t)
	return o.evaluate(t, att, obs.Snapshot()), nil
}

// awaitCapture gives in-flight body fetches a bounded grace period.
func (o *Orchestrator) awaitCapture(ctx context.Context, obs *capture.Observer, t sheet.Target) {
	grace := o.cfg.Network().ResponseGrace
	if grace <= 0 {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := obs.Wait(waitCtx); err != nil {
		o.logger.Debug("Response capture still in flight after grace period.", zap.Int("row", t.Index), zap.Duration("grace", grace))
	}
}

func (o *Orchestrator) transition(t sheet.Target, s RowState) {
	o.logger.Debug("Row state changed.", zap.Int("row", t.Index), zap.String("state", string(s)))
}
