// Package engine runs several independent checks against one URL, one worker
// per check, each owning its own browser.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/results"
)

// ErrUnknownCheck is returned when a requested check is not registered.
var ErrUnknownCheck = errors.New("unknown check")

const defaultCheckTimeout = 5 * time.Minute

// Check runs one kind of verification against a single URL.
type Check interface {
	Run(ctx context.Context, url string) (results.Row, error)
	// Close releases whatever the check started, such as its browser.
	Close(ctx context.Context) error
}

// Factory builds a fresh Check for one dispatch.
type Factory func(ctx context.Context) (Check, error)

// Outcome is the result of one check. Err is set when the check could not
// produce a row at all.
type Outcome struct {
	Check    string
	Row      results.Row
	Err      error
	Duration time.Duration
}

// Dispatcher fans a URL out to the selected checks.
type Dispatcher struct {
	cfg      config.Interface
	logger   *zap.Logger
	registry map[string]Factory
}

// NewDispatcher creates a Dispatcher with the given checks.
func NewDispatcher(cfg config.Interface, logger *zap.Logger, registry map[string]Factory) *Dispatcher {
	reg := make(map[string]Factory, len(registry))
	for k, v := range registry {
		reg[k] = v
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "dispatcher")),
		registry: reg,
	}
}

// Checks lists the registered check names in sorted order.
func (d *Dispatcher) Checks() []string {
	names := make([]string, 0, len(d.registry))
	for k := range d.registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Run executes each named check concurrently and returns outcomes keyed by
// check name. Empty names means the configured engine.checks. Names are
// validated before any check starts; failures of one check never affect another.
func (d *Dispatcher) Run(ctx context.Context, url string, names []string) (map[string]Outcome, error) {
	selected, err := d.resolve(names)
	if err != nil {
		return nil, err
	}

	timeout := d.cfg.Engine().CheckTimeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	d.logger.Info("Dispatching checks.", zap.String("url", url), zap.Strings("checks", selected))

	var (
		mu       sync.Mutex
		outcomes = make(map[string]Outcome, len(selected))
	)
	g := new(errgroup.Group)
	g.SetLimit(len(selected))
	for _, name := range selected {
		g.Go(func() error {
			out := d.runCheck(ctx, name, url, timeout)
			mu.Lock()
			outcomes[name] = out
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; each outcome carries its own.
	_ = g.Wait()
	return outcomes, nil
}

// resolve validates and de-duplicates names, keeping their order.
func (d *Dispatcher) resolve(names []string) ([]string, error) {
	if len(names) == 0 {
		names = d.cfg.Engine().Checks
	}
	if len(names) == 0 {
		return nil, errors.New("no checks selected")
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := d.registry[n]; !ok {
			return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownCheck, n, d.Checks())
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

func (d *Dispatcher) runCheck(ctx context.Context, name, url string, timeout time.Duration) (out Outcome) {
	logger := d.logger.With(zap.String("check", name))
	start := time.Now()
	out.Check = name

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in check.", zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			out.Err = fmt.Errorf("check %s panicked: %v", name, r)
		}
		out.Duration = time.Since(start)
	}()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	check, err := d.registry[name](checkCtx)
	if err != nil {
		out.Err = fmt.Errorf("failed to start check %s: %w", name, err)
		logger.Error("Check could not start.", zap.Error(err))
		return out
	}
	defer func() {
		// The check context may be done; cleanup still has to run.
		if cerr := check.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("Failed to close check.", zap.Error(cerr))
		}
	}()

	row, err := check.Run(checkCtx, url)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("Check timed out", zap.Duration("timeout", timeout), zap.Error(err))
		case errors.Is(err, context.Canceled):
			logger.Warn("Check was cancelled", zap.Error(err))
		default:
			logger.Error("Check failed with unexpected error", zap.Error(err))
		}
		out.Err = err
		return out
	}
	out.Row = row
	logger.Info("Check finished.", zap.String("result", string(row.Result)))
	return out
}
