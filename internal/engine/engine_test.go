// internal/engine/engine_test.go
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/reconcile"
	"github.com/xkilldash9x/formprobe/internal/results"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Mock Implementations --

// mockCheck runs runFunc and counts Close calls.
type mockCheck struct {
	runFunc func(ctx context.Context, url string) (results.Row, error)
	closed  atomic.Int32
}

func (m *mockCheck) Run(ctx context.Context, url string) (results.Row, error) {
	return m.runFunc(ctx, url)
}

func (m *mockCheck) Close(context.Context) error {
	m.closed.Add(1)
	return nil
}

func factoryFor(c *mockCheck, started *atomic.Int32) Factory {
	return func(context.Context) (Check, error) {
		if started != nil {
			started.Add(1)
		}
		return c, nil
	}
}

func passingRow(url string) results.Row {
	return results.Row{Index: 1, URL: url, Result: reconcile.Pass}
}

func newDispatcher(t *testing.T, cfg *config.Config, reg map[string]Factory) *Dispatcher {
	t.Helper()
	return NewDispatcher(cfg, zaptest.NewLogger(t), reg)
}

// -- Test Cases --

func TestDispatcher_RunsChecksConcurrently(t *testing.T) {
	cfg := config.NewDefaultConfig()

	// Both checks must be running at once to get past the barrier.
	var barrier sync.WaitGroup
	barrier.Add(2)
	wait := func(ctx context.Context, url string) (results.Row, error) {
		barrier.Done()
		done := make(chan struct{})
		go func() { barrier.Wait(); close(done) }()
		select {
		case <-done:
			return passingRow(url), nil
		case <-ctx.Done():
			return results.Row{}, ctx.Err()
		}
	}
	a := &mockCheck{runFunc: wait}
	b := &mockCheck{runFunc: wait}
	d := newDispatcher(t, cfg, map[string]Factory{"form": factoryFor(a, nil), "other": factoryFor(b, nil)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := d.Run(ctx, "https://example.com/", []string{"form", "other"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NoError(t, out["form"].Err)
	assert.NoError(t, out["other"].Err)
	assert.Equal(t, reconcile.Pass, out["form"].Row.Result)
	assert.Equal(t, "other", out["other"].Check)
	assert.EqualValues(t, 1, a.closed.Load())
	assert.EqualValues(t, 1, b.closed.Load())
}

func TestDispatcher_UnknownCheckRejectedBeforeWork(t *testing.T) {
	var started atomic.Int32
	c := &mockCheck{runFunc: func(_ context.Context, url string) (results.Row, error) { return passingRow(url), nil }}
	d := newDispatcher(t, config.NewDefaultConfig(), map[string]Factory{"form": factoryFor(c, &started)})

	out, err := d.Run(context.Background(), "https://example.com/", []string{"form", "seo"})
	require.ErrorIs(t, err, ErrUnknownCheck)
	assert.Contains(t, err.Error(), `"seo"`)
	assert.Nil(t, out)
	assert.Zero(t, started.Load())
}

func TestDispatcher_DefaultsToConfiguredChecks(t *testing.T) {
	cfg := config.NewDefaultConfig()
	c := &mockCheck{runFunc: func(_ context.Context, url string) (results.Row, error) { return passingRow(url), nil }}
	d := newDispatcher(t, cfg, map[string]Factory{"form": factoryFor(c, nil)})

	out, err := d.Run(context.Background(), "https://example.com/", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "form")
}

func TestDispatcher_DuplicateNamesRunOnce(t *testing.T) {
	var started atomic.Int32
	c := &mockCheck{runFunc: func(_ context.Context, url string) (results.Row, error) { return passingRow(url), nil }}
	d := newDispatcher(t, config.NewDefaultConfig(), map[string]Factory{"form": factoryFor(c, &started)})

	out, err := d.Run(context.Background(), "https://example.com/", []string{"form", "form"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.EqualValues(t, 1, started.Load())
}

func TestDispatcher_FailuresAreIndependent(t *testing.T) {
	boom := errors.New("browser crashed")
	failing := &mockCheck{runFunc: func(context.Context, string) (results.Row, error) { return results.Row{}, boom }}
	panicking := &mockCheck{runFunc: func(context.Context, string) (results.Row, error) { panic("nil map") }}
	ok := &mockCheck{runFunc: func(_ context.Context, url string) (results.Row, error) { return passingRow(url), nil }}
	startErr := func(context.Context) (Check, error) { return nil, errors.New("no chrome") }

	d := newDispatcher(t, config.NewDefaultConfig(), map[string]Factory{
		"failing":   factoryFor(failing, nil),
		"panicking": factoryFor(panicking, nil),
		"ok":        factoryFor(ok, nil),
		"nostart":   startErr,
	})

	out, err := d.Run(context.Background(), "https://example.com/", []string{"failing", "panicking", "ok", "nostart"})
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.ErrorIs(t, out["failing"].Err, boom)
	assert.Contains(t, out["panicking"].Err.Error(), "panicked")
	assert.NoError(t, out["ok"].Err)
	assert.Equal(t, reconcile.Pass, out["ok"].Row.Result)
	assert.Contains(t, out["nostart"].Err.Error(), "no chrome")

	assert.EqualValues(t, 1, panicking.closed.Load(), "a panicking check is still closed")
}

func TestDispatcher_CheckTimeout(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.EngineCfg.CheckTimeout = 20 * time.Millisecond
	slow := &mockCheck{runFunc: func(ctx context.Context, _ string) (results.Row, error) {
		<-ctx.Done()
		return results.Row{}, ctx.Err()
	}}
	d := newDispatcher(t, cfg, map[string]Factory{"form": factoryFor(slow, nil)})

	out, err := d.Run(context.Background(), "https://example.com/", []string{"form"})
	require.NoError(t, err)
	assert.ErrorIs(t, out["form"].Err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, slow.closed.Load())
}

func TestDispatcher_Checks(t *testing.T) {
	d := newDispatcher(t, config.NewDefaultConfig(), map[string]Factory{"b": nil, "a": nil})
	assert.Equal(t, []string{"a", "b"}, d.Checks())
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry(config.NewDefaultConfig(), zaptest.NewLogger(t))
	assert.Contains(t, reg, FormCheckName)
	assert.Len(t, reg, 1)
}
