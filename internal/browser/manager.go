// Package browser drives Chrome through chromedp: one browser process per
// Manager and one isolated browser context per Session.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/config"
)

const (
	shutdownGracePeriod = 15 * time.Second
	disposeTimeout      = 10 * time.Second
)

// ErrManagerClosed is returned by NewSession after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// Manager owns the browser process. The process is started lazily by the
// first NewSession call.
type Manager struct {
	cfg    config.Interface
	logger *zap.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	initOnce sync.Once
	initErr  error

	// contextLock serializes browser context creation.
	contextLock sync.Mutex

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager prepares an exec allocator from the browser config. No process
// is launched until a session is requested.
func NewManager(ctx context.Context, cfg config.Interface, logger *zap.Logger) *Manager {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, DefaultAllocatorOptions(cfg.Browser())...)

	log := logger.Named("browser_manager")
	var ctxOpts []chromedp.ContextOption
	if cfg.Browser().Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(log.Sugar().Debugf))
	}
	ctxOpts = append(ctxOpts, chromedp.WithErrorf(log.Sugar().Errorf))
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	return &Manager{
		cfg:           cfg,
		logger:        log,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		sessions:      make(map[string]*Session),
	}
}

func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Browser().Headless))
		if err := chromedp.Run(m.browserCtx); err != nil {
			m.initErr = fmt.Errorf("failed to launch browser: %w", err)
			return
		}
		m.logger.Info("Browser launched.")
	})
	return m.initErr
}

// browserExecutor returns ctx bound to the browser-level CDP connection, for
// Target domain commands that must not go through a tab.
func (m *Manager) browserExecutor(ctx context.Context) (context.Context, error) {
	c := chromedp.FromContext(m.browserCtx)
	if c == nil || c.Browser == nil {
		return nil, errors.New("browser is not running")
	}
	return cdp.WithExecutor(ctx, c.Browser), nil
}

// NewSession opens a fresh browser context with a single tab. listeners receive
// every CDP event of that tab and are attached before any domain is enabled.
func (m *Manager) NewSession(ctx context.Context, listeners ...func(ev interface{})) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	s, err := m.newSession(ctx, listeners)
	if err != nil {
		m.wg.Done()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) newSession(ctx context.Context, listeners []func(ev interface{})) (*Session, error) {
	if err := m.initialize(); err != nil {
		return nil, err
	}

	m.contextLock.Lock()
	defer m.contextLock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before creating browser context: %w", err)
	}

	execCtx, err := m.browserExecutor(ctx)
	if err != nil {
		return nil, err
	}

	browserContextID, err := target.CreateBrowserContext().WithDisposeOnDetach(true).Do(execCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	targetID, err := target.CreateTarget("about:blank").WithBrowserContextID(browserContextID).Do(execCtx)
	if err != nil {
		m.disposeBrowserContext(browserContextID)
		return nil, fmt.Errorf("failed to create target: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(targetID))
	for _, fn := range listeners {
		chromedp.ListenTarget(tabCtx, fn)
	}

	s := newSession(tabCtx, tabCancel, browserContextID, m.cfg, m.logger, m.release)
	if err := s.setup(ctx); err != nil {
		s.Close(context.Background())
		return nil, fmt.Errorf("failed to set up session: %w", err)
	}
	s.logger.Debug("Session ready.")
	return s, nil
}

// release is called exactly once per session when it closes.
func (m *Manager) release(s *Session) {
	m.disposeBrowserContext(s.browserContextID)

	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) disposeBrowserContext(id cdp.BrowserContextID) {
	if id == "" || m.browserCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()

	execCtx, err := m.browserExecutor(ctx)
	if err != nil {
		return
	}
	if err := target.DisposeBrowserContext(id).Do(execCtx); err != nil {
		m.logger.Warn("Failed to dispose of browser context. It may be orphaned.",
			zap.String("browserContextID", string(id)), zap.Error(err))
	}
}

// Shutdown closes every open session and then the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("open_sessions", len(open)))
	for _, s := range open {
		s.Close(ctx)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close.", zap.Error(ctx.Err()))
	}

	var shutdownErr error
	if chromedp.FromContext(m.browserCtx).Browser != nil {
		cancelCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		errCh := make(chan error, 1)
		go func() { errCh <- chromedp.Cancel(m.browserCtx) }()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				shutdownErr = fmt.Errorf("failed to close browser: %w", err)
			}
		case <-cancelCtx.Done():
			shutdownErr = fmt.Errorf("timed out closing browser: %w", cancelCtx.Err())
		}
	}
	m.browserCancel()
	m.allocCancel()
	m.logger.Info("Browser manager shutdown complete.")
	return shutdownErr
}
