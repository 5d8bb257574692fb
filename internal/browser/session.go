package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/config"
)

// Session is one tab in its own browser context. It is never reused: cookies,
// storage and network listeners die with it.
type Session struct {
	id               string
	ctx              context.Context
	cancel           context.CancelFunc
	browserContextID cdp.BrowserContextID
	cfg              config.Interface
	logger           *zap.Logger

	onClose   func(*Session)
	closeOnce sync.Once
}

func newSession(
	ctx context.Context,
	cancel context.CancelFunc,
	browserContextID cdp.BrowserContextID,
	cfg config.Interface,
	logger *zap.Logger,
	onClose func(*Session),
) *Session {
	id := uuid.New().String()
	return &Session{
		id:               id,
		ctx:              ctx,
		cancel:           cancel,
		browserContextID: browserContextID,
		cfg:              cfg,
		logger:           logger.With(zap.String("session_id", id)),
		onClose:          onClose,
	}
}

// setup attaches to the tab and enables the network domain.
func (s *Session) setup(ctx context.Context) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	w, h := viewportSize(s.cfg.Browser())
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(w, h, 1, false),
	}
	if s.cfg.Browser().DisableCache {
		tasks = append(tasks, network.SetCacheDisabled(true))
	}
	if headers := s.cfg.Network().Headers; len(headers) > 0 {
		hdrs := make(network.Headers, len(headers))
		for k, v := range headers {
			hdrs[k] = v
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(hdrs))
	}
	return chromedp.Run(runCtx, tasks)
}

// ID returns the session id used in log fields.
func (s *Session) ID() string {
	return s.id
}

// Close closes the tab and disposes of its browser context. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing browser session.")
		s.cancel()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// run executes actions against the tab, bounded by ctx and the session lifetime.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// runWithTimeout is run with an extra per-operation timeout.
func (s *Session) runWithTimeout(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.run(ctx, actions...)
}

// FetchPostData reads a request body Chrome did not inline into the event.
func (s *Session) FetchPostData(ctx context.Context, id network.RequestID) (string, error) {
	var data string
	err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		data, err = network.GetRequestPostData(id).Do(c)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("get request post data: %w", err)
	}
	return data, nil
}

// FetchResponseBody reads a finished response body.
func (s *Session) FetchResponseBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get response body: %w", err)
	}
	return body, nil
}
