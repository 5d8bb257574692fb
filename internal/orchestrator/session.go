package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/cdproto/network"

	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/capture"
	"github.com/xkilldash9x/formprobe/internal/formdriver"
)

// Session is one isolated browser tab: the driver works the page through it
// and the observer reads bodies through it.
type Session interface {
	formdriver.Page
	capture.Fetcher
	Close(ctx context.Context)
}

// SessionFactory opens a fresh session per row. listeners receive every CDP
// event of the new tab.
type SessionFactory interface {
	NewSession(ctx context.Context, listeners ...func(ev interface{})) (Session, error)
}

// FromManager adapts a browser manager to SessionFactory.
func FromManager(m *browser.Manager) SessionFactory {
	return managerSessions{m: m}
}

type managerSessions struct {
	m *browser.Manager
}

func (a managerSessions) NewSession(ctx context.Context, listeners ...func(ev interface{})) (Session, error) {
	s, err := a.m.NewSession(ctx, listeners...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

var errNoSession = errors.New("session not attached yet")

// sessionFetcher lets the observer exist before the session it reads from.
// Events only flow after navigation, by which time the session is attached.
type sessionFetcher struct {
	mu sync.RWMutex
	s  Session
}

func (f *sessionFetcher) attach(s Session) {
	f.mu.Lock()
	f.s = s
	f.mu.Unlock()
}

func (f *sessionFetcher) get() Session {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.s
}

func (f *sessionFetcher) FetchPostData(ctx context.Context, id network.RequestID) (string, error) {
	s := f.get()
	if s == nil {
		return "", errNoSession
	}
	return s.FetchPostData(ctx, id)
}

func (f *sessionFetcher) FetchResponseBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	s := f.get()
	if s == nil {
		return nil, errNoSession
	}
	return s.FetchResponseBody(ctx, id)
}
