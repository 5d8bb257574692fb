// Package capture passively records the network traffic of one form submission.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	postDataFetchTimeout = 10 * time.Second
	bodyFetchTimeout     = 30 * time.Second
)

// Fetcher reads bodies the browser did not inline into network events.
// The browser session implements it on top of CDP.
type Fetcher interface {
	FetchPostData(ctx context.Context, id network.RequestID) (string, error)
	FetchResponseBody(ctx context.Context, id network.RequestID) ([]byte, error)
}

// Payload is a decoded outgoing POST body.
type Payload map[string]string

// Response is the text body of a response from the form-processing endpoint.
type Response struct {
	URL  string
	Text string
}

// Snapshot is a point-in-time copy of what the observer recorded.
type Snapshot struct {
	// Payload is the last decoded POST body, empty when none was seen.
	Payload    Payload
	HasPayload bool
	// Response is nil when no endpoint response arrived.
	Response *Response
}

// endpointRequest tracks one POST to the form-processing endpoint until its body is readable.
type endpointRequest struct {
	url       string
	seq       uint64
	responded bool
}

// Observer records the last submitted payload and the endpoint response for a
// single attempt. Create a new one per attempt; it is never reset.
type Observer struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
	endpoint string
	fetcher  Fetcher

	mu      sync.Mutex
	pending map[network.RequestID]*endpointRequest
	// seq numbers requests in the order the browser sends them.
	seq uint64
	// inflight counts body fetches; idle is closed whenever it is zero.
	inflight int
	idle     chan struct{}
	closed   bool

	payload  Register[Payload]
	response Register[Response]
}

// NewObserver creates an observer matching endpoint responses on endpointSubstring
// (case-insensitive). fetcher may be nil, in which case bodies that need an extra
// CDP round trip are skipped.
func NewObserver(logger *zap.Logger, endpointSubstring string, fetcher Fetcher) *Observer {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Observer{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.Named("observer"),
		endpoint: strings.ToLower(endpointSubstring),
		fetcher:  fetcher,
		pending:  make(map[network.RequestID]*endpointRequest),
		idle:     idle,
	}
}

// HandleEvent dispatches a CDP event. It is meant to be passed to chromedp.ListenTarget
// and never blocks.
func (o *Observer) HandleEvent(ev interface{}) {
	select {
	case <-o.ctx.Done():
		return
	default:
	}

	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		o.handleRequestWillBeSent(ev)
	case *network.EventResponseReceived:
		o.handleResponseReceived(ev)
	case *network.EventLoadingFinished:
		o.handleLoadingFinished(ev)
	case *network.EventLoadingFailed:
		o.handleLoadingFailed(ev)
	}
}

// Wait blocks until no body fetch is in flight or ctx is done. Fetches started
// while waiting are waited for too.
func (o *Observer) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops event processing, cancels outstanding fetches and waits for them.
func (o *Observer) Close() {
	o.mu.Lock()
	o.closed = true
	idle := o.idle
	o.mu.Unlock()

	o.cancel()
	<-idle
}

// Snapshot returns copies of both registers.
func (o *Observer) Snapshot() Snapshot {
	var s Snapshot
	if p, ok := o.payload.Load(); ok {
		s.Payload = make(Payload, len(p))
		for k, v := range p {
			s.Payload[k] = v
		}
		s.HasPayload = true
	} else {
		s.Payload = Payload{}
	}
	if r, ok := o.response.Load(); ok {
		s.Response = &r
	}
	return s
}

// -- Event Handlers --

func (o *Observer) handleRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	isPost := strings.EqualFold(ev.Request.Method, "POST")

	o.mu.Lock()
	o.seq++
	seq := o.seq
	// A redirect reuses the request ID; the follow-up request decides whether we still care.
	delete(o.pending, ev.RequestID)
	if isPost && strings.Contains(strings.ToLower(ev.Request.URL), o.endpoint) {
		o.pending[ev.RequestID] = &endpointRequest{url: ev.Request.URL, seq: seq}
	}
	o.mu.Unlock()

	if !isPost || !ev.Request.HasPostData {
		return
	}

	if len(ev.Request.PostDataEntries) > 0 {
		o.recordPostBody(ev.RequestID, seq, joinPostDataEntries(ev.Request.PostDataEntries))
		return
	}
	// Large bodies are not inlined into the event.
	o.fetchPostData(ev.RequestID, seq)
}

func (o *Observer) handleResponseReceived(ev *network.EventResponseReceived) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if req, ok := o.pending[ev.RequestID]; ok {
		req.responded = true
		if ev.Response != nil && ev.Response.URL != "" {
			req.url = ev.Response.URL
		}
	}
}

func (o *Observer) handleLoadingFinished(ev *network.EventLoadingFinished) {
	o.mu.Lock()
	req, ok := o.pending[ev.RequestID]
	if ok {
		delete(o.pending, ev.RequestID)
	}
	o.mu.Unlock()

	if !ok || !req.responded {
		return
	}
	o.fetchResponseBody(ev.RequestID, req.seq, req.url)
}

func (o *Observer) handleLoadingFailed(ev *network.EventLoadingFailed) {
	o.mu.Lock()
	_, ok := o.pending[ev.RequestID]
	delete(o.pending, ev.RequestID)
	o.mu.Unlock()

	if ok {
		o.logger.Debug("Form endpoint request failed.", zap.String("reqID", string(ev.RequestID)), zap.String("error", ev.ErrorText))
	}
}

// recordPostBody decodes body and, when decoding succeeds, overwrites the payload
// register unless a later request already did.
func (o *Observer) recordPostBody(id network.RequestID, seq uint64, body []byte) {
	p, ok := DecodePayload(body)
	if !ok {
		o.logger.Debug("POST body is neither JSON nor form encoded; ignoring.", zap.String("reqID", string(id)))
		return
	}
	if !o.payload.Store(seq, p) {
		o.logger.Debug("Dropping POST body superseded by a later request.", zap.String("reqID", string(id)))
	}
}

// -- Body Fetching --

// startFetch registers an in-flight fetch. It returns false once the observer is closed.
func (o *Observer) startFetch() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if o.inflight == 0 {
		o.idle = make(chan struct{})
	}
	o.inflight++
	return true
}

func (o *Observer) finishFetch() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight--
	if o.inflight == 0 {
		close(o.idle)
	}
}

func (o *Observer) fetchPostData(id network.RequestID, seq uint64) {
	if o.fetcher == nil || !o.startFetch() {
		return
	}
	go func() {
		defer o.finishFetch()
		ctx, cancel := context.WithTimeout(o.ctx, postDataFetchTimeout)
		defer cancel()

		data, err := o.fetcher.FetchPostData(ctx, id)
		if err != nil {
			if o.ctx.Err() == nil && !strings.Contains(err.Error(), "No post data") {
				o.logger.Debug("Failed to fetch request post data.", zap.String("reqID", string(id)), zap.Error(err))
			}
			return
		}
		o.recordPostBody(id, seq, []byte(data))
	}()
}

func (o *Observer) fetchResponseBody(id network.RequestID, seq uint64, responseURL string) {
	if o.fetcher == nil || !o.startFetch() {
		return
	}
	go func() {
		defer o.finishFetch()
		ctx, cancel := context.WithTimeout(o.ctx, bodyFetchTimeout)
		defer cancel()

		body, err := o.fetcher.FetchResponseBody(ctx, id)
		if err != nil {
			if o.ctx.Err() == nil {
				o.logger.Warn("Failed to read form endpoint response body.", zap.String("url", responseURL), zap.Error(err))
			}
			return
		}
		if !o.response.Store(seq, Response{URL: responseURL, Text: string(body)}) {
			o.logger.Debug("Dropping endpoint response superseded by a later request.", zap.String("url", responseURL))
			return
		}
		o.logger.Info("Captured form endpoint response.", zap.String("url", responseURL), zap.Int("bytes", len(body)))
	}()
}

func joinPostDataEntries(entries []*network.PostDataEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		if e == nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(e.Bytes)
		if err != nil {
			buf.WriteString(e.Bytes)
			continue
		}
		buf.Write(decoded)
	}
	return buf.Bytes()
}

// DecodePayload decodes a POST body as a JSON object, falling back to
// application/x-www-form-urlencoded pairs. ok is false when neither applies.
func DecodePayload(body []byte) (Payload, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}

	if trimmed[0] == '{' {
		var obj map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&obj); err == nil && obj != nil {
			p := make(Payload, len(obj))
			for k, v := range obj {
				p[k] = stringify(v)
			}
			return p, true
		}
	}

	raw := string(trimmed)
	if !strings.Contains(raw, "=") {
		return nil, false
	}
	p := make(Payload)
	for _, pair := range strings.Split(raw, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if k == "" {
			continue
		}
		p[unescape(k)] = unescape(v)
	}
	return p, true
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
