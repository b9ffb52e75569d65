// Package clientagent executes request descriptors against the AI Studio
// upstream. It is the Go reference implementation of the page-resident agent
// script embedded in the bridge: same wire contract, same URL and header
// rules, same streaming semantics. Deployments run it in place of a real
// browser worker with -no-browser-agent; tests exercise it directly.
package clientagent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/AIStudioProxyAPI/internal/bridge"
)

const (
	// idleTimeout runs from dispatch until the first upstream byte arrives.
	idleTimeout = 600 * time.Second
	// proxyHostParam smuggles a replacement host through a descriptor path so
	// cross-host redirects and upload URLs route back through the agent.
	proxyHostParam = "__proxy_host__"
	// errorBodyLimit bounds the diagnostic captured from non-2xx responses.
	errorBodyLimit = 4096
	// readBufferSize is the streaming read granularity.
	readBufferSize = 32 * 1024
)

// Options configures an Agent.
type Options struct {
	// UpstreamHost is the default host for descriptor paths.
	UpstreamHost string
	// ProxyURL optionally routes outbound fetches through a proxy.
	ProxyURL string
	// HTTPClient overrides the outbound client. Tests use this; production
	// builds the utls client from ProxyURL.
	HTTPClient *http.Client
	// Scheme overrides the target scheme. Defaults to https.
	Scheme string
}

// Agent executes descriptors and emits upstream events.
type Agent struct {
	opts   Options
	client *http.Client
	emit   func(bridge.Event)

	mu         sync.Mutex
	inflight   map[string]context.CancelFunc
	tombstones map[string]struct{}
	logLevel   string
	closed     bool
}

// New creates an agent that reports events through emit.
func New(opts Options, emit func(bridge.Event)) *Agent {
	client := opts.HTTPClient
	if client == nil {
		client = newAgentHTTPClient(opts.ProxyURL)
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	return &Agent{
		opts:       opts,
		client:     client,
		emit:       emit,
		inflight:   make(map[string]context.CancelFunc),
		tombstones: make(map[string]struct{}),
		logLevel:   "info",
	}
}

// NewLocalFactory adapts the agent to the bridge's local-agent hook.
func NewLocalFactory(opts Options) bridge.LocalAgentFactory {
	return func(emit func(bridge.Event)) bridge.AgentLink {
		return New(opts, emit)
	}
}

// Send accepts one serialized descriptor frame. Part of bridge.AgentLink.
func (a *Agent) Send(data []byte) error {
	var desc bridge.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("clientagent: undecodable frame: %w", err)
	}

	switch desc.EventType {
	case bridge.EventTypeSetLogLevel:
		a.mu.Lock()
		a.logLevel = desc.LogLevel
		a.mu.Unlock()
		return nil
	case bridge.EventTypeCancelRequest:
		a.cancel(desc.RequestID)
		return nil
	case "", bridge.EventTypeRequest:
		go a.execute(desc)
		return nil
	default:
		log.Warnf("clientagent: unknown event type %q dropped", desc.EventType)
		return nil
	}
}

// Close aborts every in-flight fetch. Part of bridge.AgentLink. Idempotent.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancels := make([]context.CancelFunc, 0, len(a.inflight))
	for _, cancel := range a.inflight {
		cancels = append(cancels, cancel)
	}
	a.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// cancel aborts the matching in-flight fetch and records the tombstone.
func (a *Agent) cancel(requestID string) {
	a.mu.Lock()
	a.tombstones[requestID] = struct{}{}
	cancel := a.inflight[requestID]
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// isTombstoned reports whether the request was canceled by a frame.
func (a *Agent) isTombstoned(requestID string) bool {
	a.mu.Lock()
	_, ok := a.tombstones[requestID]
	a.mu.Unlock()
	return ok
}

// execute performs one descriptor fetch end to end.
func (a *Agent) execute(desc bridge.Descriptor) {
	id := desc.RequestID
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		return
	}
	a.inflight[id] = cancel
	a.mu.Unlock()

	var timedOut atomic.Bool
	idleTimer := time.AfterFunc(idleTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	defer func() {
		idleTimer.Stop()
		cancel()
		a.mu.Lock()
		delete(a.inflight, id)
		delete(a.tombstones, id)
		a.mu.Unlock()
	}()

	targetURL, err := a.buildTargetURL(&desc)
	if err != nil {
		a.emit(bridge.Event{RequestID: id, EventType: bridge.EventError, Status: http.StatusBadGateway, Message: err.Error()})
		return
	}

	body, err := assembleBody(&desc)
	if err != nil {
		a.emit(bridge.Event{RequestID: id, EventType: bridge.EventError, Status: http.StatusBadGateway, Message: err.Error()})
		return
	}

	req, err := http.NewRequestWithContext(ctx, methodOrGet(desc.Method), targetURL, strings.NewReader(body))
	if err != nil {
		a.emit(bridge.Event{RequestID: id, EventType: bridge.EventError, Status: http.StatusBadGateway, Message: err.Error()})
		return
	}
	sanitizeHeaders(desc.Headers, req.Header)
	req.Header.Set("Accept-Encoding", acceptedEncodings)

	resp, err := a.client.Do(req)
	if err != nil {
		a.emitFetchFailure(id, timedOut.Load(), err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	idleTimer.Stop()

	a.emit(bridge.Event{
		RequestID: id,
		EventType: bridge.EventResponseHeaders,
		Status:    resp.StatusCode,
		Headers:   a.rewriteRedirectHeaders(resp.Header),
	})

	reader, err := decodeResponseBody(resp)
	if err != nil {
		a.emit(bridge.Event{RequestID: id, EventType: bridge.EventError, Status: http.StatusBadGateway, Message: err.Error()})
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		diag, _ := io.ReadAll(io.LimitReader(reader, errorBodyLimit))
		a.emit(bridge.Event{RequestID: id, EventType: bridge.EventError, Status: resp.StatusCode, Message: string(diag)})
		return
	}

	a.streamBody(id, desc.StreamingMode, reader, &timedOut)
}

// streamBody forwards the response body: per-read chunks in real mode, one
// accumulated chunk in fake mode, then stream_close.
func (a *Agent) streamBody(id, streamingMode string, reader io.Reader, timedOut *atomic.Bool) {
	var accumulated strings.Builder
	buf := make([]byte, readBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if streamingMode == bridge.StreamingModeFake {
				accumulated.Write(buf[:n])
			} else {
				a.emit(bridge.Event{RequestID: id, EventType: bridge.EventChunk, Data: string(buf[:n])})
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			a.emitFetchFailure(id, timedOut.Load(), err)
			return
		}
	}
	if streamingMode == bridge.StreamingModeFake {
		a.emit(bridge.Event{RequestID: id, EventType: bridge.EventChunk, Data: accumulated.String()})
	}
	a.emit(bridge.Event{RequestID: id, EventType: bridge.EventStreamClose})
}

// emitFetchFailure maps an aborted or failed fetch to its terminal frame:
// stream_close for explicit cancels, 504 for the idle timeout, 502 otherwise.
func (a *Agent) emitFetchFailure(id string, timedOut bool, err error) {
	if a.isTombstoned(id) {
		a.emit(bridge.Event{RequestID: id, EventType: bridge.EventStreamClose})
		return
	}
	if timedOut {
		a.emit(bridge.Event{RequestID: id, EventType: bridge.EventError, Status: http.StatusGatewayTimeout, Message: "upstream idle timeout"})
		return
	}
	a.emit(bridge.Event{RequestID: id, EventType: bridge.EventError, Status: http.StatusBadGateway, Message: err.Error()})
}

// buildTargetURL reconstructs the upstream URL from a descriptor. The
// __proxy_host__ query parameter overrides the host and is stripped; upload
// POSTs on the default host are normalized under upload/; fake streaming
// rewrites the generate path and drops alt=sse.
func (a *Agent) buildTargetURL(desc *bridge.Descriptor) (string, error) {
	if desc.URL != "" {
		return desc.URL, nil
	}
	host := a.opts.UpstreamHost
	path := desc.Path

	params := url.Values{}
	for key, value := range desc.QueryParams {
		params.Set(key, value)
	}
	if idx := strings.Index(path, "?"); idx >= 0 {
		inline, err := url.ParseQuery(path[idx+1:])
		if err != nil {
			return "", fmt.Errorf("clientagent: unparseable path query: %w", err)
		}
		for key, values := range inline {
			for _, value := range values {
				params.Set(key, value)
			}
		}
		path = path[:idx]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if override := params.Get(proxyHostParam); override != "" {
		host = override
		params.Del(proxyHostParam)
	} else if methodOrGet(desc.Method) == http.MethodPost && isFilePath(path) && !strings.HasPrefix(path, "/upload/") {
		path = "/upload" + path
	}

	if desc.StreamingMode == bridge.StreamingModeFake {
		if params.Get("alt") == "sse" {
			params.Del("alt")
		}
		path = strings.Replace(path, ":streamGenerateContent", ":generateContent", 1)
	}

	target := a.opts.Scheme + "://" + host + path
	if encoded := params.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target, nil
}

// isFilePath reports whether path addresses the file-upload surface: a
// "/files" segment followed by "/" or ending the path.
func isFilePath(path string) bool {
	return strings.Contains(path, "/files/") || strings.HasSuffix(path, "/files")
}

// assembleBody returns the outbound body: decoded bytes for non-generative
// uploads, the filtered JSON document for generative requests.
func assembleBody(desc *bridge.Descriptor) (string, error) {
	if !desc.IsGenerative && desc.BodyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(desc.BodyB64)
		if err != nil {
			return "", fmt.Errorf("clientagent: undecodable body_b64: %w", err)
		}
		return string(decoded), nil
	}
	if desc.Body == "" {
		return "", nil
	}
	if desc.IsGenerative {
		return ApplyModelFamilyFilters(desc.Body, desc.Path), nil
	}
	return desc.Body, nil
}

// strippedHeaders are hop-by-hop or origin-revealing fields that never cross
// to the upstream.
var strippedHeaders = map[string]struct{}{
	"host":           {},
	"connection":     {},
	"content-length": {},
	"origin":         {},
	"referer":        {},
	"user-agent":     {},
}

// sanitizeHeaders copies descriptor headers into dst, dropping stripped and
// sec-fetch-* fields.
func sanitizeHeaders(src map[string]string, dst http.Header) {
	for key, value := range src {
		lower := strings.ToLower(key)
		if _, stripped := strippedHeaders[lower]; stripped {
			continue
		}
		if strings.HasPrefix(lower, "sec-fetch-") {
			continue
		}
		dst.Set(key, value)
	}
}

// rewriteRedirectHeaders flattens response headers and rewrites redirect and
// upload targets to come back through the agent, carrying the original host
// in __proxy_host__.
func (a *Agent) rewriteRedirectHeaders(src http.Header) map[string]string {
	out := make(map[string]string, len(src))
	for key, values := range src {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		lower := strings.ToLower(key)
		if (lower == "location" || lower == "x-goog-upload-url") && strings.HasPrefix(value, "https://") {
			if rewritten, ok := rewriteProxyTarget(value); ok {
				out[key] = rewritten
				continue
			}
		}
		out[key] = value
	}
	return out
}

// rewriteProxyTarget converts an absolute URL into a relative path carrying
// the original host in __proxy_host__.
func rewriteProxyTarget(raw string) (string, bool) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", false
	}
	params := parsed.Query()
	params.Set(proxyHostParam, parsed.Host)
	return parsed.Path + "?" + params.Encode(), true
}

func methodOrGet(method string) string {
	if method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(method)
}
