// Package handler orchestrates a single client request: fingerprinting,
// descriptor dispatch over the bridge, streaming pipe, retries, and identity
// switching. All request-level concurrency is coordinated here.
package handler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/AIStudioProxyAPI/internal/bridge"
	"github.com/router-for-me/AIStudioProxyAPI/internal/bridgeerr"
	"github.com/router-for-me/AIStudioProxyAPI/internal/config"
	"github.com/router-for-me/AIStudioProxyAPI/internal/msgqueue"
	"github.com/router-for-me/AIStudioProxyAPI/internal/registry"
	"github.com/router-for-me/AIStudioProxyAPI/internal/rotation"
)

const (
	// responseHeaderTimeout bounds the wait for the first response_headers
	// frame after a descriptor send.
	responseHeaderTimeout = 120 * time.Second
	// eventTimeout bounds the wait between subsequent upstream events. The
	// agent stops its own idle timer once response headers arrive, so past
	// that point this wait is what bounds a stalled response body.
	eventTimeout = 650 * time.Second
)

// Handler executes dispatch loops against the bridge.
type Handler struct {
	cfg      *config.Config
	flags    *config.Flags
	bridge   *bridge.Manager
	machine  *rotation.Machine
	registry *registry.Registry
}

// New builds the request handler.
func New(cfg *config.Config, flags *config.Flags, bridgeManager *bridge.Manager, machine *rotation.Machine, reg *registry.Registry) *Handler {
	return &Handler{
		cfg:      cfg,
		flags:    flags,
		bridge:   bridgeManager,
		machine:  machine,
		registry: reg,
	}
}

// Flags exposes the mutable knob cells to the HTTP surface.
func (h *Handler) Flags() *config.Flags { return h.flags }

// Machine exposes the rotation machine to the HTTP surface.
func (h *Handler) Machine() *rotation.Machine { return h.machine }

// Registry exposes the identity registry to the HTTP surface.
func (h *Handler) Registry() *registry.Registry { return h.registry }

// Bridge exposes the bridge manager to the HTTP surface.
func (h *Handler) Bridge() *bridge.Manager { return h.bridge }

// Config exposes the loaded configuration.
func (h *Handler) Config() *config.Config { return h.cfg }

// dispatchRequest is the upstream shape of one proxied request.
type dispatchRequest struct {
	// ClientRequestID identifies the client request across retries; together
	// with the identity index it forms the logging fingerprint.
	ClientRequestID string
	Method          string
	Path            string
	Query           map[string]string
	Headers         map[string]string
	Body            string
	BodyB64         string
	IsGenerative    bool
	StreamingMode   string
}

// sink receives the upstream response of one dispatch attempt. Headers is
// called at most once per attempt (only for a 2xx status), before that
// attempt's first Chunk. Committed reports whether output has already reached
// the client; once it has, failures are no longer retried.
type sink interface {
	Headers(status int, headers map[string]string)
	Chunk(data string) error
	Committed() bool
}

// dispatch runs the retry loop for one client request. Terminal failures
// return a *bridgeerr.Error for the surface to render.
func (h *Handler) dispatch(ctx context.Context, req *dispatchRequest, out sink) error {
	// A request arriving while an identity switch runs fails fast with 503
	// instead of waiting for the switch to finish.
	if h.machine.Busy() {
		return bridgeerr.BrowserRestarting()
	}
	var lastErr error
	immediateSwitched := false

	for attempt := 0; attempt < h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(h.cfg.RetryDelayMS) * time.Millisecond):
			case <-ctx.Done():
				return bridgeerr.Canceled()
			}
		}

		err := h.attempt(ctx, req, out)
		if err == nil {
			h.machine.RecordSuccess()
			return nil
		}
		if bridgeerr.CodeOf(err) == bridgeerr.CodeCanceled {
			return err
		}
		if out.Committed() {
			// Bytes already reached the client; a retry would corrupt the
			// stream.
			return err
		}
		lastErr = err

		if !bridgeerr.IsRetryable(err) {
			return err
		}
		// An immediate-switch status rotates at most once per original
		// request; everything else feeds the consecutive-failure counter.
		if h.shouldSwitchImmediately(err) && !immediateSwitched {
			immediateSwitched = true
			h.switchForRequest(req)
		} else if h.machine.RecordFailure() {
			h.switchForRequest(req)
		}
	}
	if lastErr == nil {
		lastErr = bridgeerr.UpstreamStatus(502, "upstream failed")
	}
	return lastErr
}

// shouldSwitchImmediately reports whether err carries an upstream status in
// the immediate-switch set.
func (h *Handler) shouldSwitchImmediately(err error) bool {
	var be *bridgeerr.Error
	if !errors.As(err, &be) || be.Code != bridgeerr.CodeUpstreamStatus {
		return false
	}
	for _, code := range h.cfg.ImmediateSwitchStatusCodes {
		if be.HTTPStatus == code {
			return true
		}
	}
	return false
}

// switchForRequest rotates the identity on behalf of a failing request.
func (h *Handler) switchForRequest(req *dispatchRequest) {
	if err := h.machine.SwitchToNext(context.Background()); err != nil {
		log.Warnf("handler: switch for request %s failed: %v", req.ClientRequestID, err)
	}
}

// attempt performs one dispatch: mint a request id, register its queue, send
// the descriptor, and pump events into the sink until a terminal frame.
func (h *Handler) attempt(ctx context.Context, req *dispatchRequest, out sink) error {
	if h.machine.Busy() {
		return bridgeerr.BrowserRestarting()
	}
	identity, err := h.machine.EnsureActive(ctx)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	logger := log.WithField("request_id", req.ClientRequestID)
	logger.Debugf("handler: dispatch %s via identity %d", requestID, identity.Index)

	queue := h.bridge.RegisterQueue(requestID)
	defer h.bridge.UnregisterQueue(requestID)

	descriptor := &bridge.Descriptor{
		RequestID:     requestID,
		Method:        req.Method,
		Path:          req.Path,
		QueryParams:   req.Query,
		Headers:       req.Headers,
		Body:          req.Body,
		BodyB64:       req.BodyB64,
		IsGenerative:  req.IsGenerative,
		StreamingMode: req.StreamingMode,
	}
	if err = h.bridge.Send(descriptor); err != nil {
		return err
	}

	// Await the first response_headers frame.
	headersSeen := false
	timeout := responseHeaderTimeout
	for {
		ev, errDequeue := queue.Dequeue(ctx, timeout)
		if errDequeue != nil {
			return h.mapDequeueError(ctx, requestID, errDequeue)
		}
		switch ev.EventType {
		case bridge.EventResponseHeaders:
			if h.isImmediateSwitchStatus(ev.Status) {
				h.bridge.Cancel(requestID)
				return bridgeerr.UpstreamStatus(ev.Status, "upstream returned %d", ev.Status)
			}
			if ev.Status < 200 || ev.Status >= 300 {
				// The error frame with the diagnostic follows.
				headersSeen = true
				timeout = eventTimeout
				continue
			}
			out.Headers(ev.Status, ev.Headers)
			headersSeen = true
			timeout = eventTimeout
		case bridge.EventChunk:
			if !headersSeen {
				// Agents always send response_headers first; a missing frame
				// means a lossy channel, so synthesize a 200.
				out.Headers(200, nil)
				headersSeen = true
			}
			if errChunk := out.Chunk(ev.Data); errChunk != nil {
				h.bridge.Cancel(requestID)
				return bridgeerr.Canceled()
			}
			timeout = eventTimeout
		case bridge.EventStreamClose:
			return nil
		case bridge.EventError:
			status := ev.Status
			if status == 0 {
				status = 502
			}
			if status == 504 {
				return bridgeerr.UpstreamTimeout("%s", ev.Message)
			}
			return bridgeerr.UpstreamStatus(status, "%s", ev.Message)
		default:
			logger.Warnf("handler: unknown event %q for %s", ev.EventType, requestID)
		}
	}
}

// mapDequeueError converts queue failures into bridge errors, propagating
// cancellation to the agent.
func (h *Handler) mapDequeueError(ctx context.Context, requestID string, err error) error {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		h.bridge.Cancel(requestID)
		return bridgeerr.Canceled()
	}
	if errors.Is(err, msgqueue.ErrTimeout) {
		h.bridge.Cancel(requestID)
		return bridgeerr.QueueTimeout("no upstream event within wait budget")
	}
	var be *bridgeerr.Error
	if errors.As(err, &be) {
		return be
	}
	return bridgeerr.Disconnected("queue failed: %v", err)
}

// isImmediateSwitchStatus reports membership in the immediate-switch set.
func (h *Handler) isImmediateSwitchStatus(status int) bool {
	for _, code := range h.cfg.ImmediateSwitchStatusCodes {
		if status == code {
			return true
		}
	}
	return false
}
