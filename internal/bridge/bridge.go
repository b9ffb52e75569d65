package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/AIStudioProxyAPI/internal/bridgeerr"
	"github.com/router-for-me/AIStudioProxyAPI/internal/msgqueue"
	"github.com/router-for-me/AIStudioProxyAPI/internal/registry"
)

// State describes the bridge's position in the rotation state machine.
type State int32

const (
	// StateIdle means no browser worker is running.
	StateIdle State = iota
	// StateActive means a worker is up and the channel has completed its handshake.
	StateActive
	// StateRestarting means a teardown/relaunch is in flight.
	StateRestarting
)

// String implements fmt.Stringer for log lines and the health endpoint.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRestarting:
		return "restarting"
	default:
		return "idle"
	}
}

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second
	maxInboundFrame  = 64 << 20 // 64 MiB
)

// AgentLink is the duplex peer that executes request descriptors: either the
// websocket connection to a page-resident agent, or an in-process executor.
type AgentLink interface {
	// Send transmits one serialized descriptor frame.
	Send(data []byte) error
	// Close tears the link down. Idempotent.
	Close() error
}

// LocalAgentFactory builds an in-process agent link. emit is the bridge's
// event sink; the agent calls it once per upstream event frame.
type LocalAgentFactory func(emit func(Event)) AgentLink

// Options configures a Manager instance.
type Options struct {
	// LaunchBrowser starts the browser process pointed at the agent page URL
	// for the given identity. nil disables browser launching (local agent or
	// tests).
	LaunchBrowser func(ctx context.Context, identity registry.Identity, pageURL string) (stop func(), err error)
	// LocalAgent, when non-nil, replaces the browser worker with an
	// in-process executor. The wire contract is identical.
	LocalAgent LocalAgentFactory
	// OnChannelDown is invoked when an established channel drops outside of a
	// deliberate restart or close.
	OnChannelDown func(err error)
}

// Manager owns exactly one worker and exactly one live duplex channel, plus
// the request-id to queue table the dispatcher feeds.
type Manager struct {
	opts Options

	server *channelServer

	mu             sync.Mutex
	state          State
	link           AgentLink
	stopBrowser    func()
	activeIdentity *registry.Identity
	handshakeCh    chan AgentLink

	queuesMu sync.RWMutex
	queues   map[string]*msgqueue.Queue[Event]

	closeOnce sync.Once
	closedErr error
}

// NewManager builds a bridge manager. Start must be called before Launch.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:   opts,
		queues: make(map[string]*msgqueue.Queue[Event]),
	}
}

// Start opens the loopback channel server the agent page connects back to.
// It is a no-op when a local agent factory is configured.
func (m *Manager) Start() error {
	if m.opts.LocalAgent != nil {
		return nil
	}
	server, err := newChannelServer(m)
	if err != nil {
		return err
	}
	m.server = server
	log.Infof("bridge: channel server listening on %s", server.Addr())
	return nil
}

// PageURL returns the agent page URL the browser must open.
func (m *Manager) PageURL() string {
	if m.server == nil {
		return ""
	}
	return m.server.PageURL()
}

// State returns the current bridge state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a live channel is established.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive && m.link != nil
}

// ActiveIdentity returns the identity the current worker was launched with.
func (m *Manager) ActiveIdentity() (registry.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeIdentity == nil {
		return registry.Identity{}, false
	}
	return *m.activeIdentity, true
}

// Launch starts the worker with the given identity and awaits the handshake
// frame. Fails with BrowserUnavailable when the launch or handshake fails.
func (m *Manager) Launch(ctx context.Context, identity registry.Identity) error {
	m.mu.Lock()
	if m.state == StateActive {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateRestarting {
		m.mu.Unlock()
		return bridgeerr.BrowserRestarting()
	}
	m.mu.Unlock()
	return m.launch(ctx, identity)
}

// launch performs the actual worker start. Callers hold no locks.
func (m *Manager) launch(ctx context.Context, identity registry.Identity) error {
	if m.opts.LocalAgent != nil {
		link := m.opts.LocalAgent(m.Deliver)
		m.mu.Lock()
		m.link = link
		m.state = StateActive
		m.activeIdentity = &identity
		m.mu.Unlock()
		log.Infof("bridge: in-process agent attached for identity %d (%s)", identity.Index, identity.Name)
		return nil
	}

	if m.opts.LaunchBrowser == nil || m.server == nil {
		return bridgeerr.BrowserUnavailable("no browser launcher configured")
	}

	handshakeCh := make(chan AgentLink, 1)
	m.mu.Lock()
	m.handshakeCh = handshakeCh
	m.mu.Unlock()

	stop, err := m.opts.LaunchBrowser(ctx, identity, m.server.PageURL())
	if err != nil {
		m.mu.Lock()
		m.handshakeCh = nil
		m.mu.Unlock()
		return bridgeerr.BrowserUnavailable("launch failed for identity %d: %v", identity.Index, err)
	}

	select {
	case link := <-handshakeCh:
		m.mu.Lock()
		m.link = link
		m.stopBrowser = stop
		m.state = StateActive
		m.activeIdentity = &identity
		m.handshakeCh = nil
		m.mu.Unlock()
		log.Infof("bridge: handshake complete for identity %d (%s)", identity.Index, identity.Name)
		return nil
	case <-time.After(handshakeTimeout):
		stop()
		m.mu.Lock()
		m.handshakeCh = nil
		m.mu.Unlock()
		return bridgeerr.BrowserUnavailable("handshake timed out for identity %d", identity.Index)
	case <-ctx.Done():
		stop()
		m.mu.Lock()
		m.handshakeCh = nil
		m.mu.Unlock()
		return bridgeerr.BrowserUnavailable("launch canceled: %v", ctx.Err())
	}
}

// Restart tears down the worker and channel, then launches anew with the
// given identity. All in-flight queues are closed with BrowserRestarting
// before teardown. At most one restart runs at a time; concurrent restarts
// fail fast.
func (m *Manager) Restart(ctx context.Context, identity registry.Identity) error {
	m.mu.Lock()
	if m.state == StateRestarting {
		m.mu.Unlock()
		return bridgeerr.BrowserRestarting()
	}
	m.state = StateRestarting
	link := m.link
	stop := m.stopBrowser
	m.link = nil
	m.stopBrowser = nil
	m.activeIdentity = nil
	m.mu.Unlock()

	m.closeAllQueues(bridgeerr.BrowserRestarting())
	if link != nil {
		_ = link.Close()
	}
	if stop != nil {
		stop()
	}

	err := m.launch(ctx, identity)
	if err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return err
	}
	return nil
}

// Teardown stops the worker without relaunching, moving the bridge to Idle.
// In-flight queues are closed with the supplied cause.
func (m *Manager) Teardown(cause *bridgeerr.Error) {
	m.mu.Lock()
	link := m.link
	stop := m.stopBrowser
	m.link = nil
	m.stopBrowser = nil
	m.activeIdentity = nil
	m.state = StateIdle
	m.mu.Unlock()

	m.closeAllQueues(cause)
	if link != nil {
		_ = link.Close()
	}
	if stop != nil {
		stop()
	}
}

// Close shuts the bridge down. Idempotent. Closes all queues with BrowserClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.Teardown(bridgeerr.BrowserClosed())
		if m.server != nil {
			m.closedErr = m.server.Close()
		}
	})
	return m.closedErr
}

// Send serializes the descriptor and transmits it on the channel. During a
// restart new sends fail immediately with BrowserRestarting rather than
// blocking; without a channel they fail with Disconnected.
func (m *Manager) Send(descriptor *Descriptor) error {
	m.mu.Lock()
	state := m.state
	link := m.link
	m.mu.Unlock()

	if state == StateRestarting {
		return bridgeerr.BrowserRestarting()
	}
	if state != StateActive || link == nil {
		return bridgeerr.Disconnected("no live channel")
	}
	data, err := descriptor.Marshal()
	if err != nil {
		return bridgeerr.FormatError("marshal descriptor: %v", err)
	}
	if err = link.Send(data); err != nil {
		return bridgeerr.Disconnected("send failed: %v", err)
	}
	return nil
}

// Cancel transmits a cancel frame for the given request id. Best effort.
func (m *Manager) Cancel(requestID string) {
	err := m.Send(&Descriptor{RequestID: requestID, EventType: EventTypeCancelRequest})
	if err != nil {
		log.Debugf("bridge: cancel %s not delivered: %v", requestID, err)
	}
}

// SetLogLevel transmits a log-level frame to the agent. Best effort.
func (m *Manager) SetLogLevel(level string) {
	err := m.Send(&Descriptor{EventType: EventTypeSetLogLevel, LogLevel: level})
	if err != nil {
		log.Debugf("bridge: set_log_level not delivered: %v", err)
	}
}

// RegisterQueue allocates and registers the event queue for a request id.
func (m *Manager) RegisterQueue(requestID string) *msgqueue.Queue[Event] {
	queue := msgqueue.New[Event]()
	m.queuesMu.Lock()
	m.queues[requestID] = queue
	m.queuesMu.Unlock()
	return queue
}

// UnregisterQueue removes the queue for a request id, closing it if needed.
func (m *Manager) UnregisterQueue(requestID string) {
	m.queuesMu.Lock()
	queue, ok := m.queues[requestID]
	if ok {
		delete(m.queues, requestID)
	}
	m.queuesMu.Unlock()
	if ok {
		queue.Close(bridgeerr.Canceled())
	}
}

// HasQueue reports whether a queue is registered for the request id.
func (m *Manager) HasQueue(requestID string) bool {
	m.queuesMu.RLock()
	_, ok := m.queues[requestID]
	m.queuesMu.RUnlock()
	return ok
}

// Deliver routes a decoded upstream event to its request queue. Events for
// unknown ids are dropped with a warning.
func (m *Manager) Deliver(ev Event) {
	m.queuesMu.RLock()
	queue, ok := m.queues[ev.RequestID]
	m.queuesMu.RUnlock()
	if !ok {
		log.Warnf("bridge: dropping %s event for unknown request %s", ev.EventType, ev.RequestID)
		return
	}
	queue.Enqueue(ev)
}

// closeAllQueues closes and removes every registered queue with cause.
func (m *Manager) closeAllQueues(cause *bridgeerr.Error) {
	m.queuesMu.Lock()
	queues := m.queues
	m.queues = make(map[string]*msgqueue.Queue[Event])
	m.queuesMu.Unlock()
	for id, queue := range queues {
		queue.Close(cause)
		log.Debugf("bridge: queue %s closed: %s", id, cause.Code)
	}
}

// attachChannel wires a freshly upgraded websocket into the bridge after the
// agent's hello frame. Called by the channel server.
func (m *Manager) attachChannel(conn *websocket.Conn) {
	link := newWSLink(conn, m)

	m.mu.Lock()
	handshakeCh := m.handshakeCh
	m.mu.Unlock()

	if handshakeCh == nil {
		// A connection outside a launch window replaces nothing; refuse it so
		// the single-worker invariant holds.
		log.Warnf("bridge: unexpected channel connection refused")
		_ = link.Close()
		return
	}
	select {
	case handshakeCh <- link:
	default:
		log.Warnf("bridge: duplicate handshake refused")
		_ = link.Close()
	}
}

// handleChannelDown reacts to an established channel dropping. Deliberate
// restarts and closes detach the link first, so only genuine drops arrive.
func (m *Manager) handleChannelDown(link AgentLink, cause error) {
	m.mu.Lock()
	if m.link != link {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.activeIdentity = nil
	m.state = StateIdle
	stop := m.stopBrowser
	m.stopBrowser = nil
	m.mu.Unlock()

	log.Warnf("bridge: channel down: %v", cause)
	m.closeAllQueues(bridgeerr.Disconnected("channel dropped: %v", cause))
	if stop != nil {
		stop()
	}
	if m.opts.OnChannelDown != nil {
		m.opts.OnChannelDown(cause)
	}
}

// wsLink adapts a websocket connection to the AgentLink contract and pumps
// inbound frames into the bridge dispatcher.
type wsLink struct {
	conn      *websocket.Conn
	manager   *Manager
	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSLink(conn *websocket.Conn, manager *Manager) *wsLink {
	link := &wsLink{conn: conn, manager: manager, closed: make(chan struct{})}
	conn.SetReadLimit(maxInboundFrame)
	go link.readLoop()
	return link
}

// Send writes one text frame. Serialized so concurrent handlers never
// interleave partial frames.
func (l *wsLink) Send(data []byte) error {
	select {
	case <-l.closed:
		return errors.New("bridge: channel closed")
	default:
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the websocket down. Idempotent.
func (l *wsLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
	})
	return nil
}

// readLoop decodes frames and hands them to the dispatcher until the
// connection drops.
func (l *wsLink) readLoop() {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.closeOnce.Do(func() {
				close(l.closed)
				_ = l.conn.Close()
				l.manager.handleChannelDown(l, err)
			})
			return
		}
		ev, errParse := ParseEvent(data)
		if errParse != nil {
			log.Warnf("bridge: undecodable frame dropped: %v", errParse)
			continue
		}
		if ev.EventType == EventHello {
			continue
		}
		l.manager.Deliver(ev)
	}
}
