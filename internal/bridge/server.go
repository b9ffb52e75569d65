package bridge

import (
	"embed"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

//go:embed static/agent.html static/agent.js
var staticFiles embed.FS

// channelServer is the loopback-only HTTP server the launched browser talks
// to: it serves the agent page and upgrades the duplex channel. It is
// deliberately separate from the public gin listener so the channel never
// traverses client-facing middleware.
type channelServer struct {
	manager  *Manager
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
}

const (
	agentPagePath    = "/bridge/agent"
	agentChannelPath = "/bridge/channel"
	helloTimeout     = 10 * time.Second
)

// newChannelServer binds an ephemeral loopback port and starts serving.
func newChannelServer(manager *Manager) (*channelServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &channelServer{
		manager:  manager,
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The page is served from this same loopback origin.
				return true
			},
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(agentPagePath, s.handlePage)
	mux.HandleFunc(agentPagePath+".js", s.handleScript)
	mux.HandleFunc(agentChannelPath, s.handleChannel)
	s.server = &http.Server{Handler: mux}
	go func() {
		if errServe := s.server.Serve(listener); errServe != nil && errServe != http.ErrServerClosed {
			log.Errorf("bridge: channel server: %v", errServe)
		}
	}()
	return s, nil
}

// Addr returns the bound loopback address.
func (s *channelServer) Addr() string {
	return s.listener.Addr().String()
}

// PageURL returns the URL the browser worker must open.
func (s *channelServer) PageURL() string {
	return "http://" + s.Addr() + agentPagePath
}

// Close stops accepting connections. Established channels are closed by the
// manager, not here.
func (s *channelServer) Close() error {
	return s.server.Close()
}

// handlePage serves the stub page that hosts the client agent script.
func (s *channelServer) handlePage(w http.ResponseWriter, r *http.Request) {
	data, err := staticFiles.ReadFile("static/agent.html")
	if err != nil {
		http.Error(w, "agent page missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

// handleScript serves the client agent script.
func (s *channelServer) handleScript(w http.ResponseWriter, r *http.Request) {
	data, err := staticFiles.ReadFile("static/agent.js")
	if err != nil {
		http.Error(w, "agent script missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write(data)
}

// handleChannel upgrades the duplex channel and waits for the agent's hello
// frame before handing the connection to the manager.
func (s *channelServer) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("bridge: channel upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxInboundFrame)
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Warnf("bridge: channel dropped before hello: %v", err)
		_ = conn.Close()
		return
	}
	ev, err := ParseEvent(data)
	if err != nil || ev.EventType != EventHello {
		log.Warnf("bridge: first frame was not hello, refusing channel")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	s.manager.attachChannel(conn)
}
