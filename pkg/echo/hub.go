// Package echo implements a small peer for the event protocol: it echoes
// envelopes back, answers pings and fans broadcasts out to every connected
// client. It backs the evsock-echo server and the integration tests.
package echo

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/evsock/pkg/logger"
)

const (
	writeTimeout   = 10 * time.Second
	sendBufferSize = 64
	maxPayloadSize = 1 << 20 // 1MB
)

// Hub tracks connected peers.
type Hub struct {
	peers  map[uint64]*peer
	conns  *connLimiter
	mu     sync.RWMutex
	nextID uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[uint64]*peer)}
}

// SetConnLimits caps concurrent connections per IP and in total. Call it
// before serving.
func (h *Hub) SetConnLimits(l Limits) {
	if l.MaxConnsPerIP > 0 || l.MaxConnsTotal > 0 {
		h.conns = newConnLimiter(l.MaxConnsPerIP, l.MaxConnsTotal)
	}
}

// Handler returns the WebSocket endpoint.
func (h *Hub) Handler() http.Handler {
	ws := websocket.Handler(h.serve)
	if h.conns == nil {
		return ws
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !h.conns.add(ip) {
			logger.Warn("connection limit reached", logger.Fields{"ip": ip})
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer h.conns.remove(ip)
		ws.ServeHTTP(w, r)
	})
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Broadcast queues text for every connected peer and returns how many
// accepted it.
func (h *Hub) Broadcast(text string) int {
	h.mu.RLock()
	snapshot := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		snapshot = append(snapshot, p)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, p := range snapshot {
		if p.enqueue(text) {
			delivered++
		}
	}
	logger.Debug("broadcast", logger.Fields{"delivered": delivered, "peers": len(snapshot)})
	return delivered
}

// DropAll closes every current connection. New connections are still
// accepted.
func (h *Hub) DropAll() {
	h.mu.RLock()
	snapshot := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		snapshot = append(snapshot, p)
	}
	h.mu.RUnlock()

	logger.Info("dropping all peers", logger.Fields{"peers": len(snapshot)})
	for _, p := range snapshot {
		p.close()
	}
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	h.nextID++
	p.id = h.nextID
	h.peers[p.id] = p
	total := len(h.peers)
	h.mu.Unlock()
	logger.Info("peer connected", logger.Fields{"peer_id": p.id, "remote": p.remote, "total_peers": total})
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	total := len(h.peers)
	h.mu.Unlock()
	p.close()
	logger.Info("peer disconnected", logger.Fields{"peer_id": p.id, "total_peers": total})
}

func (h *Hub) serve(ws *websocket.Conn) {
	ws.MaxPayloadBytes = maxPayloadSize
	p := newPeer(ws)
	h.register(p)
	defer h.unregister(p)
	go p.run()

	for {
		var text string
		if err := websocket.Message.Receive(ws, &text); err != nil {
			logger.Debug("peer read ended", logger.Fields{"peer_id": p.id, "error": err.Error()})
			return
		}
		h.route(p, text)
	}
}

// route answers one inbound message.
func (h *Hub) route(p *peer, text string) {
	var env map[string]any
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		p.enqueue(text)
		return
	}

	event, _ := env["event"].(string) //nolint:errcheck // type assertion, not error
	switch event {
	case "echo":
		p.enqueue(text)
	case "ping":
		env["event"] = "pong"
		p.enqueueJSON(env)
	case "broadcast":
		n := h.Broadcast(text)
		p.enqueueJSON(map[string]any{"event": "broadcastResult", "clients": n})
	default:
		logger.Debug("unknown event", logger.Fields{"peer_id": p.id, "event": event})
		p.enqueueJSON(map[string]any{
			"event":   "error",
			"error":   "unknown_event",
			"message": "no route for event " + event,
		})
	}
}

// peer is one connected client. Only run writes to the connection.
type peer struct {
	ws        *websocket.Conn
	send      chan string
	done      chan struct{}
	remote    string
	id        uint64
	closeOnce sync.Once
}

func newPeer(ws *websocket.Conn) *peer {
	remote := ""
	if r := ws.Request(); r != nil {
		remote = r.RemoteAddr
	}
	return &peer{
		ws:     ws,
		send:   make(chan string, sendBufferSize),
		done:   make(chan struct{}),
		remote: remote,
	}
}

func (p *peer) run() {
	for {
		select {
		case <-p.done:
			return
		case text := <-p.send:
			if err := p.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				logger.Warn("set write deadline failed", logger.Fields{"peer_id": p.id, "error": err.Error()})
				p.close()
				return
			}
			if err := websocket.Message.Send(p.ws, text); err != nil {
				logger.Warn("peer write failed", logger.Fields{"peer_id": p.id, "error": err.Error()})
				p.close()
				return
			}
		}
	}
}

// enqueue queues text without blocking and reports whether it was accepted.
func (p *peer) enqueue(text string) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- text:
		return true
	default:
		logger.Warn("dropped message for peer: buffer full", logger.Fields{"peer_id": p.id})
		return false
	}
}

func (p *peer) enqueueJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("encoding reply failed", err, logger.Fields{"peer_id": p.id})
		return false
	}
	return p.enqueue(string(data))
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if err := p.ws.Close(); err != nil {
			logger.Debug("closing peer connection failed", logger.Fields{"peer_id": p.id, "error": err.Error()})
		}
	})
}
