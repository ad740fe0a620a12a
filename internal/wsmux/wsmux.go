// Package wsmux is Shelltender's WebSocket multiplexer: one connection
// may subscribe to many sessions, receiving ordered output frames with
// sequence numbers and supporting both full-buffer replay and incremental
// catch-up after a reconnect.
package wsmux

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shelltender/internal/adminproxy"
	"shelltender/internal/broadcast"
	"shelltender/internal/buffer"
	"shelltender/internal/logging"
	"shelltender/internal/metrics"
	"shelltender/internal/pattern"
	"shelltender/internal/pipeline"
	"shelltender/internal/session"
	"shelltender/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	outboundQueueSize = 256
)

// OverflowPolicy selects what happens when a client's outbound queue is
// full: either the connection is dropped, or back-pressure is applied by
// blocking the PTY-side send path for up to writeWait, after which the
// connection is dropped as well.
type OverflowPolicy string

const (
	OverflowDropClient  OverflowPolicy = "drop"
	OverflowBackpressure OverflowPolicy = "backpressure"
)

// Config configures one Multiplexer instance.
type Config struct {
	Path           string
	MonitorAuthKey string
	CORSOrigins    []string
	Overflow       OverflowPolicy
}

// clientState mirrors the spec's ClientState: per-connection subscription
// bookkeeping guarded by the connection's own mutex.
type clientState struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	mu        sync.Mutex

	subscribed     map[string]bool
	lastSeq        map[string]uint64
	isIncremental  map[string]bool
	ownedPatterns  map[string]bool
	eventTypes     map[string]bool
	isMonitor      bool
	adminSessions  map[string]bool
	connectedAt    time.Time
	closed         bool
}

// monitors and adminSessions reuse clientState entirely; the Multiplexer
// only needs an index of which clients are currently in monitor mode so
// broadcastOutput can reach them without scanning every client.

func newClientState(conn *websocket.Conn) *clientState {
	return &clientState{
		id:            uuid.New().String(),
		conn:          conn,
		send:          make(chan []byte, outboundQueueSize),
		subscribed:    make(map[string]bool),
		lastSeq:       make(map[string]uint64),
		isIncremental: make(map[string]bool),
		ownedPatterns: make(map[string]bool),
		eventTypes:    make(map[string]bool),
		adminSessions: make(map[string]bool),
		connectedAt:   time.Now(),
	}
}

// Multiplexer wires together SessionManager, the Pipeline, BufferManager,
// and PatternEngine behind a WebSocket upgrade handler.
type Multiplexer struct {
	cfg Config

	sessions *session.Manager
	buffers  *buffer.Manager
	pipe     *pipeline.Pipeline
	patterns *pattern.Engine
	st       *store.Store
	admin    *adminproxy.Proxy
	bcast    broadcast.Broadcaster

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*clientState
	// subscribersBySession indexes which clients are subscribed to a
	// session, for O(subscribers) broadcast instead of O(all clients).
	subscribersBySession map[string]map[string]bool
	monitors             map[string]*clientState

	logger *zap.Logger
}

// New constructs a Multiplexer. Call Run once to start consuming
// SessionManager's data stream. bcast may be a broadcast.Noop when no
// cross-instance fan-out is configured.
func New(cfg Config, sessions *session.Manager, buffers *buffer.Manager, pipe *pipeline.Pipeline, patterns *pattern.Engine, st *store.Store, admin *adminproxy.Proxy, bcast broadcast.Broadcaster) *Multiplexer {
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDropClient
	}
	origins := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		origins[o] = true
	}

	m := &Multiplexer{
		cfg:                  cfg,
		sessions:             sessions,
		buffers:              buffers,
		pipe:                 pipe,
		patterns:             patterns,
		st:                   st,
		admin:                admin,
		bcast:                bcast,
		clients:              make(map[string]*clientState),
		subscribersBySession: make(map[string]map[string]bool),
		monitors:             make(map[string]*clientState),
		logger:               logging.Named("wsmux"),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			return origins[r.Header.Get("Origin")]
		},
	}
	return m
}

// Run wires the pipeline's processed-data stream to buffer append and
// broadcast, and the pattern engine's emissions to subscribed clients.
// It also drains SessionManager's data channel into the pipeline (restored
// replays skip it and go straight to the buffer) and turns its ended
// channel into "exit" frames. Call it once, typically in its own goroutine.
func (m *Multiplexer) Run() {
	m.pipe.Subscribe(func(n pipeline.Notification) {
		if n.Kind != pipeline.KindData {
			return
		}
		ev := n.Event
		seq := m.buffers.Append(ev.SessionID, ev.ProcessedData)
		m.broadcastOutput(ev.SessionID, ev.ProcessedData, seq)
		m.patterns.Scan(ev.SessionID, ev.ProcessedData)
	})

	go func() {
		for ev := range m.sessions.Data() {
			source, _ := ev.Metadata["source"].(string)
			if source == "restored" {
				// Restored buffers are replayed verbatim, not re-run
				// through the pipeline or pattern-scanned: they were
				// already processed before the last shutdown.
				seq := m.buffers.Append(ev.SessionID, ev.Bytes)
				m.broadcastOutput(ev.SessionID, ev.Bytes, seq)
				continue
			}
			m.pipe.Process(ev.SessionID, ev.Bytes, ev.Metadata)
		}
	}()

	go func() {
		for end := range m.sessions.Ended() {
			m.broadcastEvent(end.SessionID, outMessage{Type: "exit", SessionID: end.SessionID, ExitCode: &end.ExitCode})
		}
	}()

	if m.bcast.Connected() {
		// A monitor attached to this instance must also see output from
		// sessions whose PTY lives on a different instance. Locally
		// produced chunks reach monitors directly in broadcastOutput; this
		// only forwards envelopes whose Origin is some other instance.
		_, err := m.bcast.SubscribeAll(context.Background(), func(env broadcast.Envelope) {
			if env.Origin == m.bcast.InstanceID() {
				return
			}
			m.mu.RLock()
			monitors := make([]*clientState, 0, len(m.monitors))
			for _, c := range m.monitors {
				monitors = append(monitors, c)
			}
			m.mu.RUnlock()
			if len(monitors) == 0 {
				return
			}
			seq := env.Sequence
			firehose := outMessage{Type: "session-output", SessionID: env.SessionID, Data: string(env.Data), Sequence: &seq}
			encoded, encErr := firehose.encode()
			if encErr != nil {
				return
			}
			for _, c := range monitors {
				m.enqueue(c, encoded)
			}
		})
		if err != nil {
			m.logger.Warn("failed to subscribe to cross-instance broadcast firehose", zap.Error(err))
		}
	}
}

// HandleUpgrade is the http.Handler for the configured WebSocket path. It
// matches the path exactly and destroys the connection on mismatch (a
// writer that cannot be hijacked gets a 404 instead).
func (m *Multiplexer) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != m.cfg.Path {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cs := newClientState(conn)
	m.mu.Lock()
	m.clients[cs.id] = cs
	m.mu.Unlock()
	metrics.Get().WSConnectionsActive.Inc()

	go m.writePump(cs)
	m.readPump(cs)
}

func (m *Multiplexer) readPump(cs *clientState) {
	defer m.cleanupClient(cs)

	cs.conn.SetReadLimit(maxMessageSize)
	cs.conn.SetReadDeadline(time.Now().Add(pongWait))
	cs.conn.SetPongHandler(func(string) error {
		cs.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cs.conn.ReadMessage()
		if err != nil {
			return
		}
		metrics.Get().WSMessagesTotal.WithLabelValues("in", "raw").Inc()

		var msg inMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.sendError(cs, "", "", "invalid message format")
			continue
		}
		m.handleMessage(cs, msg)
	}
}

func (m *Multiplexer) writePump(cs *clientState) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cs.conn.Close()
	}()

	for {
		select {
		case data, ok := <-cs.send:
			cs.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cs.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cs.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			metrics.Get().WSMessagesTotal.WithLabelValues("out", "frame").Inc()
		case <-ticker.C:
			cs.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cs.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Multiplexer) cleanupClient(cs *clientState) {
	cs.conn.Close()

	m.mu.Lock()
	delete(m.clients, cs.id)
	delete(m.monitors, cs.id)
	for sid, subs := range m.subscribersBySession {
		delete(subs, cs.id)
		if len(subs) == 0 {
			delete(m.subscribersBySession, sid)
		}
	}
	m.mu.Unlock()

	cs.mu.Lock()
	owned := make([]string, 0, len(cs.ownedPatterns))
	for pid := range cs.ownedPatterns {
		owned = append(owned, pid)
	}
	cs.mu.Unlock()
	for _, pid := range owned {
		m.patterns.Unregister(pid)
	}

	metrics.Get().WSConnectionsActive.Dec()
}

// enqueue pushes a pre-encoded frame onto a client's outbound queue,
// applying the configured overflow policy when the queue is full.
func (m *Multiplexer) enqueue(cs *clientState, data []byte) {
	select {
	case cs.send <- data:
	default:
		switch m.cfg.Overflow {
		case OverflowBackpressure:
			select {
			case cs.send <- data:
			case <-time.After(writeWait):
				m.dropClient(cs)
			}
		default:
			m.dropClient(cs)
		}
	}
}

func (m *Multiplexer) dropClient(cs *clientState) {
	metrics.Get().WSOutboundDropped.WithLabelValues(string(m.cfg.Overflow)).Inc()
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	cs.mu.Unlock()
	cs.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "outbound queue overflow"),
		time.Now().Add(writeWait))
	cs.conn.Close()
}
