package wsmux

import (
	"context"

	"go.uber.org/zap"

	"shelltender/internal/apperr"
	"shelltender/internal/pattern"
	"shelltender/internal/store"
)

// handleMessage dispatches one decoded client frame to its handler.
// Failures are reported through sendError; on success a handler replies on
// cs, broadcasts (resize), or sends nothing (input, disconnect,
// admin-input). None of them ever closes the connection (per spec.md §7:
// malformed/unknown messages keep the connection open).
func (m *Multiplexer) handleMessage(cs *clientState, msg inMessage) {
	switch msg.Type {
	case "create":
		m.handleCreate(cs, msg)
	case "connect":
		m.handleConnect(cs, msg)
	case "input":
		m.handleInput(cs, msg)
	case "resize":
		m.handleResize(cs, msg)
	case "disconnect":
		m.handleDisconnect(cs, msg)
	case "register-pattern":
		m.handleRegisterPattern(cs, msg)
	case "unregister-pattern":
		m.handleUnregisterPattern(cs, msg)
	case "subscribe-events":
		m.handleSubscribeEvents(cs, msg, true)
	case "unsubscribe-events":
		m.handleSubscribeEvents(cs, msg, false)
	case "monitor-all":
		m.handleMonitorAll(cs, msg)
	case "admin-list":
		m.handleAdminList(cs, msg)
	case "admin-attach":
		m.handleAdminAttach(cs, msg)
	case "admin-detach":
		m.handleAdminDetach(cs, msg)
	case "admin-input":
		m.handleAdminInput(cs, msg)
	default:
		m.sendError(cs, msg.RequestID, "", string(apperr.UnknownMessageType)+": "+msg.Type)
	}
}

func (m *Multiplexer) handleCreate(cs *clientState, msg inMessage) {
	opts := toCreateOptions(msg.Options)
	if opts.Cols == 0 {
		opts.Cols = msg.Cols
	}
	if opts.Rows == 0 {
		opts.Rows = msg.Rows
	}

	sess, err := m.sessions.Create(opts)
	if err != nil {
		m.sendError(cs, msg.RequestID, opts.ID, err.Error())
		return
	}

	cs.mu.Lock()
	cs.subscribed[sess.ID] = true
	cs.mu.Unlock()
	m.addSubscriber(sess.ID, cs)

	m.reply(cs, outMessage{Type: "created", SessionID: sess.ID, Session: &sess})
}

func (m *Multiplexer) handleConnect(cs *clientState, msg inMessage) {
	if msg.SessionID == "" {
		m.sendError(cs, msg.RequestID, "", string(apperr.InvalidMessage)+": connect requires sessionId")
		return
	}
	if _, ok := m.sessions.Get(msg.SessionID); !ok {
		m.sendError(cs, msg.RequestID, msg.SessionID, string(apperr.SessionNotFound)+": "+msg.SessionID)
		return
	}

	cs.mu.Lock()
	cs.subscribed[msg.SessionID] = true
	cs.isIncremental[msg.SessionID] = msg.UseIncrementalUpdates
	cs.mu.Unlock()
	m.addSubscriber(msg.SessionID, cs)

	var out outMessage
	if msg.UseIncrementalUpdates {
		data, lastSeq := m.buffers.GetSince(msg.SessionID, msg.LastSequence)
		oldest, hasOldest := m.buffers.OldestSeq(msg.SessionID)
		gap := hasOldest && msg.LastSequence < oldest && lastSeq > msg.LastSequence
		if gap {
			out = outMessage{Type: "connect", SessionID: msg.SessionID, Scrollback: string(data), LastSequence: &lastSeq}
		} else {
			fromSeq := msg.LastSequence
			out = outMessage{Type: "connect", SessionID: msg.SessionID, IncrementalData: string(data), FromSequence: &fromSeq, LastSequence: &lastSeq}
		}
		cs.mu.Lock()
		cs.lastSeq[msg.SessionID] = lastSeq
		cs.mu.Unlock()
	} else {
		data, lastSeq := m.buffers.GetFull(msg.SessionID)
		out = outMessage{Type: "connect", SessionID: msg.SessionID, Scrollback: string(data), LastSequence: &lastSeq}
		cs.mu.Lock()
		cs.lastSeq[msg.SessionID] = lastSeq
		cs.mu.Unlock()
	}

	m.reply(cs, out)
}

func (m *Multiplexer) handleInput(cs *clientState, msg inMessage) {
	if msg.SessionID == "" {
		m.sendError(cs, msg.RequestID, "", string(apperr.InvalidMessage)+": input requires sessionId")
		return
	}
	cs.mu.Lock()
	ready := cs.subscribed[msg.SessionID]
	cs.mu.Unlock()
	if !ready {
		// Open question resolved per spec.md §9: writes before a
		// connect/create response has been sent for this session on this
		// connection are rejected, not queued or silently forwarded.
		m.sendError(cs, msg.RequestID, msg.SessionID, string(apperr.SessionNotFound)+": not connected to "+msg.SessionID)
		return
	}

	if _, err := m.sessions.WriteInput(msg.SessionID, []byte(msg.Data)); err != nil {
		m.sendError(cs, msg.RequestID, msg.SessionID, err.Error())
	}
}

func (m *Multiplexer) handleResize(cs *clientState, msg inMessage) {
	if err := m.sessions.Resize(msg.SessionID, msg.Cols, msg.Rows); err != nil {
		m.sendError(cs, msg.RequestID, msg.SessionID, err.Error())
		return
	}
	cols, rows := msg.Cols, msg.Rows
	m.broadcastEvent(msg.SessionID, outMessage{Type: "resize", SessionID: msg.SessionID, Cols: &cols, Rows: &rows})
}

func (m *Multiplexer) handleDisconnect(cs *clientState, msg inMessage) {
	cs.mu.Lock()
	delete(cs.subscribed, msg.SessionID)
	delete(cs.lastSeq, msg.SessionID)
	delete(cs.isIncremental, msg.SessionID)
	cs.mu.Unlock()
	m.removeSubscriber(msg.SessionID, cs.id)
}

func (m *Multiplexer) handleRegisterPattern(cs *clientState, msg inMessage) {
	cfg := toPatternConfig(msg.Config)
	patternID, err := m.patterns.Register(msg.SessionID, cfg)
	if err != nil {
		m.sendError(cs, msg.RequestID, msg.SessionID, err.Error())
		return
	}

	cs.mu.Lock()
	cs.ownedPatterns[patternID] = true
	cs.mu.Unlock()

	m.patterns.Subscribe(patternID, func(ev pattern.Event) {
		m.reply(cs, outMessage{Type: "terminal-event", SessionID: ev.SessionID, TerminalEvent: &ev})
	})

	m.persistPattern(msg.SessionID, patternID, cfg)

	m.reply(cs, outMessage{Type: "pattern-registered", PatternID: patternID, RequestID: msg.RequestID})
}

func (m *Multiplexer) handleUnregisterPattern(cs *clientState, msg inMessage) {
	m.patterns.Unregister(msg.PatternID)
	cs.mu.Lock()
	delete(cs.ownedPatterns, msg.PatternID)
	cs.mu.Unlock()
	m.reply(cs, outMessage{Type: "pattern-unregistered", PatternID: msg.PatternID, RequestID: msg.RequestID})
}

func (m *Multiplexer) handleSubscribeEvents(cs *clientState, msg inMessage, subscribe bool) {
	cs.mu.Lock()
	for _, t := range msg.EventTypes {
		if subscribe {
			cs.eventTypes[t] = true
		} else {
			delete(cs.eventTypes, t)
		}
	}
	cs.mu.Unlock()

	typ := "unsubscribed"
	if subscribe {
		typ = "subscribed"
	}
	m.reply(cs, outMessage{Type: typ, EventTypes: msg.EventTypes})
}

func (m *Multiplexer) handleMonitorAll(cs *clientState, msg inMessage) {
	if m.cfg.MonitorAuthKey == "" || msg.AuthKey != m.cfg.MonitorAuthKey {
		m.sendError(cs, msg.RequestID, "", string(apperr.AuthFailed)+": invalid monitor auth key")
		return
	}
	cs.mu.Lock()
	cs.isMonitor = true
	cs.mu.Unlock()

	m.mu.Lock()
	m.monitors[cs.id] = cs
	m.mu.Unlock()

	m.reply(cs, outMessage{Type: "monitor-mode-enabled"})
}

func (m *Multiplexer) handleAdminList(cs *clientState, msg inMessage) {
	all := m.sessions.GetAll()
	summaries := make([]sessionSummary, 0, len(all))
	for _, s := range all {
		summaries = append(summaries, sessionSummary{ID: s.ID, Cols: s.Cols, Rows: s.Rows})
	}
	m.reply(cs, outMessage{Type: "admin-list", Sessions: summaries, RequestID: msg.RequestID})
}

func (m *Multiplexer) handleAdminAttach(cs *clientState, msg inMessage) {
	data, lastSeq, err := m.admin.Attach(msg.SessionID)
	if err != nil {
		m.sendError(cs, msg.RequestID, msg.SessionID, err.Error())
		return
	}

	cs.mu.Lock()
	cs.adminSessions[msg.SessionID] = true
	cs.mu.Unlock()
	m.addSubscriber(msg.SessionID, cs)

	m.reply(cs, outMessage{Type: "connect", SessionID: msg.SessionID, Scrollback: string(data), LastSequence: &lastSeq, RequestID: msg.RequestID})
}

func (m *Multiplexer) handleAdminDetach(cs *clientState, msg inMessage) {
	cs.mu.Lock()
	delete(cs.adminSessions, msg.SessionID)
	cs.mu.Unlock()
	m.removeSubscriber(msg.SessionID, cs.id)
	m.reply(cs, outMessage{Type: "unsubscribed", SessionID: msg.SessionID, RequestID: msg.RequestID})
}

func (m *Multiplexer) handleAdminInput(cs *clientState, msg inMessage) {
	if err := m.admin.Write(msg.SessionID, []byte(msg.Data)); err != nil {
		m.sendError(cs, msg.RequestID, msg.SessionID, err.Error())
	}
}

// persistPattern appends a newly registered pattern to the session's
// on-disk record, matching SessionStore's save/getPatterns contract from
// spec.md §4.1. The record is only written: nothing re-registers stored
// patterns with the engine after a restart, and unregistering a pattern
// does not remove its record.
func (m *Multiplexer) persistPattern(sessionID, patternID string, cfg pattern.Config) {
	existing, err := m.st.GetPatterns(sessionID)
	if err != nil {
		m.logger.Warn("failed to load patterns before persisting new one", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	rec := store.PatternRecord{ID: patternID, Name: cfg.Name, Type: string(cfg.Type), Pattern: cfg.Pattern}
	if err := m.st.SavePatterns(sessionID, append(existing, rec)); err != nil {
		m.logger.Warn("failed to persist registered pattern", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// reply encodes and enqueues a single frame to cs.
func (m *Multiplexer) reply(cs *clientState, out outMessage) {
	data, err := out.encode()
	if err != nil {
		m.logger.Error("failed to encode outbound message", zap.String("type", out.Type), zap.Error(err))
		return
	}
	m.enqueue(cs, data)
}

// sendError replies with a standard error frame, keeping the connection
// open per spec.md §7.
func (m *Multiplexer) sendError(cs *clientState, requestID, sessionID, message string) {
	m.reply(cs, outMessage{Type: "error", ErrorMessage: message, RequestID: requestID, SessionID: sessionID})
}

// addSubscriber adds cs to a session's subscriber index for broadcast.
func (m *Multiplexer) addSubscriber(sessionID string, cs *clientState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribersBySession[sessionID]
	if !ok {
		subs = make(map[string]bool)
		m.subscribersBySession[sessionID] = subs
	}
	subs[cs.id] = true
}

func (m *Multiplexer) removeSubscriber(sessionID, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribersBySession[sessionID]
	if !ok {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(m.subscribersBySession, sessionID)
	}
}

// broadcastOutput sends one "output" frame (carrying sequence) to every
// client subscribed to sessionID, and a "session-output" firehose frame to
// every monitor client. It also advances each subscriber's sequence
// cursor, so a later disconnect/reconnect with useIncrementalUpdates
// resumes from the right place even for clients that never asked for
// incremental updates on this connect.
func (m *Multiplexer) broadcastOutput(sessionID string, data []byte, seq uint64) {
	seqCopy := seq
	frame := outMessage{Type: "output", SessionID: sessionID, Data: string(data), Sequence: &seqCopy}
	encoded, err := frame.encode()
	if err != nil {
		m.logger.Error("failed to encode output frame", zap.Error(err))
		return
	}

	m.mu.RLock()
	subs := m.subscribersBySession[sessionID]
	targets := make([]*clientState, 0, len(subs))
	for id := range subs {
		if c, ok := m.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	monitors := make([]*clientState, 0, len(m.monitors))
	for _, c := range m.monitors {
		monitors = append(monitors, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		c.mu.Lock()
		c.lastSeq[sessionID] = seq
		c.mu.Unlock()
		m.enqueue(c, encoded)
	}

	if len(monitors) > 0 {
		firehose := outMessage{Type: "session-output", SessionID: sessionID, Data: string(data), Sequence: &seqCopy}
		fEncoded, err := firehose.encode()
		if err == nil {
			for _, c := range monitors {
				m.enqueue(c, fEncoded)
			}
		}
	}

	if m.bcast.Connected() {
		m.bcast.Publish(context.Background(), sessionID, seq, data)
	}
}

// broadcastEvent sends a non-output frame (resize, exit, ...) to every
// client subscribed to sessionID.
func (m *Multiplexer) broadcastEvent(sessionID string, frame outMessage) {
	encoded, err := frame.encode()
	if err != nil {
		m.logger.Error("failed to encode broadcast event", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	m.mu.RLock()
	subs := m.subscribersBySession[sessionID]
	targets := make([]*clientState, 0, len(subs))
	for id := range subs {
		if c, ok := m.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()
	for _, c := range targets {
		m.enqueue(c, encoded)
	}
}
