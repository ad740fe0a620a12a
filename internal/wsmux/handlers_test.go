package wsmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelltender/internal/adminproxy"
	"shelltender/internal/broadcast"
	"shelltender/internal/buffer"
	"shelltender/internal/pattern"
	"shelltender/internal/pipeline"
	"shelltender/internal/session"
	"shelltender/internal/store"
)

// newTestMux builds a Multiplexer wired to real (but process-free) session,
// buffer, pipeline, pattern, and store components, using a Noop broadcaster
// so no network access is required.
func newTestMux(t *testing.T) *Multiplexer {
	t.Helper()
	st := store.New(t.TempDir())
	require.NoError(t, st.Init())
	sessions := session.NewManager(st)
	buffers := buffer.NewManager(1000)
	pipe := pipeline.New()
	patterns := pattern.NewEngine()
	bcast, err := broadcast.New("")
	require.NoError(t, err)
	admin := adminproxy.New(sessions, buffers, pipe)

	return New(Config{Path: "/ws", MonitorAuthKey: "secret"}, sessions, buffers, pipe, patterns, st, admin, bcast)
}

func TestHandleInputRejectsBeforeSubscribed(t *testing.T) {
	m := newTestMux(t)
	cs := newClientState(nil)

	m.handleInput(cs, inMessage{Type: "input", SessionID: "unknown", Data: "ls\n"})

	select {
	case data := <-cs.send:
		assert.Contains(t, string(data), "SessionNotFound")
	default:
		t.Fatal("expected an error frame")
	}
}

func TestHandleMonitorAllRequiresMatchingAuthKey(t *testing.T) {
	m := newTestMux(t)
	cs := newClientState(nil)

	m.handleMonitorAll(cs, inMessage{Type: "monitor-all", AuthKey: "wrong"})
	select {
	case data := <-cs.send:
		assert.Contains(t, string(data), "AuthFailed")
	default:
		t.Fatal("expected an error frame")
	}
	assert.False(t, cs.isMonitor)

	cs2 := newClientState(nil)
	m.handleMonitorAll(cs2, inMessage{Type: "monitor-all", AuthKey: "secret"})
	select {
	case data := <-cs2.send:
		assert.Contains(t, string(data), "monitor-mode-enabled")
	default:
		t.Fatal("expected a success frame")
	}
	assert.True(t, cs2.isMonitor)

	m.mu.RLock()
	_, registered := m.monitors[cs2.id]
	m.mu.RUnlock()
	assert.True(t, registered)
}

func TestHandleSubscribeEventsToggles(t *testing.T) {
	m := newTestMux(t)
	cs := newClientState(nil)

	m.handleSubscribeEvents(cs, inMessage{EventTypes: []string{"bell", "exit"}}, true)
	<-cs.send
	cs.mu.Lock()
	assert.True(t, cs.eventTypes["bell"])
	assert.True(t, cs.eventTypes["exit"])
	cs.mu.Unlock()

	m.handleSubscribeEvents(cs, inMessage{EventTypes: []string{"bell"}}, false)
	<-cs.send
	cs.mu.Lock()
	assert.False(t, cs.eventTypes["bell"])
	assert.True(t, cs.eventTypes["exit"])
	cs.mu.Unlock()
}

func TestHandleAdminListReturnsLiveSessions(t *testing.T) {
	m := newTestMux(t)
	cs := newClientState(nil)

	m.handleAdminList(cs, inMessage{RequestID: "r1"})
	select {
	case data := <-cs.send:
		assert.Contains(t, string(data), "admin-list")
	default:
		t.Fatal("expected an admin-list frame")
	}
}

func TestHandleUnknownMessageTypeSendsError(t *testing.T) {
	m := newTestMux(t)
	cs := newClientState(nil)

	m.handleMessage(cs, inMessage{Type: "not-a-real-type"})
	select {
	case data := <-cs.send:
		assert.Contains(t, string(data), "UnknownMessageType")
	default:
		t.Fatal("expected an error frame")
	}
}
