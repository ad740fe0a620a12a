package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelltender/internal/apperr"
	"shelltender/internal/pattern"
	"shelltender/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	st := store.New(dir)
	require.NoError(t, st.Init())
	return NewManager(st)
}

func drainOne(t *testing.T, m *Manager) DataEvent {
	t.Helper()
	select {
	case ev := <-m.Data():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for data event")
		return DataEvent{}
	}
}

func TestCreateSpawnsEchoAndReadLoopDeliversOutput(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(CreateOptions{Command: "/bin/sh", Args: []string{"-c", "echo hello-shelltender"}})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	var seen []byte
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-m.Data():
			seen = append(seen, ev.Bytes...)
			if len(seen) > 0 {
				goto done
			}
		case <-deadline:
			t.Fatal("timed out waiting for pty output")
		}
	}
done:
	assert.Contains(t, string(seen), "hello-shelltender")
}

func TestCreateWithExistingIDReattachesInsteadOfErroring(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(CreateOptions{ID: "dup", Command: "/bin/sh", Args: []string{"-c", "sleep 1"}})
	require.NoError(t, err)

	again, err := m.Create(CreateOptions{ID: "dup", Command: "/bin/sh"})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)
	assert.Equal(t, 1, m.Count())
}

func TestCreateUnknownShellReturnsShellNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(CreateOptions{Command: "/no/such/shell-binary-xyz"})
	require.Error(t, err)
	assert.Equal(t, apperr.ShellNotFound, apperr.KindOf(err))
}

func TestResizeRejectsOutOfBoundsDimensions(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 1"}})
	require.NoError(t, err)

	err = m.Resize(sess.ID, 0, 40)
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidMessage, apperr.KindOf(err))

	err = m.Resize(sess.ID, 120, 1000)
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidMessage, apperr.KindOf(err))
}

func TestResizeUnknownSessionReturnsSessionNotFound(t *testing.T) {
	m := newTestManager(t)
	err := m.Resize("does-not-exist", 80, 24)
	require.Error(t, err)
	assert.Equal(t, apperr.SessionNotFound, apperr.KindOf(err))
}

func TestResizeUpdatesStoredDimensions(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 1"}, Cols: 80, Rows: 24})
	require.NoError(t, err)

	require.NoError(t, m.Resize(sess.ID, 120, 40))
	got, ok := m.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, 120, got.Cols)
	assert.Equal(t, 40, got.Rows)
}

func TestWriteInputRejectsLockedSession(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 1"}, Locked: true})
	require.NoError(t, err)

	_, err = m.WriteInput(sess.ID, []byte("echo hi\n"))
	require.Error(t, err)
	assert.Equal(t, apperr.AuthFailed, apperr.KindOf(err))
}

func TestWriteInputUnknownSessionReturnsSessionNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.WriteInput("ghost", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, apperr.SessionNotFound, apperr.KindOf(err))
}

func TestSendKeyUnknownKeyIsRejected(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 1"}})
	require.NoError(t, err)

	_, err = m.SendKey(sess.ID, Key("not-a-real-key"))
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidMessage, apperr.KindOf(err))
}

func TestKillRemovesSessionAndDeletesStoreRecord(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir)
	require.NoError(t, st.Init())
	m := NewManager(st)

	sess, err := m.Create(CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 2"}})
	require.NoError(t, err)

	require.NoError(t, m.Kill(sess.ID))
	_, ok := m.Get(sess.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())

	_, statErr := os.Stat(filepath.Join(dir, sess.ID+".json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestKillClearsSessionFromAttachedPatternEngine(t *testing.T) {
	m := newTestManager(t)
	patterns := pattern.NewEngine()
	m.AttachPatternEngine(patterns)

	sess, err := m.Create(CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 2"}})
	require.NoError(t, err)

	patternID, err := patterns.Register(sess.ID, pattern.Config{Name: "p", Type: pattern.TypeString, Pattern: "hi"})
	require.NoError(t, err)

	var fired int
	patterns.Subscribe(patternID, func(pattern.Event) { fired++ })

	require.NoError(t, m.Kill(sess.ID))

	patterns.Scan(sess.ID, []byte("hi"))
	assert.Equal(t, 0, fired, "killing a session should clear its registrations from the pattern engine")
}

func TestKillUnknownSessionReturnsSessionNotFound(t *testing.T) {
	m := newTestManager(t)
	err := m.Kill("never-existed")
	require.Error(t, err)
	assert.Equal(t, apperr.SessionNotFound, apperr.KindOf(err))
}

func TestKillAllReportsKilledAndTotal(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.Create(CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 2"}})
		require.NoError(t, err)
	}
	killed, total := m.KillAll()
	assert.Equal(t, 3, killed)
	assert.Equal(t, 3, total)
	assert.Equal(t, 0, m.Count())
}

func TestRestoreAllRespawnsAndEmitsRestoredSourceEvent(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir)
	require.NoError(t, st.Init())

	sess := store.Session{ID: "restored-1", Cols: 80, Rows: 24, Command: "/bin/sh"}
	require.NoError(t, st.Save(sess.ID, sess, []byte("previous output"), ""))

	m := NewManager(st)
	m.RestoreAll()

	ev := drainOne(t, m)
	assert.Equal(t, "restored-1", ev.SessionID)
	assert.Equal(t, "previous output", string(ev.Bytes))
	assert.Equal(t, "restored", ev.Metadata["source"])

	_, ok := m.Get("restored-1")
	assert.True(t, ok)
	require.NoError(t, m.Kill("restored-1"))
}

func TestRestoreAllDropsRecordWhenRespawnFails(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir)
	require.NoError(t, st.Init())

	sess := store.Session{ID: "broken", Cols: 80, Rows: 24, Command: "/no/such/shell-binary-xyz"}
	require.NoError(t, st.Save(sess.ID, sess, nil, ""))

	m := NewManager(st)
	m.RestoreAll()

	_, ok := m.Get("broken")
	assert.False(t, ok)

	loaded, err := st.Load("broken")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSendCommandAppendsNewline(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(CreateOptions{Command: "/bin/sh"})
	require.NoError(t, err)

	ok, err := m.SendCommand(sess.ID, "echo from-send-command")
	require.NoError(t, err)
	assert.True(t, ok)

	var seen []byte
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-m.Data():
			seen = append(seen, ev.Bytes...)
			if strings.Contains(string(seen), "from-send-command") {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for echoed command output")
		}
	}
}
