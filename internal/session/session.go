// Package session owns PTY child processes: it creates, resizes, writes
// to, and kills them, and restores sessions that were live at the moment
// the process last exited.
package session

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"shelltender/internal/apperr"
	"shelltender/internal/logging"
	"shelltender/internal/metrics"
	"shelltender/internal/pattern"
	"shelltender/internal/store"
)

// DataEvent is emitted for every chunk of PTY output, whether freshly read
// or replayed from disk at startup.
type DataEvent struct {
	SessionID string
	Bytes     []byte
	Metadata  map[string]interface{}
}

// EndEvent is emitted once when a session's PTY process exits.
type EndEvent struct {
	SessionID string
	ExitCode  int
}

// CreateOptions are the caller-supplied parameters for Create.
type CreateOptions struct {
	ID           string
	Cols         int
	Rows         int
	Command      string
	Args         []string
	Cwd          string
	Env          map[string]string
	Locked       bool
	Restrictions *store.Restrictions
}

// Key identifies one of the fixed set of non-printable keys sendKey can
// translate to an escape sequence.
type Key string

const (
	KeyUp       Key = "ArrowUp"
	KeyDown     Key = "ArrowDown"
	KeyLeft     Key = "ArrowLeft"
	KeyRight    Key = "ArrowRight"
	KeyEnter    Key = "Enter"
	KeyTab      Key = "Tab"
	KeyEscape   Key = "Escape"
	KeyBackspace Key = "Backspace"
	KeyCtrlC    Key = "Ctrl+C"
	KeyCtrlD    Key = "Ctrl+D"
)

var keySequences = map[Key]string{
	KeyUp:        "\x1b[A",
	KeyDown:      "\x1b[B",
	KeyRight:     "\x1b[C",
	KeyLeft:      "\x1b[D",
	KeyEnter:     "\r",
	KeyTab:       "\t",
	KeyEscape:    "\x1b",
	KeyBackspace: "\x7f",
	KeyCtrlC:     "\x03",
	KeyCtrlD:     "\x04",
}

type liveSession struct {
	mu sync.Mutex

	meta    store.Session
	cmd     *exec.Cmd
	ptmx    *os.File
	clients map[string]struct{}
	// restored is true from construction until the first live PTY chunk
	// arrives; the first live chunk clears it.
	restored bool
}

// Manager owns every live PTY handle in the process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession

	store    *store.Store
	patterns *pattern.Engine
	data     chan DataEvent
	ended    chan EndEvent
	logger   *zap.Logger
}

// NewManager constructs a Manager backed by store for persistence. Data
// and End channels are buffered (256 and 64 events) fan-out points the
// Pipeline (or any other subscriber) drains; a send blocks once the
// buffer is full.
func NewManager(st *store.Store) *Manager {
	return &Manager{
		sessions: make(map[string]*liveSession),
		store:    st,
		data:     make(chan DataEvent, 256),
		ended:    make(chan EndEvent, 64),
		logger:   logging.Named("session"),
	}
}

// AttachPatternEngine wires the PatternEngine so Kill can clear a
// session's registrations and rolling scan window along with everything
// else, instead of leaking them for the life of the process.
func (m *Manager) AttachPatternEngine(p *pattern.Engine) {
	m.patterns = p
}

// Data returns the channel of PTY output events, including synthetic
// "restored" replays performed at startup.
func (m *Manager) Data() <-chan DataEvent { return m.data }

// Ended returns the channel of session-exit notifications.
func (m *Manager) Ended() <-chan EndEvent { return m.ended }

// RestoreAll loads every persisted session from the store, respawns its
// PTY with the stored dimensions and cwd, and emits one synthetic "data"
// event per session carrying the stored buffer tagged source=restored. A
// session whose shell fails to respawn is dropped from the store but does
// not abort restoration of the others.
func (m *Manager) RestoreAll() {
	records := m.store.LoadAll()
	for id, rec := range records {
		opts := CreateOptions{
			ID:      id,
			Cols:    rec.Session.Cols,
			Rows:    rec.Session.Rows,
			Command: rec.Session.Command,
			Args:    rec.Session.Args,
			Cwd:     rec.Cwd,
			Env:     rec.Env,
			Locked:  rec.Session.Locked,
		}
		ls, err := m.spawn(opts, rec.Session.CreatedAt)
		if err != nil {
			m.logger.Warn("failed to respawn restored session, dropping", zap.String("session_id", id), zap.Error(err))
			_ = m.store.Delete(id)
			continue
		}
		ls.restored = true

		m.mu.Lock()
		m.sessions[id] = ls
		m.mu.Unlock()

		if len(rec.Buffer) > 0 {
			m.data <- DataEvent{
				SessionID: id,
				Bytes:     append([]byte(nil), rec.Buffer...),
				Metadata:  map[string]interface{}{"source": "restored"},
			}
		}

		go m.readLoop(id, ls)
		go m.waitLoop(id, ls)
	}
}

// Create spawns a new PTY session, or returns the existing one if
// opts.ID already names a live session (reattach semantics).
func (m *Manager) Create(opts CreateOptions) (store.Session, error) {
	if opts.ID != "" {
		m.mu.RLock()
		existing, ok := m.sessions[opts.ID]
		m.mu.RUnlock()
		if ok {
			existing.mu.Lock()
			meta := existing.meta
			existing.mu.Unlock()
			return meta, nil
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}

	ls, err := m.spawn(opts, time.Now().UnixMilli())
	if err != nil {
		return store.Session{}, err
	}

	m.mu.Lock()
	m.sessions[opts.ID] = ls
	m.mu.Unlock()

	metrics.Get().SessionsCreatedTotal.Inc()
	metrics.Get().SessionsActive.Set(float64(m.Count()))

	if err := m.store.Init(); err == nil {
		_ = m.store.Save(opts.ID, ls.meta, nil, ls.meta.Cwd)
	}

	go m.readLoop(opts.ID, ls)
	go m.waitLoop(opts.ID, ls)

	ls.mu.Lock()
	meta := ls.meta
	ls.mu.Unlock()
	return meta, nil
}

func resolveShell(command string) string {
	if command != "" {
		return command
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func (m *Manager) spawn(opts CreateOptions, createdAt int64) (*liveSession, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	shellPath := resolveShell(opts.Command)

	env := append([]string{}, os.Environ()...)
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TERM=xterm-256color",
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"LC_CTYPE=en_US.UTF-8",
	)

	cwd := opts.Cwd
	if cwd == "" {
		cwd = os.TempDir()
	}

	cmd := exec.Command(shellPath, opts.Args...)
	cmd.Dir = cwd
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Wrap(apperr.ShellNotFound, fmt.Sprintf("shell not found: %s", shellPath), err)
		}
		return nil, apperr.Wrap(apperr.PtySpawnFailed, fmt.Sprintf("command=%s args=%v cwd=%s platform=%s", shellPath, opts.Args, cwd, runtime.GOOS), err)
	}

	meta := store.Session{
		ID:             opts.ID,
		CreatedAt:      createdAt,
		LastAccessedAt: createdAt,
		Cols:           cols,
		Rows:           rows,
		Command:        shellPath,
		Args:           opts.Args,
		Cwd:            cwd,
		Env:            opts.Env,
		Locked:         opts.Locked,
		Restrictions:   opts.Restrictions,
	}

	return &liveSession{
		meta:    meta,
		cmd:     cmd,
		ptmx:    ptmx,
		clients: make(map[string]struct{}),
	}, nil
}

func (m *Manager) readLoop(id string, ls *liveSession) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ls.ptmx.Read(buf)
		if n > 0 {
			ls.mu.Lock()
			source := "pty"
			if ls.restored {
				ls.restored = false
			}
			ls.meta.LastAccessedAt = time.Now().UnixMilli()
			ls.mu.Unlock()

			chunk := append([]byte(nil), buf[:n]...)
			m.data <- DataEvent{
				SessionID: id,
				Bytes:     chunk,
				Metadata:  map[string]interface{}{"source": source},
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) waitLoop(id string, ls *liveSession) {
	err := ls.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	m.ended <- EndEvent{SessionID: id, ExitCode: code}
	metrics.Get().SessionsKilledTotal.WithLabelValues("exited").Inc()
}

// Get returns a snapshot of one session's metadata.
func (m *Manager) Get(id string) (store.Session, bool) {
	m.mu.RLock()
	ls, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return store.Session{}, false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.meta, true
}

// GetAll returns a snapshot of every live session's metadata.
func (m *Manager) GetAll() []store.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.Session, 0, len(m.sessions))
	for _, ls := range m.sessions {
		ls.mu.Lock()
		out = append(out, ls.meta)
		ls.mu.Unlock()
	}
	return out
}

// Count returns the number of currently live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Resize changes a session's PTY dimensions. Bounds match the data model
// invariant: 0 < cols,rows < 1000.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols >= 1000 || rows >= 1000 {
		return apperr.Newf(apperr.InvalidMessage, "resize dimensions out of bounds: cols=%d rows=%d", cols, rows)
	}
	m.mu.RLock()
	ls, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.SessionNotFound, id).WithSession(id)
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if err := pty.Setsize(ls.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return apperr.Wrap(apperr.InternalError, "resize pty", err)
	}
	ls.meta.Cols = cols
	ls.meta.Rows = rows
	return nil
}

// WriteInput forwards data to a session's PTY. It returns false if the
// session does not exist.
func (m *Manager) WriteInput(id string, data []byte) (bool, error) {
	m.mu.RLock()
	ls, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false, apperr.New(apperr.SessionNotFound, id).WithSession(id)
	}
	ls.mu.Lock()
	meta := ls.meta
	ptmx := ls.ptmx
	if meta.Locked {
		ls.mu.Unlock()
		return false, apperr.New(apperr.AuthFailed, "session is locked").WithSession(id)
	}
	ls.meta.LastAccessedAt = time.Now().UnixMilli()
	ls.mu.Unlock()

	if _, err := ptmx.Write(data); err != nil {
		return false, apperr.Wrap(apperr.InternalError, "write to pty", err).WithSession(id)
	}
	return true, nil
}

// SendCommand writes data followed by a newline, the common "run a shell
// command" helper.
func (m *Manager) SendCommand(id string, command string) (bool, error) {
	return m.WriteInput(id, []byte(command+"\n"))
}

// SendKey writes the escape sequence for one of the fixed named keys.
func (m *Manager) SendKey(id string, key Key) (bool, error) {
	seq, ok := keySequences[key]
	if !ok {
		return false, apperr.Newf(apperr.InvalidMessage, "unknown key %q", key)
	}
	return m.WriteInput(id, []byte(seq))
}

// Kill terminates a session's PTY process, removes it from memory, and
// deletes its on-disk record.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return apperr.New(apperr.SessionNotFound, id).WithSession(id)
	}

	ls.mu.Lock()
	proc := ls.cmd.Process
	ls.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
	_ = ls.ptmx.Close()

	if m.patterns != nil {
		m.patterns.ClearSession(id)
	}

	metrics.Get().SessionsActive.Set(float64(m.Count()))
	if err := m.store.Delete(id); err != nil {
		m.logger.Warn("failed to delete session record on kill", zap.String("session_id", id), zap.Error(err))
	}
	return nil
}

// KillAll terminates every live session and returns how many were killed
// out of the total attempted.
func (m *Manager) KillAll() (killed, total int) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	total = len(ids)
	for _, id := range ids {
		if err := m.Kill(id); err == nil {
			killed++
		}
	}
	return killed, total
}
