// Package adminproxy lets an authenticated operator attach read/write to
// any live session by id. It is grounded on the teacher's
// internal/terminal/multiplexer.go Attach/Detach/SnapshotHistory shape,
// re-targeted from "collaborator joins a shared terminal" to "operator
// attaches to an arbitrary session for support/debugging", reusing
// wsmux's own broadcast path rather than keeping a parallel one.
package adminproxy

import (
	"shelltender/internal/apperr"
	"shelltender/internal/buffer"
	"shelltender/internal/pipeline"
	"shelltender/internal/session"
)

// Proxy wires admin attach/input onto the existing BufferManager, Pipeline,
// and SessionManager. It holds no per-attachment state of its own — wsmux
// tracks which clients are attached as admins, exactly as it tracks normal
// subscriptions.
type Proxy struct {
	sessions *session.Manager
	buffers  *buffer.Manager
	pipe     *pipeline.Pipeline
}

// New constructs a Proxy over the shared session/buffer/pipeline components.
func New(sessions *session.Manager, buffers *buffer.Manager, pipe *pipeline.Pipeline) *Proxy {
	return &Proxy{sessions: sessions, buffers: buffers, pipe: pipe}
}

// Attach returns the current full buffer and last sequence for sessionID,
// for replay to a newly-attached operator before they join the live
// broadcast path. It does not register the caller anywhere: the caller
// (wsmux) adds its own client to the session's broadcast subscriber set.
func (p *Proxy) Attach(sessionID string) ([]byte, uint64, error) {
	if _, ok := p.sessions.Get(sessionID); !ok {
		return nil, 0, apperr.New(apperr.SessionNotFound, sessionID).WithSession(sessionID)
	}
	data, lastSeq := p.buffers.GetFull(sessionID)
	return data, lastSeq, nil
}

// Write forwards operator input into a session's PTY, tagging it
// metadata.source="admin" and running it through the pipeline's filter
// chain (not the full processor chain — admin input is never buffered or
// broadcast as if it were PTY output) so filters like noBinary or
// maxDataSize can reject oversized or malformed operator input exactly as
// they would PTY-originated data.
func (p *Proxy) Write(sessionID string, data []byte) error {
	if pass, blockedBy := p.pipe.FilterOnly(sessionID, data, map[string]interface{}{"source": "admin"}); !pass {
		return apperr.Newf(apperr.PayloadTooLarge, "admin input to session %s blocked by filter %s", sessionID, blockedBy).WithSession(sessionID)
	}
	ok, err := p.sessions.WriteInput(sessionID, data)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.SessionNotFound, sessionID).WithSession(sessionID)
	}
	return nil
}

