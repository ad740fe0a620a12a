package wsmux

import (
	"encoding/json"

	"shelltender/internal/pattern"
	"shelltender/internal/session"
	"shelltender/internal/store"
)

// inMessage is the envelope for every client->server frame. Fields unused
// by a given type are left zero/nil.
type inMessage struct {
	Type string `json:"type"`

	// create
	Options *createOptionsWire `json:"options,omitempty"`

	// connect / input / resize / disconnect / admin-attach / admin-detach / admin-input
	SessionID string `json:"sessionId,omitempty"`

	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	UseIncrementalUpdates bool   `json:"useIncrementalUpdates,omitempty"`
	LastSequence          uint64 `json:"lastSequence,omitempty"`

	Data string `json:"data,omitempty"`

	// register-pattern / unregister-pattern
	Config    *patternConfigWire `json:"config,omitempty"`
	PatternID string             `json:"patternId,omitempty"`
	RequestID string             `json:"requestId,omitempty"`

	// subscribe-events / unsubscribe-events
	EventTypes []string `json:"eventTypes,omitempty"`

	// monitor-all
	AuthKey string `json:"authKey,omitempty"`

	// admin-list has no extra fields
}

type createOptionsWire struct {
	ID      string            `json:"id,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Rows    int               `json:"rows,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Locked  bool              `json:"locked,omitempty"`
}

type patternConfigWire struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Pattern string          `json:"pattern"`
	Options patternOptsWire `json:"options"`
}

type patternOptsWire struct {
	DebounceMs   int  `json:"debounce"`
	Multiline    bool `json:"multiline"`
	ContextLines int  `json:"contextLines"`
}

// outMessage is the envelope for every server->client frame. Only the
// fields relevant to Type are populated; json omits the rest.
type outMessage struct {
	Type string `json:"type"`

	SessionID string        `json:"sessionId,omitempty"`
	Session   *store.Session `json:"session,omitempty"`

	Scrollback     string  `json:"scrollback,omitempty"`
	IncrementalData string `json:"incrementalData,omitempty"`
	FromSequence   *uint64 `json:"fromSequence,omitempty"`
	LastSequence   *uint64 `json:"lastSequence,omitempty"`

	Data     string  `json:"data,omitempty"`
	Sequence *uint64 `json:"sequence,omitempty"`

	Cols *int `json:"cols,omitempty"`
	Rows *int `json:"rows,omitempty"`

	ErrorMessage string `json:"-"`
	RequestID    string `json:"requestId,omitempty"`

	PatternID   string `json:"patternId,omitempty"`
	PatternName string `json:"patternName,omitempty"`

	EventTypes []string `json:"eventTypes,omitempty"`

	ExitCode *int `json:"exitCode,omitempty"`

	TerminalEvent *pattern.Event `json:"-"`

	Sessions []sessionSummary `json:"sessions,omitempty"`
}

type sessionSummary struct {
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// encode marshals an outMessage, translating the Go-idiomatic internal
// fields (ErrorMessage, TerminalEvent) into their wire shapes.
func (o outMessage) encode() ([]byte, error) {
	type wire struct {
		outMessage
		Error string      `json:"data,omitempty"`
		Event *patternWire `json:"event,omitempty"`
	}
	w := wire{outMessage: o}
	if o.Type == "error" {
		w.Error = o.ErrorMessage
	}
	if o.TerminalEvent != nil {
		w.Event = toPatternWire(o.TerminalEvent)
	}
	return json.Marshal(w)
}

type patternWire struct {
	Type          string            `json:"type"`
	SessionID     string            `json:"sessionId"`
	PatternName   string            `json:"patternName"`
	PatternID     string            `json:"patternId"`
	Match         string            `json:"match"`
	Groups        map[string]string `json:"groups,omitempty"`
	ContextBefore string            `json:"contextBefore,omitempty"`
	ContextAfter  string            `json:"contextAfter,omitempty"`
	Timestamp     int64             `json:"timestamp"`
}

func toPatternWire(ev *pattern.Event) *patternWire {
	return &patternWire{
		Type:          ev.Type,
		SessionID:     ev.SessionID,
		PatternName:   ev.PatternName,
		PatternID:     ev.PatternID,
		Match:         ev.Match,
		Groups:        ev.Groups,
		ContextBefore: ev.ContextBefore,
		ContextAfter:  ev.ContextAfter,
		Timestamp:     ev.Timestamp.UnixMilli(),
	}
}

func toCreateOptions(w *createOptionsWire) session.CreateOptions {
	if w == nil {
		return session.CreateOptions{}
	}
	return session.CreateOptions{
		ID:      w.ID,
		Cols:    w.Cols,
		Rows:    w.Rows,
		Command: w.Command,
		Args:    w.Args,
		Cwd:     w.Cwd,
		Env:     w.Env,
		Locked:  w.Locked,
	}
}

func toPatternConfig(w *patternConfigWire) pattern.Config {
	if w == nil {
		return pattern.Config{}
	}
	return pattern.Config{
		Name:    w.Name,
		Type:    pattern.MatchType(w.Type),
		Pattern: w.Pattern,
		Options: pattern.Options{
			DebounceMs:   w.Options.DebounceMs,
			Multiline:    w.Options.Multiline,
			ContextLines: w.Options.ContextLines,
		},
	}
}
