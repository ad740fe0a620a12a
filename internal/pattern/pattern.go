// Package pattern implements Shelltender's per-session pattern match
// engine: string, regex, and custom-predicate rules scanned against a
// rolling window of recently processed output, with debouncing and
// multiline buffering.
package pattern

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"shelltender/internal/apperr"
	"shelltender/internal/metrics"
)

// MatchType identifies how a pattern's Pattern field is interpreted.
type MatchType string

const (
	TypeString MatchType = "string"
	TypeRegex  MatchType = "regex"
	TypeCustom MatchType = "custom"
)

// Options configures debouncing and context-window sizing for one
// registered pattern.
type Options struct {
	DebounceMs   int
	Multiline    bool
	ContextLines int
}

// Config is the caller-supplied description of one pattern to register.
// For TypeCustom, Fn must be set; Pattern is informational only.
type Config struct {
	Name    string
	Type    MatchType
	Pattern string
	Fn      func(window []byte) *MatchResult
	Options Options
}

// MatchResult is what a custom matcher function returns on a hit.
type MatchResult struct {
	Match  string
	Groups map[string]string
}

// Event is emitted to subscribers of a patternId on every non-debounced
// match. The Engine only emits pattern matches; session exits reach
// clients as separate "exit" frames sent by wsmux.
type Event struct {
	Type          string // "pattern-match" for every event the Engine emits
	SessionID     string
	PatternName   string
	PatternID     string
	Match         string
	Groups        map[string]string
	ContextBefore string
	ContextAfter  string
	Timestamp     time.Time
}

const defaultWindowBytes = 4096

type registration struct {
	id        string
	sessionID string
	config    Config
	compiled  *regexp.Regexp

	mu          sync.Mutex
	lastFireKey string
	lastFireAt  time.Time
}

// Engine holds every session's registered patterns and a rolling
// per-session scan buffer.
type Engine struct {
	mu   sync.RWMutex
	regs map[string]*registration // patternId -> registration

	bufMu    sync.Mutex
	windows  map[string][]byte // sessionId -> rolling window

	subMu       sync.Mutex
	subscribers map[string][]func(Event) // patternId -> callbacks
}

// NewEngine constructs an empty pattern Engine.
func NewEngine() *Engine {
	return &Engine{
		regs:        make(map[string]*registration),
		windows:     make(map[string][]byte),
		subscribers: make(map[string][]func(Event)),
	}
}

// Register compiles and stores a pattern for a session, returning its
// generated patternId. Registration is idempotent: calling it again with
// the same Name for the same session replaces the prior rule under a new
// id, the old one still usable until explicitly unregistered.
func (e *Engine) Register(sessionID string, cfg Config) (string, error) {
	reg := &registration{
		id:        uuid.New().String(),
		sessionID: sessionID,
		config:    cfg,
	}

	switch cfg.Type {
	case TypeRegex:
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return "", apperr.Wrap(apperr.PatternCompileError, "compile regex pattern "+cfg.Name, err)
		}
		reg.compiled = re
	case TypeString:
		re, err := regexp.Compile(regexp.QuoteMeta(cfg.Pattern))
		if err != nil {
			return "", apperr.Wrap(apperr.PatternCompileError, "compile string pattern "+cfg.Name, err)
		}
		reg.compiled = re
	case TypeCustom:
		if cfg.Fn == nil {
			return "", apperr.New(apperr.PatternCompileError, "custom pattern "+cfg.Name+" requires Fn")
		}
	default:
		return "", apperr.New(apperr.PatternCompileError, "unknown pattern type for "+cfg.Name)
	}

	e.mu.Lock()
	e.regs[reg.id] = reg
	e.mu.Unlock()

	return reg.id, nil
}

// Unregister removes a pattern. It is idempotent: unregistering an
// unknown id is not an error.
func (e *Engine) Unregister(patternID string) {
	e.mu.Lock()
	delete(e.regs, patternID)
	e.mu.Unlock()
	e.subMu.Lock()
	delete(e.subscribers, patternID)
	e.subMu.Unlock()
}

// Subscribe registers cb to receive events for one patternId.
func (e *Engine) Subscribe(patternID string, cb func(Event)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscribers[patternID] = append(e.subscribers[patternID], cb)
}

func (e *Engine) windowSize(reg *registration) int {
	if reg.config.Options.ContextLines > 0 {
		// A conservative 80 bytes/line estimate; the window is widened
		// to at least defaultWindowBytes per the multiline rule (largest
		// of contextLines-derived size or 4 KiB).
		size := reg.config.Options.ContextLines * 80
		if size > defaultWindowBytes {
			return size
		}
	}
	return defaultWindowBytes
}

// Scan feeds a newly processed chunk for sessionID through every
// registered pattern for that session, emitting non-debounced matches to
// subscribers.
func (e *Engine) Scan(sessionID string, chunk []byte) {
	e.mu.RLock()
	var regs []*registration
	for _, r := range e.regs {
		if r.sessionID == sessionID {
			regs = append(regs, r)
		}
	}
	e.mu.RUnlock()

	// The stored window must hold enough history for the largest window
	// any registration on this session asks for; trimming to a smaller
	// registration's size would evict bytes a later-visited, larger-window
	// registration still needs.
	maxLen := defaultWindowBytes
	for _, reg := range regs {
		if sz := e.windowSize(reg); sz > maxLen {
			maxLen = sz
		}
	}

	e.bufMu.Lock()
	w := append(e.windows[sessionID], chunk...)
	if len(w) > maxLen {
		w = w[len(w)-maxLen:]
	}
	e.windows[sessionID] = w
	full := append([]byte(nil), w...)
	e.bufMu.Unlock()

	for _, reg := range regs {
		// Each registration sees its own slice of the shared history, sized
		// to its own configured window, never a destructive trim of the
		// buffer other registrations still rely on.
		regLen := e.windowSize(reg)
		window := full
		if len(window) > regLen {
			window = window[len(window)-regLen:]
		}
		e.matchOne(reg, sessionID, window)
	}
}

func (e *Engine) matchOne(reg *registration, sessionID string, window []byte) {
	var match string
	var groups map[string]string

	switch reg.config.Type {
	case TypeCustom:
		res := reg.config.Fn(window)
		if res == nil {
			return
		}
		match = res.Match
		groups = res.Groups
	default:
		loc := reg.compiled.FindSubmatchIndex(window)
		if loc == nil {
			return
		}
		match = string(window[loc[0]:loc[1]])
		groups = namedGroups(reg.compiled, window, loc)
	}

	if reg.config.Options.DebounceMs > 0 {
		reg.mu.Lock()
		now := time.Now()
		key := reg.id + "|" + match
		if reg.lastFireKey == key && now.Sub(reg.lastFireAt) < time.Duration(reg.config.Options.DebounceMs)*time.Millisecond {
			reg.mu.Unlock()
			metrics.Get().PatternDebouncedTotal.WithLabelValues(reg.config.Name).Inc()
			return
		}
		reg.lastFireKey = key
		reg.lastFireAt = now
		reg.mu.Unlock()
	}

	ev := Event{
		Type:        "pattern-match",
		SessionID:   sessionID,
		PatternName: reg.config.Name,
		PatternID:   reg.id,
		Match:       match,
		Groups:      groups,
		Timestamp:   time.Now(),
	}
	metrics.Get().PatternMatchesTotal.WithLabelValues(reg.config.Name).Inc()

	e.subMu.Lock()
	cbs := append([]func(Event){}, e.subscribers[reg.id]...)
	e.subMu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func namedGroups(re *regexp.Regexp, window []byte, loc []int) map[string]string {
	names := re.SubexpNames()
	if len(names) <= 1 {
		return nil
	}
	groups := make(map[string]string)
	for i := 1; i*2 < len(loc); i++ {
		if loc[i*2] < 0 {
			continue
		}
		val := string(window[loc[i*2]:loc[i*2+1]])
		if names[i] != "" {
			groups[names[i]] = val
		}
		groups[strconv.Itoa(i)] = val
	}
	return groups
}

// ClearSession drops a session's rolling window and every pattern
// registered against it, used when a session is killed.
func (e *Engine) ClearSession(sessionID string) {
	e.bufMu.Lock()
	delete(e.windows, sessionID)
	e.bufMu.Unlock()

	e.mu.Lock()
	for id, r := range e.regs {
		if r.sessionID == sessionID {
			delete(e.regs, id)
		}
	}
	e.mu.Unlock()
}
