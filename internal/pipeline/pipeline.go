// Package pipeline implements Shelltender's ordered processor/filter chain:
// the canonical path every PTY chunk takes before it reaches the buffer,
// the pattern engine, or a WebSocket client.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"shelltender/internal/logging"
	"shelltender/internal/metrics"
)

// Event is the record passed through filters and processors, and the
// payload of the pipeline's own subscriber callbacks.
type Event struct {
	SessionID       string
	Timestamp       time.Time
	OriginalData    []byte
	ProcessedData   []byte
	Transformations []string
	Metadata        map[string]interface{}
}

// Filter is a pure predicate: returning false blocks the event. Filters
// are fail-open — a panic recovered from a filter counts as "pass".
type Filter struct {
	Name string
	Fn   func(Event) bool
}

// Processor transforms an event. Returning (nil, nil) drops the event.
// Processors run in ascending Priority order; insertion order breaks
// ties. A panic recovered from a processor counts as "no-op, skip" and
// the event continues unchanged.
type Processor struct {
	Name     string
	Priority int
	Fn       func(Event) (*Event, error)
}

// Kind identifies which stage emitted a lifecycle notification to
// subscribers.
type Kind string

const (
	KindRaw         Kind = "data:raw"
	KindBlocked     Kind = "data:blocked"
	KindDropped     Kind = "data:dropped"
	KindTransformed Kind = "data:transformed"
	KindProcessed   Kind = "data:processed"
	KindData        Kind = "data"
	KindError       Kind = "error"
)

// Notification is what subscribers receive at every pipeline stage.
type Notification struct {
	Kind      Kind
	Event     Event
	Name      string // filter/processor name, when applicable
	Err       error
}

// DefaultPriority is applied to processors registered without an explicit
// priority.
const DefaultPriority = 50

// Pipeline runs the filter/processor chain and fans results out to
// subscribers in registration order.
type Pipeline struct {
	mu         sync.RWMutex
	filters    []Filter
	processors []Processor

	subMu       sync.Mutex
	subscribers []func(Notification)

	logger *zap.Logger
}

// New constructs an empty Pipeline. Built-in processors/filters are added
// separately via RegisterFilter/RegisterProcessor so callers can opt out.
func New() *Pipeline {
	return &Pipeline{logger: logging.Named("pipeline")}
}

// RegisterFilter appends a filter to the end of the filter chain.
func (p *Pipeline) RegisterFilter(f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, f)
}

// RegisterProcessor inserts a processor, keeping the processor slice
// sorted by ascending priority with insertion order preserved among ties.
func (p *Pipeline) RegisterProcessor(proc Processor) {
	if proc.Priority == 0 {
		proc.Priority = DefaultPriority
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.processors)
	for i, existing := range p.processors {
		if proc.Priority < existing.Priority {
			idx = i
			break
		}
	}
	p.processors = append(p.processors, Processor{})
	copy(p.processors[idx+1:], p.processors[idx:])
	p.processors[idx] = proc
}

// Subscribe registers a callback invoked synchronously at each pipeline
// stage, in subscriber-registration order. The returned function
// unsubscribes.
func (p *Pipeline) Subscribe(cb func(Notification)) func() {
	p.subMu.Lock()
	idx := len(p.subscribers)
	p.subscribers = append(p.subscribers, cb)
	p.subMu.Unlock()

	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if idx < len(p.subscribers) {
			p.subscribers[idx] = nil
		}
	}
}

func (p *Pipeline) notify(n Notification) {
	p.subMu.Lock()
	subs := append([]func(Notification){}, p.subscribers...)
	p.subMu.Unlock()

	for _, cb := range subs {
		if cb == nil {
			continue
		}
		p.safeCall(cb, n)
	}
}

func (p *Pipeline) safeCall(cb func(Notification), n Notification) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("subscriber panicked", zap.Any("recover", r))
			metrics.Get().PipelineErrorsTotal.WithLabelValues("subscriber").Inc()
		}
	}()
	cb(n)
}

// Process runs bytes through every filter then every processor for
// sessionID, notifying subscribers at each stage, and returns the final
// event (nil if the event was blocked or dropped).
func (p *Pipeline) Process(sessionID string, data []byte, metadata map[string]interface{}) *Event {
	start := time.Now()
	defer func() {
		metrics.Get().PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	ev := Event{
		SessionID:    sessionID,
		Timestamp:    start,
		OriginalData: data,
		ProcessedData: append([]byte(nil), data...),
		Metadata:     metadata,
	}
	p.notify(Notification{Kind: KindRaw, Event: ev})
	metrics.Get().PipelineChunksTotal.WithLabelValues("raw").Inc()

	p.mu.RLock()
	filters := append([]Filter{}, p.filters...)
	processors := append([]Processor{}, p.processors...)
	p.mu.RUnlock()

	for _, f := range filters {
		if !p.runFilter(f, ev) {
			p.notify(Notification{Kind: KindBlocked, Event: ev, Name: f.Name})
			metrics.Get().PipelineBlockedTotal.WithLabelValues(f.Name).Inc()
			metrics.Get().PipelineChunksTotal.WithLabelValues("blocked").Inc()
			return nil
		}
	}

	for _, proc := range processors {
		next, dropped := p.runProcessor(proc, ev)
		if dropped {
			p.notify(Notification{Kind: KindDropped, Event: ev, Name: proc.Name})
			metrics.Get().PipelineDroppedTotal.WithLabelValues(proc.Name).Inc()
			metrics.Get().PipelineChunksTotal.WithLabelValues("dropped").Inc()
			return nil
		}
		if next != nil {
			if string(next.ProcessedData) != string(ev.ProcessedData) {
				next.Transformations = append(append([]string{}, ev.Transformations...), proc.Name)
			} else {
				next.Transformations = ev.Transformations
			}
			ev = *next
		}
	}

	if len(ev.Transformations) > 0 {
		p.notify(Notification{Kind: KindTransformed, Event: ev})
	}
	p.notify(Notification{Kind: KindProcessed, Event: ev})
	p.notify(Notification{Kind: KindData, Event: ev})
	metrics.Get().PipelineChunksTotal.WithLabelValues("processed").Inc()

	return &ev
}

// FilterOnly runs just the registered filter chain against an event built
// from data/metadata, without running processors. Subscribers receive none
// of the stage notifications Process emits; only a filter that panics is
// reported to them, as a KindError notification, and counts as a pass.
// AdminProxy uses it to let filters (noBinary, maxDataSize, sourceFilter)
// screen operator input before it reaches a session's PTY, without
// treating that input as PTY output to be buffered and broadcast.
func (p *Pipeline) FilterOnly(sessionID string, data []byte, metadata map[string]interface{}) (pass bool, blockedBy string) {
	ev := Event{
		SessionID:     sessionID,
		Timestamp:     time.Now(),
		OriginalData:  data,
		ProcessedData: data,
		Metadata:      metadata,
	}

	p.mu.RLock()
	filters := append([]Filter{}, p.filters...)
	p.mu.RUnlock()

	for _, f := range filters {
		if !p.runFilter(f, ev) {
			metrics.Get().PipelineBlockedTotal.WithLabelValues(f.Name).Inc()
			return false, f.Name
		}
	}
	return true, ""
}

func (p *Pipeline) runFilter(f Filter, ev Event) (pass bool) {
	pass = true
	defer func() {
		if r := recover(); r != nil {
			p.notify(Notification{Kind: KindError, Event: ev, Name: f.Name, Err: fmt.Errorf("filter %s panicked: %v", f.Name, r)})
			metrics.Get().PipelineErrorsTotal.WithLabelValues("filter:" + f.Name).Inc()
			pass = true // fail-open
		}
	}()
	return f.Fn(ev)
}

func (p *Pipeline) runProcessor(proc Processor, ev Event) (next *Event, dropped bool) {
	defer func() {
		if r := recover(); r != nil {
			p.notify(Notification{Kind: KindError, Event: ev, Name: proc.Name, Err: fmt.Errorf("processor %s panicked: %v", proc.Name, r)})
			metrics.Get().PipelineErrorsTotal.WithLabelValues("processor:" + proc.Name).Inc()
			next = &ev // skip unchanged
			dropped = false
		}
	}()
	out, err := proc.Fn(ev)
	if err != nil {
		p.notify(Notification{Kind: KindError, Event: ev, Name: proc.Name, Err: err})
		metrics.Get().PipelineErrorsTotal.WithLabelValues("processor:" + proc.Name).Inc()
		return &ev, false
	}
	if out == nil {
		return nil, true
	}
	return out, false
}
