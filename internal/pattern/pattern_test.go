package pattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStringPatternMatches(t *testing.T) {
	e := NewEngine()
	id, err := e.Register("s1", Config{Name: "prompt", Type: TypeString, Pattern: "$ "})
	require.NoError(t, err)

	var got Event
	e.Subscribe(id, func(ev Event) { got = ev })

	e.Scan("s1", []byte("user@host:~$ "))
	assert.Equal(t, "prompt", got.PatternName)
	assert.Equal(t, "$ ", got.Match)
}

func TestRegisterRegexPatternWithNamedGroups(t *testing.T) {
	e := NewEngine()
	id, err := e.Register("s1", Config{Name: "err", Type: TypeRegex, Pattern: `ERROR: (?P<msg>.+)`})
	require.NoError(t, err)

	var got Event
	e.Subscribe(id, func(ev Event) { got = ev })

	e.Scan("s1", []byte("ERROR: disk full\n"))
	assert.Equal(t, "disk full", got.Groups["msg"])
}

func TestInvalidRegexReturnsCompileError(t *testing.T) {
	e := NewEngine()
	_, err := e.Register("s1", Config{Name: "bad", Type: TypeRegex, Pattern: "(["})
	require.Error(t, err)
}

func TestCustomPatternUsesPredicateFunction(t *testing.T) {
	e := NewEngine()
	id, err := e.Register("s1", Config{
		Name: "custom",
		Type: TypeCustom,
		Fn: func(window []byte) *MatchResult {
			if len(window) > 3 {
				return &MatchResult{Match: "long-enough"}
			}
			return nil
		},
	})
	require.NoError(t, err)

	var fired bool
	e.Subscribe(id, func(Event) { fired = true })

	e.Scan("s1", []byte("ab"))
	assert.False(t, fired)
	e.Scan("s1", []byte("cdef"))
	assert.True(t, fired)
}

func TestDebounceSuppressesRepeatedMatchWithinWindow(t *testing.T) {
	e := NewEngine()
	id, err := e.Register("s1", Config{
		Name:    "dup",
		Type:    TypeString,
		Pattern: "X",
		Options: Options{DebounceMs: 1000},
	})
	require.NoError(t, err)

	var count int
	e.Subscribe(id, func(Event) { count++ })

	e.Scan("s1", []byte("X"))
	e.Scan("s1", []byte("X"))
	assert.Equal(t, 1, count)
}

func TestDebounceAllowsMatchAfterWindowExpires(t *testing.T) {
	e := NewEngine()
	id, err := e.Register("s1", Config{
		Name:    "dup",
		Type:    TypeString,
		Pattern: "X",
		Options: Options{DebounceMs: 1},
	})
	require.NoError(t, err)

	var count int
	e.Subscribe(id, func(Event) { count++ })

	e.Scan("s1", []byte("X"))
	time.Sleep(5 * time.Millisecond)
	e.Scan("s1", []byte("X"))
	assert.Equal(t, 2, count)
}

func TestUnregisterStopsFutureMatches(t *testing.T) {
	e := NewEngine()
	id, err := e.Register("s1", Config{Name: "p", Type: TypeString, Pattern: "hi"})
	require.NoError(t, err)

	var count int
	e.Subscribe(id, func(Event) { count++ })

	e.Unregister(id)
	e.Scan("s1", []byte("hi"))
	assert.Equal(t, 0, count)
}

func TestPatternsAreScopedPerSession(t *testing.T) {
	e := NewEngine()
	id, err := e.Register("s1", Config{Name: "p", Type: TypeString, Pattern: "hi"})
	require.NoError(t, err)

	var count int
	e.Subscribe(id, func(Event) { count++ })

	e.Scan("s2", []byte("hi"))
	assert.Equal(t, 0, count)
}

func TestDifferingWindowSizesDoNotClobberEachOther(t *testing.T) {
	e := NewEngine()
	smallID, err := e.Register("s1", Config{Name: "small", Type: TypeString, Pattern: "TARGET"})
	require.NoError(t, err)
	bigID, err := e.Register("s1", Config{Name: "big", Type: TypeString, Pattern: "TARGET", Options: Options{ContextLines: 200}})
	require.NoError(t, err)

	var smallFires, bigFires int
	e.Subscribe(smallID, func(Event) { smallFires++ })
	e.Subscribe(bigID, func(Event) { bigFires++ })

	filler := make([]byte, 6000)
	for i := range filler {
		filler[i] = 'x'
	}
	e.Scan("s1", append([]byte("TARGET"), filler...))

	assert.Equal(t, 0, smallFires, "the small (default 4KiB) window should no longer contain TARGET once 6000 bytes of filler follow it")
	assert.Equal(t, 1, bigFires, "the 200-context-line window (16000 bytes) should still contain TARGET")
}

func TestClearSessionRemovesItsPatterns(t *testing.T) {
	e := NewEngine()
	id, err := e.Register("s1", Config{Name: "p", Type: TypeString, Pattern: "hi"})
	require.NoError(t, err)

	var count int
	e.Subscribe(id, func(Event) { count++ })

	e.ClearSession("s1")
	e.Scan("s1", []byte("hi"))
	assert.Equal(t, 0, count)
}
