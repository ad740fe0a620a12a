package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	require.NoError(t, s.Init())
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sess := Session{ID: "abc", Cols: 80, Rows: 24, Command: "/bin/sh"}

	require.NoError(t, s.Save("abc", sess, []byte("hello"), "/tmp"))

	rec, err := s.Load("abc")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "abc", rec.Session.ID)
	assert.Equal(t, []byte("hello"), rec.Buffer)
	assert.Equal(t, "/tmp", rec.Cwd)
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Load("nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLoadAllSkipsMalformed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("good", Session{ID: "good"}, []byte("x"), ""))

	badPath := s.path("bad")
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0600))

	all := s.LoadAll()
	assert.Len(t, all, 1)
	assert.Contains(t, all, "good")
}

func TestUpdateBufferNoOpsOnIdenticalBytes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("abc", Session{ID: "abc"}, []byte("v1"), ""))

	require.NoError(t, s.UpdateBuffer("abc", []byte("v1")))
	rec, err := s.Load("abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), rec.Buffer)

	require.NoError(t, s.UpdateBuffer("abc", []byte("v2")))
	rec, err = s.Load("abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Buffer)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("abc", Session{ID: "abc"}, nil, ""))
	require.NoError(t, s.Delete("abc"))

	rec, err := s.Load("abc")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDeleteMissingIsNotError(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Delete("never-existed"))
}

func TestPatternsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("abc", Session{ID: "abc"}, nil, ""))

	pats := []PatternRecord{{ID: "p1", Name: "error", Type: "regex", Pattern: "ERR.*"}}
	require.NoError(t, s.SavePatterns("abc", pats))

	got, err := s.GetPatterns("abc")
	require.NoError(t, err)
	assert.Equal(t, pats, got)
}
