package broadcast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithEmptyURLReturnsNoop(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)
	assert.False(t, b.Connected())
	assert.NotEmpty(t, b.InstanceID())
}

func TestNoopSubscribeAllNeverInvokesHandler(t *testing.T) {
	b, _ := New("")
	called := false
	unsub, err := b.SubscribeAll(context.Background(), func(Envelope) { called = true })
	require.NoError(t, err)
	b.Publish(context.Background(), "s1", 1, []byte("data"))
	unsub()
	assert.False(t, called)
}

func TestNewWithUnreachableRedisReturnsError(t *testing.T) {
	_, err := New("redis://127.0.0.1:1")
	assert.Error(t, err)
}
