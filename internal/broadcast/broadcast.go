// Package broadcast fans PTY output out across multiple Shelltender
// processes sitting behind a load balancer, so a monitor client attached
// to one instance still observes output produced by a session whose PTY is
// owned by a different instance. Remote output is not fed to the pattern
// engine or to ordinary session subscribers. It adapts the
// in-memory-fallback shape of the teacher's internal/cache package to a
// pub/sub concern: every instance publishes every locally-produced chunk,
// and every instance subscribes to the firehose of everyone else's.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"shelltender/internal/logging"
	"shelltender/internal/metrics"
)

// Envelope is the wire record published on the cross-instance channel.
type Envelope struct {
	SessionID string `json:"sessionId"`
	Sequence  uint64 `json:"sequence"`
	Data      []byte `json:"data"`
	Origin    string `json:"origin"`
}

// Broadcaster publishes locally-produced output and lets callers subscribe
// to output produced anywhere in the fleet.
type Broadcaster interface {
	// InstanceID is this process's generated identifier, stamped on every
	// envelope it publishes so a subscriber can recognize its own echo.
	InstanceID() string
	// Connected reports whether the broadcaster has a live backing
	// connection (always false for the no-op implementation).
	Connected() bool
	// Publish fans a chunk out to the rest of the fleet. Errors are
	// logged, never returned to the caller's hot path.
	Publish(ctx context.Context, sessionID string, sequence uint64, data []byte)
	// SubscribeAll receives every envelope published by any instance,
	// including this one; callers filter on Origin themselves.
	SubscribeAll(ctx context.Context, handler func(Envelope)) (unsubscribe func(), err error)
	Close() error
}

const channelPrefix = "shelltender:broadcast"

// New builds a Broadcaster. An empty redisURL returns a Noop broadcaster:
// every session is then assumed local, which is exactly today's
// single-process deployment and preserves the spec's core guarantees
// unchanged.
func New(redisURL string) (Broadcaster, error) {
	instanceID := uuid.New().String()
	if redisURL == "" {
		return &Noop{instanceID: instanceID}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Redis{
		client:     client,
		instanceID: instanceID,
		logger:     logging.Named("broadcast"),
	}, nil
}

// Noop is the zero-configuration Broadcaster: every method is a no-op, and
// SubscribeAll's handler is never invoked. It exists so callers never need
// a nil check.
type Noop struct {
	instanceID string
}

func (n *Noop) InstanceID() string { return n.instanceID }
func (n *Noop) Connected() bool    { return false }
func (n *Noop) Publish(context.Context, string, uint64, []byte) {}
func (n *Noop) SubscribeAll(context.Context, func(Envelope)) (func(), error) {
	return func() {}, nil
}
func (n *Noop) Close() error { return nil }

// Redis is a Broadcaster backed by Redis pub/sub. Publishing targets a
// per-session channel (so a future per-session SubscribeSession could be
// added cheaply); SubscribeAll uses a pattern subscription across every
// session channel.
type Redis struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

func (r *Redis) InstanceID() string { return r.instanceID }
func (r *Redis) Connected() bool    { return r.client.Ping(context.Background()).Err() == nil }

func (r *Redis) channel(sessionID string) string {
	return channelPrefix + ":" + sessionID
}

// Publish JSON-encodes and publishes one chunk to its session's channel.
func (r *Redis) Publish(ctx context.Context, sessionID string, sequence uint64, data []byte) {
	env := Envelope{SessionID: sessionID, Sequence: sequence, Data: data, Origin: r.instanceID}
	payload, err := json.Marshal(env)
	if err != nil {
		r.logger.Warn("encode broadcast envelope failed", zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, r.channel(sessionID), payload).Err(); err != nil {
		r.logger.Warn("publish broadcast envelope failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	metrics.Get().BroadcastPublishedTotal.Inc()
}

// SubscribeAll pattern-subscribes across every session channel and invokes
// handler for every envelope received, including this instance's own
// publications (callers distinguish by Origin).
func (r *Redis) SubscribeAll(ctx context.Context, handler func(Envelope)) (func(), error) {
	sub := r.client.PSubscribe(ctx, channelPrefix+":*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("decode broadcast envelope failed", zap.Error(err))
					continue
				}
				metrics.Get().BroadcastReceivedTotal.Inc()
				handler(env)
			case <-done:
				return
			}
		}
	}()

	var closeOnce bool
	return func() {
		if closeOnce {
			return
		}
		closeOnce = true
		close(done)
		sub.Close()
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
