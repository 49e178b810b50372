// Package bus defines the message-bus contract the scan server talks through
// and an in-memory implementation of it.
//
// The contract mirrors a key/value store with pub/sub: request/response key
// lookups (single and batched), keys with optional expiry, integer counters,
// broadcast channels, and pipelines that apply several writes atomically.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Connector is the subset of bus operations used by the scan worker and its
// collaborators.
type Connector interface {
	// Publish broadcasts payload on channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Get returns the value stored at key, or nil when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet is the batched form of Get. The result has one entry per key.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// Set stores payload at key. A zero ttl never expires.
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// SetAndPublish stores payload at key and broadcasts it on the channel of the same name.
	SetAndPublish(ctx context.Context, key string, payload []byte) error
	// Incr atomically increments the integer counter at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Pipeline starts a batch of writes applied atomically by Exec.
	Pipeline() Pipeline
}

// Pipeline buffers writes until Exec.
type Pipeline interface {
	Set(key string, payload []byte, ttl time.Duration)
	SetAndPublish(key string, payload []byte)
	Publish(channel string, payload []byte)
	Exec(ctx context.Context) error
}

// Subscriber delivers channel messages to a callback. The returned func
// cancels the subscription.
type Subscriber interface {
	Subscribe(channel string, fn func(payload []byte)) (unsubscribe func())
}

// Client is a Connector that can also subscribe.
type Client interface {
	Connector
	Subscriber
}

// Marshal encodes v for the wire.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal decodes a wire payload into v.
func Unmarshal(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// PublishJSON encodes v and publishes it on channel.
func PublishJSON(ctx context.Context, c Connector, channel string, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	return c.Publish(ctx, channel, b)
}

// SetAndPublishJSON encodes v, stores it at key and broadcasts it.
func SetAndPublishJSON(ctx context.Context, c Connector, key string, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	return c.SetAndPublish(ctx, key, b)
}

// GetJSON decodes the value at key into v. It reports false when the key is absent.
func GetJSON(ctx context.Context, c Connector, key string, v any) (bool, error) {
	b, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	if err := Unmarshal(b, v); err != nil {
		return false, err
	}
	return true, nil
}

// GetInt reads an integer counter; absent counters read as zero.
func GetInt(ctx context.Context, c Connector, key string) (int64, error) {
	var n int64
	if _, err := GetJSON(ctx, c, key, &n); err != nil {
		return 0, err
	}
	return n, nil
}
