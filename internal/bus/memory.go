package bus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed Memory bus.
var ErrClosed = errors.New("bus closed")

const defaultBufferSize = 1024

type entry struct {
	val     []byte
	expires time.Time
}

type subscription struct {
	ch chan []byte
}

// Memory is an in-process bus. Subscribers receive messages asynchronously via
// buffered channels; if a subscriber's buffer is full the message is dropped
// for that subscriber so publishers never block.
type Memory struct {
	mu         sync.RWMutex
	kv         map[string]entry
	subs       map[string][]*subscription
	bufferSize int
	closed     bool
	now        func() time.Time
}

// NewMemory creates a bus with the given per-subscriber buffer size
// (<=0 selects the default).
func NewMemory(bufferSize int) *Memory {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Memory{
		kv:         make(map[string]entry),
		subs:       make(map[string][]*subscription),
		bufferSize: bufferSize,
		now:        time.Now,
	}
}

// SetClock replaces the clock used for key expiry. Tests only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.publishLocked(channel, payload)
	return nil
}

func (m *Memory) publishLocked(channel string, payload []byte) {
	for _, s := range m.subs[channel] {
		select {
		case s.ch <- payload:
		default:
		}
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.getLocked(key), nil
}

func (m *Memory) getLocked(key string) []byte {
	e, ok := m.kv[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		return nil
	}
	return e.val
}

func (m *Memory) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = m.getLocked(k)
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.setLocked(key, payload, ttl)
	return nil
}

func (m *Memory) setLocked(key string, payload []byte, ttl time.Duration) {
	e := entry{val: append([]byte(nil), payload...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.kv[key] = e
}

func (m *Memory) SetAndPublish(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.setLocked(key, payload, 0)
	m.publishLocked(key, payload)
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	if cur := m.getLocked(key); cur != nil {
		v, err := strconv.ParseInt(string(cur), 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n++
	m.setLocked(key, []byte(strconv.FormatInt(n, 10)), 0)
	return n, nil
}

// Subscribe registers fn for channel. fn runs on a dedicated goroutine, one
// message at a time, in publish order.
func (m *Memory) Subscribe(channel string, fn func(payload []byte)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &subscription{ch: make(chan []byte, m.bufferSize)}
	if m.closed {
		close(s.ch)
		return func() {}
	}
	m.subs[channel] = append(m.subs[channel], s)

	go func() {
		for payload := range s.ch {
			func() {
				defer func() { _ = recover() }()
				fn(payload)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subs := m.subs[channel]
			for i, cur := range subs {
				if cur == s {
					m.subs[channel] = append(subs[:i:i], subs[i+1:]...)
					close(s.ch)
					return
				}
			}
		})
	}
}

// Close drops all subscriptions and rejects further operations.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for ch, subs := range m.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(m.subs, ch)
	}
}

// Pipeline returns a batch whose writes are applied under a single lock.
func (m *Memory) Pipeline() Pipeline { return &memoryPipeline{bus: m} }

type pipelineOp struct {
	key     string
	payload []byte
	ttl     time.Duration
	set     bool
	publish bool
}

type memoryPipeline struct {
	bus *Memory
	ops []pipelineOp
}

func (p *memoryPipeline) Set(key string, payload []byte, ttl time.Duration) {
	p.ops = append(p.ops, pipelineOp{key: key, payload: payload, ttl: ttl, set: true})
}

func (p *memoryPipeline) SetAndPublish(key string, payload []byte) {
	p.ops = append(p.ops, pipelineOp{key: key, payload: payload, set: true, publish: true})
}

func (p *memoryPipeline) Publish(channel string, payload []byte) {
	p.ops = append(p.ops, pipelineOp{key: channel, payload: payload, publish: true})
}

func (p *memoryPipeline) Exec(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := p.bus
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, op := range p.ops {
		if op.set {
			m.setLocked(op.key, op.payload, op.ttl)
		}
		if op.publish {
			m.publishLocked(op.key, op.payload)
		}
	}
	p.ops = nil
	return nil
}
