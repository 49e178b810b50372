// Package queue is the in-memory queue source served by the scan worker: an
// ordered list of work items, each made of request blocks backed by a
// pre-assembled scan.
package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog"

	"scanserver/internal/bus"
	"scanserver/internal/scanworker"
	"scanserver/pkg/types"
)

const (
	defaultName        = "primary"
	defaultHistorySize = 100
)

// Config holds the queue's collaborators and tunables.
type Config struct {
	Name        string
	Bus         bus.Connector
	Logger      *zerolog.Logger
	HistorySize int
}

// Queue is safe for concurrent use: the worker consumes it while HTTP
// handlers submit and abort.
type Queue struct {
	name        string
	bus         bus.Connector
	log         zerolog.Logger
	historySize int

	mu      sync.Mutex
	pending []*Item
	active  *Item
	history []types.QueueItemInfo
	notify  chan struct{}
}

// New creates a queue. Bus is required.
func New(cfg Config) (*Queue, error) {
	if cfg.Bus == nil {
		return nil, errors.New("queue: bus is required")
	}
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Queue{
		name:        cfg.Name,
		bus:         cfg.Bus,
		log:         log.With().Str("component", "queue").Str("queue", cfg.Name).Logger(),
		historySize: cfg.HistorySize,
		notify:      make(chan struct{}, 1),
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Submit wraps a pre-assembled scan request into a work item and appends it.
func (q *Queue) Submit(ctx context.Context, req types.ScanRequest) (types.SubmitResponse, error) {
	if len(req.Instructions) == 0 {
		return types.SubmitResponse{}, fmt.Errorf("scan request has no instructions")
	}
	scan := &StaticScan{
		ScanType:       req.ScanType,
		Instructions:   append([]types.DeviceInstruction(nil), req.Instructions...),
		StartPositions: maps.Clone(req.StartPositions),
		ExpTime:        req.ExpTime,
		NumPositions:   req.NumPositions,
		ReportHint:     req.ReportHint,
		ReportDevices:  append([]string(nil), req.ReportDevices...),
	}
	rb := NewRequestBlock(scan, req.Metadata)
	item := NewItem(req.ReturnToStart, rb)
	q.Append(ctx, item)
	return types.SubmitResponse{QueueID: item.QueueID(), ScanID: rb.ScanID(), RID: rb.RID()}, nil
}

// Append adds item at the tail and wakes the worker.
func (q *Queue) Append(ctx context.Context, item *Item) {
	q.mu.Lock()
	item.queue = q
	item.setStatus(types.StatusIdle)
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	q.log.Info().Str("queue_id", item.QueueID()).Msg("work item queued")
	q.wake()
	q.SendQueueStatus(ctx)
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next pops the head of the queue, blocking until an item arrives or ctx is done.
func (q *Queue) Next(ctx context.Context) (scanworker.WorkItem, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			it := q.pending[0]
			q.pending = q.pending[1:]
			q.active = it
			q.mu.Unlock()
			if len(q.pending) > 0 {
				q.wake()
			}
			return it, nil
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Abort drains all pending items into the history as STOPPED.
func (q *Queue) Abort() {
	q.mu.Lock()
	drained := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, it := range drained {
		it.setStatus(types.StatusStopped)
		it.AppendToHistory()
	}
	if len(drained) > 0 {
		q.log.Warn().Int("drained", len(drained)).Msg("queue aborted")
	}
	q.SendQueueStatus(context.Background())
}

// IncreaseScanNumber bumps the persisted scan counter.
func (q *Queue) IncreaseScanNumber(ctx context.Context) error {
	_, err := q.bus.Incr(ctx, bus.ScanNumber())
	return err
}

// Pending returns the number of items waiting.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// History returns finished items, oldest first.
func (q *Queue) History() []types.QueueItemInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.QueueItemInfo(nil), q.history...)
}

// Info builds the queue status record.
func (q *Queue) Info() types.QueueInfoMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg := types.QueueInfoMessage{Queue: q.name, Pending: make([]types.QueueItemInfo, 0, len(q.pending))}
	for _, it := range q.pending {
		msg.Pending = append(msg.Pending, it.Info())
	}
	if q.active != nil {
		info := q.active.Info()
		msg.Active = &info
	}
	return msg
}

// SendQueueStatus stores and broadcasts the queue status record.
func (q *Queue) SendQueueStatus(ctx context.Context) {
	if err := bus.SetAndPublishJSON(ctx, q.bus, bus.QueueStatus(q.name), q.Info()); err != nil {
		q.log.Error().Err(err).Msg("send queue status")
	}
}

// archive moves a finished item into the bounded history.
func (q *Queue) archive(it *Item) {
	q.mu.Lock()
	if q.active == it {
		q.active = nil
	}
	q.history = append(q.history, it.Info())
	if over := len(q.history) - q.historySize; over > 0 {
		q.history = append([]types.QueueItemInfo(nil), q.history[over:]...)
	}
	q.mu.Unlock()
	q.SendQueueStatus(context.Background())
}
