package queue

import (
	"context"
	"io"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"

	"scanserver/internal/scanworker"
	"scanserver/pkg/types"
)

// StaticScan is a scan whose instruction stream was assembled up front.
type StaticScan struct {
	ScanType       string
	Instructions   []types.DeviceInstruction
	StartPositions map[string]float64
	ExpTime        float64
	NumPositions   int
	ReportHint     string
	ReportDevices  []string
}

// RequestBlock binds a scan to its scan ID and request metadata.
type RequestBlock struct {
	item     *Item
	scanID   string
	rid      string
	metadata map[string]any
	scan     *StaticScan

	mu      sync.Mutex
	reports []map[string]any
}

// NewRequestBlock assigns fresh scan and request IDs to scan.
func NewRequestBlock(scan *StaticScan, metadata map[string]any) *RequestBlock {
	md := maps.Clone(metadata)
	if md == nil {
		md = map[string]any{}
	}
	rid := uuid.NewString()
	md["RID"] = rid
	return &RequestBlock{
		scanID:   uuid.NewString(),
		rid:      rid,
		metadata: md,
		scan:     scan,
	}
}

func (rb *RequestBlock) ScanID() string { return rb.scanID }
func (rb *RequestBlock) RID() string    { return rb.rid }

// Metadata returns a copy of the request metadata.
func (rb *RequestBlock) Metadata() map[string]any { return maps.Clone(rb.metadata) }

func (rb *RequestBlock) AppendScanReportInstruction(instr map[string]any) {
	rb.mu.Lock()
	rb.reports = append(rb.reports, maps.Clone(instr))
	rb.mu.Unlock()
}

// ScanReportInstructions returns the report instructions appended so far.
func (rb *RequestBlock) ScanReportInstructions() []map[string]any {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return append([]map[string]any(nil), rb.reports...)
}

func (rb *RequestBlock) Scan() scanworker.Scan { return blockScan{rb: rb} }

func (rb *RequestBlock) info() types.RequestBlockInfo {
	return types.RequestBlockInfo{ScanID: rb.scanID, RID: rb.rid, ScanReportInstructions: rb.ScanReportInstructions()}
}

// stamp fills the routing metadata of an instruction produced by this block.
func (rb *RequestBlock) stamp(instr *types.DeviceInstruction) {
	md := &instr.Metadata
	if md.ScanID == "" {
		md.ScanID = rb.scanID
	}
	md.RID = rb.rid
	if rb.item != nil {
		md.DIID = rb.item.nextDIID()
		md.QueueID = rb.item.queueID
		if rb.item.queue != nil {
			md.Stream = rb.item.queue.name
		}
	}
}

type blockScan struct{ rb *RequestBlock }

func (s blockScan) ExpTime() float64            { return s.rb.scan.ExpTime }
func (s blockScan) NumPositions() int           { return s.rb.scan.NumPositions }
func (s blockScan) ScanReportHint() string      { return s.rb.scan.ReportHint }
func (s blockScan) ScanReportDevices() []string { return s.rb.scan.ReportDevices }

// ReturnToStart moves every scan motor back to its start position: one set
// per motor in the scan_motor wait group followed by a move wait on all.
func (s blockScan) ReturnToStart() ([]types.DeviceInstruction, error) {
	starts := s.rb.scan.StartPositions
	if len(starts) == 0 {
		return nil, nil
	}
	motors := make([]string, 0, len(starts))
	for m := range starts {
		motors = append(motors, m)
	}
	sort.Strings(motors)

	out := make([]types.DeviceInstruction, 0, len(motors)+1)
	for _, m := range motors {
		instr := types.DeviceInstruction{
			Action:    types.ActionSet,
			Device:    []string{m},
			Parameter: map[string]any{"value": starts[m], "wait_group": types.GroupScanMotor},
		}
		s.rb.stamp(&instr)
		out = append(out, instr)
	}
	wait := types.DeviceInstruction{
		Action:    types.ActionWait,
		Device:    motors,
		Parameter: map[string]any{"type": string(types.WaitMove), "wait_group": types.GroupScanMotor},
	}
	s.rb.stamp(&wait)
	return append(out, wait), nil
}

// Item is one work item: an ordered list of request blocks.
type Item struct {
	queue         *Queue
	queueID       string
	blocks        []*RequestBlock
	returnToStart bool

	mu       sync.Mutex
	next     int
	cursor   int
	current  *RequestBlock
	diid     int
	status   types.QueueStatus
	active   bool
	stopped  bool
	archived bool
}

// NewItem creates a work item over blocks.
func NewItem(returnToStart bool, blocks ...*RequestBlock) *Item {
	it := &Item{
		queueID:       uuid.NewString(),
		blocks:        blocks,
		returnToStart: returnToStart,
		status:        types.StatusIdle,
	}
	for _, rb := range blocks {
		rb.item = it
	}
	return it
}

func (it *Item) QueueID() string { return it.queueID }

func (it *Item) nextDIID() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.diid++
	return it.diid
}

// NextInstruction yields the next stamped instruction, or io.EOF once every
// request block is exhausted. Emitting a final close_scan consumes a scan
// number.
func (it *Item) NextInstruction(ctx context.Context) (*types.DeviceInstruction, error) {
	it.mu.Lock()
	var rb *RequestBlock
	var instr types.DeviceInstruction
	for it.next < len(it.blocks) {
		b := it.blocks[it.next]
		if it.cursor < len(b.scan.Instructions) {
			rb = b
			instr = b.scan.Instructions[it.cursor]
			it.cursor++
			it.current = b
			break
		}
		it.next++
		it.cursor = 0
	}
	it.mu.Unlock()
	if rb == nil {
		return nil, io.EOF
	}

	instr.Parameter = maps.Clone(instr.Parameter)
	if instr.Action == types.ActionOpenScan && rb.scan.ScanType != "" {
		if instr.Parameter == nil {
			instr.Parameter = map[string]any{}
		}
		if _, ok := instr.Parameter["scan_type"]; !ok {
			instr.Parameter["scan_type"] = rb.scan.ScanType
		}
	}
	rb.stamp(&instr)

	closes := instr.Action == types.ActionCloseScanDef ||
		(instr.Action == types.ActionCloseScan && instr.Metadata.ScanDefID == "")
	if closes && it.queue != nil {
		if err := it.queue.IncreaseScanNumber(ctx); err != nil {
			return nil, err
		}
	}
	return &instr, nil
}

func (it *Item) SetActive(active bool) {
	it.mu.Lock()
	it.active = active
	it.mu.Unlock()
}

func (it *Item) SetStatus(status types.QueueStatus) {
	it.setStatus(status)
	if it.queue != nil {
		it.queue.SendQueueStatus(context.Background())
	}
}

func (it *Item) setStatus(status types.QueueStatus) {
	it.mu.Lock()
	it.status = status
	it.mu.Unlock()
}

// Status returns the current item status.
func (it *Item) Status() types.QueueStatus {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

func (it *Item) Stopped() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.stopped
}

func (it *Item) SetStopped(stopped bool) {
	it.mu.Lock()
	it.stopped = stopped
	it.mu.Unlock()
}

func (it *Item) ReturnToStart() bool { return it.returnToStart }

// ActiveRequestBlock returns the block the last instruction came from.
func (it *Item) ActiveRequestBlock() scanworker.RequestBlock {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.current == nil {
		return nil
	}
	return it.current
}

// AppendToHistory archives the item in its queue. Repeated calls are no-ops.
func (it *Item) AppendToHistory() {
	it.mu.Lock()
	done := it.archived
	it.archived = true
	it.mu.Unlock()
	if done || it.queue == nil {
		return
	}
	it.queue.archive(it)
}

// Info summarizes the item.
func (it *Item) Info() types.QueueItemInfo {
	it.mu.Lock()
	info := types.QueueItemInfo{
		QueueID:       it.queueID,
		Status:        it.status,
		IsActive:      it.active,
		Stopped:       it.stopped,
		ReturnToStart: it.returnToStart,
	}
	it.mu.Unlock()
	info.RequestBlocks = make([]types.RequestBlockInfo, 0, len(it.blocks))
	for _, rb := range it.blocks {
		info.RequestBlocks = append(info.RequestBlocks, rb.info())
	}
	return info
}
