package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanserver/internal/bus"
	"scanserver/pkg/types"
)

func newTestQueue(t *testing.T, historySize int) (*Queue, *bus.Memory) {
	t.Helper()
	m := bus.NewMemory(0)
	t.Cleanup(m.Close)
	q, err := New(Config{Bus: m, HistorySize: historySize})
	require.NoError(t, err)
	return q, m
}

func simpleScan() []types.DeviceInstruction {
	return []types.DeviceInstruction{
		{Action: types.ActionOpenScan},
		{Action: types.ActionSet, Device: []string{"samx"}, Parameter: map[string]any{"value": 1.0}},
		{Action: types.ActionCloseScan},
	}
}

func drain(t *testing.T, it *Item) []types.DeviceInstruction {
	t.Helper()
	var out []types.DeviceInstruction
	for {
		instr, err := it.NextInstruction(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, *instr)
	}
}

func TestSubmitStampsInstructions(t *testing.T) {
	q, m := newTestQueue(t, 0)
	ctx := context.Background()
	resp, err := q.Submit(ctx, types.ScanRequest{ScanType: "step", Instructions: simpleScan(), Metadata: map[string]any{"user": "alice"}})
	require.NoError(t, err)

	wi, err := q.Next(ctx)
	require.NoError(t, err)
	it := wi.(*Item)
	assert.Equal(t, resp.QueueID, it.QueueID())
	assert.Nil(t, it.ActiveRequestBlock(), "no block is active before the first instruction")

	instrs := drain(t, it)
	require.Len(t, instrs, 3)
	for i, in := range instrs {
		assert.Equal(t, resp.ScanID, in.Metadata.ScanID)
		assert.Equal(t, resp.RID, in.Metadata.RID)
		assert.Equal(t, resp.QueueID, in.Metadata.QueueID)
		assert.Equal(t, i+1, in.Metadata.DIID, "DIIDs increase per item")
		assert.Equal(t, "primary", in.Metadata.Stream)
	}
	assert.Equal(t, "step", instrs[0].Parameter["scan_type"])

	rb := it.ActiveRequestBlock()
	require.NotNil(t, rb)
	assert.Equal(t, "alice", rb.Metadata()["user"])
	assert.Equal(t, resp.RID, rb.Metadata()["RID"])

	n, err := bus.GetInt(ctx, m, bus.ScanNumber())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "emitting close_scan consumes a scan number")
}

func TestSubmitRejectsEmptyRequest(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	_, err := q.Submit(context.Background(), types.ScanRequest{})
	assert.Error(t, err)
	assert.Zero(t, q.Pending())
}

func TestCloseScanWithDefinitionDoesNotCount(t *testing.T) {
	q, m := newTestQueue(t, 0)
	ctx := context.Background()
	_, err := q.Submit(ctx, types.ScanRequest{Instructions: []types.DeviceInstruction{
		{Action: types.ActionOpenScanDef},
		{Action: types.ActionOpenScan, Metadata: types.Metadata{ScanDefID: "def"}},
		{Action: types.ActionCloseScan, Metadata: types.Metadata{ScanDefID: "def"}},
		{Action: types.ActionCloseScanDef, Metadata: types.Metadata{ScanDefID: "def"}},
	}})
	require.NoError(t, err)
	wi, err := q.Next(ctx)
	require.NoError(t, err)
	drain(t, wi.(*Item))

	n, err := bus.GetInt(ctx, m, bus.ScanNumber())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestNextBlocksUntilSubmit(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan string, 1)
	go func() {
		wi, err := q.Next(context.Background())
		if err == nil {
			got <- wi.QueueID()
		}
	}()
	resp, err := q.Submit(context.Background(), types.ScanRequest{Instructions: simpleScan()})
	require.NoError(t, err)
	select {
	case id := <-got:
		assert.Equal(t, resp.QueueID, id)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestAbortDrainsIntoHistory(t *testing.T) {
	q, m := newTestQueue(t, 0)
	ctx := context.Background()
	a, _ := q.Submit(ctx, types.ScanRequest{Instructions: simpleScan()})
	b, _ := q.Submit(ctx, types.ScanRequest{Instructions: simpleScan()})
	c, _ := q.Submit(ctx, types.ScanRequest{Instructions: simpleScan()})

	wi, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.QueueID, wi.QueueID())
	info := q.Info()
	require.NotNil(t, info.Active)
	assert.Equal(t, a.QueueID, info.Active.QueueID)
	assert.Len(t, info.Pending, 2)

	wi.SetStatus(types.StatusStopped)
	wi.AppendToHistory()
	wi.AppendToHistory()
	q.Abort()

	hist := q.History()
	require.Len(t, hist, 3)
	assert.Equal(t, []string{a.QueueID, b.QueueID, c.QueueID}, []string{hist[0].QueueID, hist[1].QueueID, hist[2].QueueID})
	for _, h := range hist {
		assert.Equal(t, types.StatusStopped, h.Status)
	}
	assert.Zero(t, q.Pending())

	var published types.QueueInfoMessage
	ok, err := bus.GetJSON(ctx, m, bus.QueueStatus("primary"), &published)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, published.Pending)
	assert.Nil(t, published.Active)
}

func TestHistoryIsBounded(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	ctx := context.Background()
	var last string
	for i := 0; i < 4; i++ {
		resp, err := q.Submit(ctx, types.ScanRequest{Instructions: simpleScan()})
		require.NoError(t, err)
		wi, err := q.Next(ctx)
		require.NoError(t, err)
		wi.SetStatus(types.StatusCompleted)
		wi.AppendToHistory()
		last = resp.QueueID
	}
	hist := q.History()
	require.Len(t, hist, 2)
	assert.Equal(t, last, hist[1].QueueID)
}

func TestReturnToStartSequence(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()
	_, err := q.Submit(ctx, types.ScanRequest{
		Instructions:   simpleScan(),
		ReturnToStart:  true,
		StartPositions: map[string]float64{"samy": 2, "samx": -1},
	})
	require.NoError(t, err)
	wi, err := q.Next(ctx)
	require.NoError(t, err)
	_, err = wi.NextInstruction(ctx)
	require.NoError(t, err)
	assert.True(t, wi.ReturnToStart())

	rts, err := wi.ActiveRequestBlock().Scan().ReturnToStart()
	require.NoError(t, err)
	require.Len(t, rts, 3)
	assert.Equal(t, types.ActionSet, rts[0].Action)
	assert.Equal(t, []string{"samx"}, rts[0].Device)
	assert.Equal(t, -1.0, rts[0].Parameter["value"])
	assert.Equal(t, []string{"samy"}, rts[1].Device)
	assert.Equal(t, types.GroupScanMotor, rts[1].Parameter["wait_group"])
	assert.Equal(t, types.ActionWait, rts[2].Action)
	assert.Equal(t, []string{"samx", "samy"}, rts[2].Device)
	assert.Equal(t, "move", rts[2].Parameter["type"])
	assert.Equal(t, []int{2, 3, 4}, []int{rts[0].Metadata.DIID, rts[1].Metadata.DIID, rts[2].Metadata.DIID},
		"recovery instructions continue the item's DIID sequence")
}

func TestReturnToStartWithoutPositions(t *testing.T) {
	rb := NewRequestBlock(&StaticScan{Instructions: simpleScan()}, nil)
	NewItem(true, rb)
	rts, err := rb.Scan().ReturnToStart()
	require.NoError(t, err)
	assert.Empty(t, rts)
}

func TestScanReportInstructions(t *testing.T) {
	rb := NewRequestBlock(&StaticScan{Instructions: simpleScan(), ReportHint: "table", ReportDevices: []string{"samx"}}, nil)
	it := NewItem(false, rb)
	rb.AppendScanReportInstruction(map[string]any{"table_wait": 10})
	info := it.Info()
	require.Len(t, info.RequestBlocks, 1)
	assert.Equal(t, []map[string]any{{"table_wait": 10}}, info.RequestBlocks[0].ScanReportInstructions)
	assert.Equal(t, "table", rb.Scan().ScanReportHint())
	assert.Equal(t, []string{"samx"}, rb.Scan().ScanReportDevices())
}
