package scanworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scanserver/internal/bus"
	"scanserver/pkg/types"
)

// Worker serves one queue ("primary" by default), processing its work items
// strictly in order on a single goroutine.
type Worker struct {
	queueName     string
	bus           bus.Connector
	devices       DeviceRegistry
	queue         Queue
	gate          ReadinessGate
	log           zerolog.Logger
	pollInterval  time.Duration
	pauseInterval time.Duration
	gateInterval  time.Duration
	waitTimeout   time.Duration
	stageTimeout  time.Duration
	now           func() time.Time

	groups *WaitGroups
	bk     *bookkeeper
	st     *session

	mu     sync.RWMutex
	status types.QueueStatus
	active bool
	view   Snapshot

	shutdownOnce sync.Once
	shutdown     chan struct{}
	done         chan struct{}
}

// Snapshot is a read-only view of the worker for other goroutines.
type Snapshot struct {
	Status        types.QueueStatus
	Queue         string
	ScanID        string
	QueueID       string
	StagedDevices []string
}

// New constructs a Worker from cfg, applying package defaults.
func New(cfg Config) (*Worker, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	w := &Worker{
		queueName:     cfg.QueueName,
		bus:           cfg.Bus,
		devices:       cfg.Devices,
		queue:         cfg.Queue,
		gate:          cfg.DeviceServer,
		log:           cfg.Logger.With().Str("component", "scan_worker").Str("queue", cfg.QueueName).Logger(),
		pollInterval:  cfg.PollInterval,
		pauseInterval: cfg.PauseInterval,
		gateInterval:  cfg.GateInterval,
		waitTimeout:   cfg.WaitTimeout,
		stageTimeout:  cfg.StageTimeout,
		now:           cfg.Now,
		groups:        NewWaitGroups(),
		st:            newSession(),
		status:        types.StatusIdle,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	w.bk = &bookkeeper{
		bus:       cfg.Bus,
		log:       w.log,
		queueName: cfg.QueueName,
		retention: cfg.StatusRetention,
		now:       cfg.Now,
	}
	w.view = Snapshot{Status: types.StatusIdle, Queue: cfg.QueueName}
	return w, nil
}

// Status returns the worker status.
func (w *Worker) Status() types.QueueStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Worker) setStatus(s types.QueueStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// Pause holds the worker at its next interruption check.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == types.StatusIdle || w.status == types.StatusRunning {
		w.status = types.StatusPaused
	}
}

// Resume releases a paused worker.
func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != types.StatusPaused {
		return
	}
	if w.active {
		w.status = types.StatusRunning
	} else {
		w.status = types.StatusIdle
	}
}

// Stop aborts the active work item at its next interruption check. It reports
// false when no item is active.
func (w *Worker) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return false
	}
	w.status = types.StatusStopped
	return true
}

// Shutdown asks Run to return once the current item finishes or aborts.
func (w *Worker) Shutdown() {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
}

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Snapshot returns the latest published view of the worker.
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v := w.view
	v.Status = w.status
	v.StagedDevices = append([]string(nil), w.view.StagedDevices...)
	return v
}

func (w *Worker) refreshView() {
	queueID := ""
	if w.st.item != nil {
		queueID = w.st.item.QueueID()
	}
	v := Snapshot{
		Queue:         w.queueName,
		ScanID:        w.st.scanID,
		QueueID:       queueID,
		StagedDevices: w.st.stagedDevices(),
	}
	w.mu.Lock()
	w.view = v
	w.mu.Unlock()
}

func (w *Worker) shuttingDown() bool {
	select {
	case <-w.shutdown:
		return true
	default:
		return false
	}
}

// untilShutdown returns a context canceled when ctx is done or Shutdown is called.
func (w *Worker) untilShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	c, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-w.shutdown:
			cancel()
		case <-c.Done():
		}
	}()
	return c, cancel
}

// Run serves the queue until ctx is done or Shutdown is called. Canceling ctx
// aborts the active item through the regular abort path. Before returning,
// every device still staged is unstaged.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.finalCleanup(ctx)
	w.log.Info().Msg("scan worker started")
	gateLogged := false
	for {
		if ctx.Err() != nil || w.shuttingDown() {
			w.log.Info().Msg("scan worker stopped")
			return nil
		}
		nctx, cancel := w.untilShutdown(ctx)
		// items stay queued until the device server is up
		if w.gate != nil && !w.gate.Available() {
			if !gateLogged {
				w.log.Info().Msg("waiting for device server")
				gateLogged = true
			}
			_ = sleepCtx(nctx, w.gateInterval)
			cancel()
			continue
		}
		gateLogged = false
		item, err := w.queue.Next(nctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil || w.shuttingDown() {
				continue
			}
			w.log.Error().Err(err).Msg("fetch next work item")
			_ = sleepCtx(ctx, w.gateInterval)
			continue
		}
		if item == nil {
			continue
		}
		w.serveItem(ctx, item)
	}
}

// serveItem is the outer handler: it never lets one item's failure escape.
func (w *Worker) serveItem(ctx context.Context, item WorkItem) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic while processing %s: %v", item.QueueID(), r)
			}
		}()
		return w.processItem(ctx, item)
	}()
	switch {
	case err == nil:
		workItemsTotal.WithLabelValues("completed").Inc()
	case IsScanAbortion(err):
		workItemsTotal.WithLabelValues("stopped").Inc()
		w.handleAbortion(ctx, item, err)
	default:
		workItemsTotal.WithLabelValues("failed").Inc()
		w.handleDefect(ctx, item, err)
	}
}

func (w *Worker) resetSession() {
	w.groups.Reset()
	w.st.reset()
}

func (w *Worker) beginItem(item WorkItem) {
	w.mu.Lock()
	w.active = true
	if w.status == types.StatusIdle {
		w.status = types.StatusRunning
	}
	w.mu.Unlock()
	w.st.item = item
	item.SetActive(true)
	item.SetStatus(types.StatusRunning)
	w.refreshView()
}

func (w *Worker) endItem(item WorkItem) {
	item.SetActive(false)
	w.mu.Lock()
	w.active = false
	if w.status != types.StatusPaused {
		w.status = types.StatusIdle
	}
	w.mu.Unlock()
	w.resetSession()
	w.refreshView()
}

// processItem runs one work item to completion. A returned ScanAbortion has
// already been given the chance to run the return-to-start sequence.
func (w *Worker) processItem(ctx context.Context, item WorkItem) error {
	w.resetSession()
	if err := w.waitForDeviceServer(ctx); err != nil {
		return err
	}
	w.beginItem(item)
	start := w.now()
	log := w.log.With().Str("queue_id", item.QueueID()).Logger()
	log.Info().Msg("work item started")

	err := w.runInstructions(ctx, item)
	if err != nil && !IsScanAbortion(err) && ctx.Err() != nil {
		err = abortionFrom("shutdown", err)
	}
	if IsScanAbortion(err) {
		err = w.returnToStart(ctx, item, err)
	}
	if err != nil {
		return err
	}
	item.SetStatus(types.StatusCompleted)
	item.AppendToHistory()
	log.Info().Dur("duration", w.now().Sub(start)).Msg("work item finished")
	w.endItem(item)
	return nil
}

func (w *Worker) runInstructions(ctx context.Context, item WorkItem) error {
	for {
		instr, err := item.NextInstruction(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next instruction of %s: %w", item.QueueID(), err)
		}
		if instr == nil {
			continue
		}
		if err := w.checkInterruption(ctx, w.st); err != nil {
			return err
		}
		if rb := item.ActiveRequestBlock(); rb != nil {
			w.st.expTime = rb.Scan().ExpTime()
		}
		if err := w.step(ctx, w.st, instr); err != nil {
			return err
		}
		w.refreshView()
	}
}

// returnToStart replays the active scan's recovery sequence once per item,
// then hands the original abortion back so the outer handler records it.
func (w *Worker) returnToStart(ctx context.Context, item WorkItem, cause error) error {
	w.groups.Reset()
	rb := item.ActiveRequestBlock()
	if item.Stopped() || !item.ReturnToStart() || rb == nil {
		return cause
	}
	item.SetStopped(true)
	instrs, err := rb.Scan().ReturnToStart()
	if err != nil {
		return abortionFrom("return to start", err)
	}
	w.log.Info().Str("queue_id", item.QueueID()).Int("instructions", len(instrs)).Msg("returning to start")
	w.setStatus(types.StatusRunning)
	for i := range instrs {
		instr := instrs[i]
		instr.Metadata.ScanID = rb.ScanID()
		instr.Metadata.QueueID = item.QueueID()
		if err := w.step(ctx, w.st, &instr); err != nil {
			return abortionFrom("return to start", err)
		}
		w.refreshView()
	}
	w.st.returnedToStart = len(instrs) > 0
	return cause
}

// waitForDeviceServer blocks until the device server is available.
func (w *Worker) waitForDeviceServer(ctx context.Context) error {
	if w.gate == nil {
		return nil
	}
	logged := false
	for !w.gate.Available() {
		if !logged {
			w.log.Info().Msg("waiting for device server")
			logged = true
		}
		if err := sleepCtx(ctx, w.gateInterval); err != nil {
			return abortionFrom("shutdown while waiting for device server", err)
		}
		if err := w.checkInterruption(ctx, w.st); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) handleAbortion(ctx context.Context, item WorkItem, cause error) {
	ctx = context.WithoutCancel(ctx)
	w.log.Error().Err(cause).Str("queue_id", item.QueueID()).Msg("work item aborted")
	// A scan that already closed took its number at close_scan and keeps
	// its terminal status.
	open := w.st.scanID != ""
	if open || w.st.lastScanID == "" {
		if err := w.queue.IncreaseScanNumber(ctx); err != nil {
			w.log.Error().Err(err).Msg("increase scan number")
		}
	}
	if open {
		status := types.ScanHalted
		if w.st.returnedToStart {
			status = types.ScanAborted
		}
		if err := w.bk.publish(ctx, w.st, status); err != nil {
			w.log.Error().Err(err).Msg("publish abort status")
		}
	}
	item.SetStatus(types.StatusStopped)
	item.SetActive(false)
	item.AppendToHistory()
	w.cleanup(ctx)
	w.queue.Abort()
	w.endItem(item)
}

// handleDefect answers an unexpected error: MAJOR alarm, terminal status for
// an open scan, queue abort and reset. The worker keeps serving.
func (w *Worker) handleDefect(ctx context.Context, item WorkItem, cause error) {
	ctx = context.WithoutCancel(ctx)
	w.log.Error().Err(cause).Str("queue_id", item.QueueID()).Str("kind", errorKind(cause)).Msg("work item failed")
	md := types.Metadata{ScanID: w.st.lastScanID, QueueID: item.QueueID()}
	w.raiseAlarm(ctx, errorKind(cause), cause.Error(), &types.DeviceInstruction{Metadata: md})
	if w.st.scanID != "" {
		if err := w.queue.IncreaseScanNumber(ctx); err != nil {
			w.log.Error().Err(err).Msg("increase scan number")
		}
		if err := w.bk.publish(ctx, w.st, types.ScanHalted); err != nil {
			w.log.Error().Err(err).Msg("publish halted status")
		}
	}
	item.SetStatus(types.StatusStopped)
	item.SetActive(false)
	item.AppendToHistory()
	w.cleanup(ctx)
	w.queue.Abort()
	w.endItem(item)
}

// cleanup unstages every staged device without waiting for confirmation.
func (w *Worker) cleanup(ctx context.Context) {
	staged := w.st.stagedDevices()
	if len(staged) == 0 {
		return
	}
	queueID := ""
	if w.st.item != nil {
		queueID = w.st.item.QueueID()
	}
	instr := types.DeviceInstruction{
		Action:    types.ActionUnstage,
		Device:    staged,
		Parameter: map[string]any{"cleanup": true},
		Metadata:  types.Metadata{ScanID: w.st.lastScanID, QueueID: queueID, Stream: w.queueName},
	}
	if err := w.send(ctx, instr); err != nil {
		w.log.Error().Err(err).Strs("devices", staged).Msg("cleanup unstage")
		return
	}
	w.st.unstage(staged)
	w.refreshView()
}

func (w *Worker) finalCleanup(ctx context.Context) {
	w.cleanup(context.WithoutCancel(ctx))
}

// raiseAlarm publishes a MAJOR alarm tagged with the worker's stream.
func (w *Worker) raiseAlarm(ctx context.Context, alarmType, msg string, instr *types.DeviceInstruction) {
	md := instr.Metadata
	md.Stream = w.queueName
	source := map[string]any{"action": string(instr.Action)}
	if len(instr.Device) > 0 {
		source["device"] = instr.Device
	}
	if instr.Parameter != nil {
		source["parameter"] = instr.Parameter
	}
	alarm := types.AlarmMessage{
		Severity:  types.AlarmMajor,
		AlarmType: alarmType,
		Source:    source,
		Msg:       msg,
		Metadata:  md,
	}
	alarmsTotal.WithLabelValues(alarmType).Inc()
	w.log.Error().Str("alarm_type", alarmType).Str("scan_id", md.ScanID).Msg(msg)
	if err := bus.PublishJSON(ctx, w.bus, bus.Alarms(), alarm); err != nil {
		w.log.Error().Err(err).Msg("publish alarm")
	}
}
