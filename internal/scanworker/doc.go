// Package scanworker is the scan execution engine. It pulls work items from a
// queue one at a time, translates their device instructions into commands on
// the message bus, enforces wait barriers against asynchronous device replies,
// and unwinds cleanly on pause, abort or device failure.
//
// Files by concern:
//
//   - worker.go: Worker type, Run loop, per-item processing, abort and defect handling.
//   - config.go: Config and package defaults; New applies defaults.
//   - collaborators.go: interfaces of the queue, work items, request blocks, scans and device registry.
//   - session.go: per-item session state reset at well-defined points.
//   - waitgroups.go: the wait-group tracker.
//   - translate.go: instruction dispatch, one handler per action.
//   - barriers.go: polling barriers (move/read/stage) and the trigger sleep.
//   - interrupt.go: the pause/stop check every suspension point routes through.
//   - bookkeeper.go: scan info composition and scan status publication.
//   - errors.go: error kinds (ScanAbortion, InstructionError, WaitTimeout, DeviceFailure).
//   - metrics.go: prometheus collectors.
//
// All session state is owned by the goroutine running Run. Other goroutines
// only change the worker status (Pause/Resume/Stop/Shutdown) and read
// snapshots.
package scanworker
