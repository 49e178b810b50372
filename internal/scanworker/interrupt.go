package scanworker

import (
	"context"
	"time"

	"scanserver/pkg/types"
)

// checkInterruption is the single pause/cancellation point. While paused it
// publishes "paused" once and re-checks every PauseInterval; a STOPPED status
// or a done ctx yields a ScanAbortion.
func (w *Worker) checkInterruption(ctx context.Context, st *session) error {
	if w.Status() == types.StatusPaused {
		if err := w.bk.publish(ctx, st, types.ScanPaused); err != nil {
			w.log.Error().Err(err).Msg("publish paused status")
		}
		for w.Status() == types.StatusPaused {
			if err := sleepCtx(ctx, w.pauseInterval); err != nil {
				return abortionFrom("shutdown while paused", err)
			}
		}
	}
	if w.Status() == types.StatusStopped {
		return ErrScanAbortion("stopped by request")
	}
	if err := ctx.Err(); err != nil {
		return abortionFrom("shutdown", err)
	}
	return nil
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
