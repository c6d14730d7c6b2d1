package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearth-chat/hearth/internal/metrics"
)

// RetentionAlarm names the persisted retention sweep alarm.
const RetentionAlarm = "retention_sweep"

// armSweeper schedules the next retention sweep. A persisted alarm is honoured
// as is, so a restart neither skips nor postpones a sweep; without one the
// sweeper arms a full interval out.
func (h *Hub) armSweeper() {
	now := h.now()
	at, ok, err := h.schedule.Alarm(RetentionAlarm)
	if err != nil {
		slog.Error("failed to read retention alarm", "error", err)
	}
	if err != nil || !ok {
		at = now.Add(h.opts.SweepInterval)
		if err := h.schedule.SetAlarm(RetentionAlarm, at); err != nil {
			slog.Error("failed to persist retention alarm", "error", err)
		}
	}
	h.resetSweepTimer(at.Sub(now))
	slog.Debug("retention sweep armed", "at", at)
}

func (h *Hub) resetSweepTimer(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if h.sweepTimer == nil {
		h.sweepTimer = time.NewTimer(d)
		return
	}
	h.sweepTimer.Reset(d)
}

func (h *Hub) sweepC() <-chan time.Time {
	if h.sweepTimer == nil {
		return nil
	}
	return h.sweepTimer.C
}

// fireSweep deletes messages past the retention window and re-arms. The
// re-arm happens whether or not the delete succeeded.
func (h *Hub) fireSweep(ctx context.Context) {
	now := h.now()
	defer func() {
		next := now.Add(h.opts.SweepInterval)
		if err := h.schedule.SetAlarm(RetentionAlarm, next); err != nil {
			slog.Error("failed to persist retention alarm", "error", err)
		}
		h.resetSweepTimer(next.Sub(h.now()))
	}()

	cutoff := now.Add(-h.opts.Retention).UnixMilli()
	n, err := h.history.DeleteBefore(ctx, cutoff)
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	metrics.RetentionDeleted.Add(float64(n))
	slog.Info("retention sweep complete", "deleted", n, "cutoff_ms", cutoff)
}
