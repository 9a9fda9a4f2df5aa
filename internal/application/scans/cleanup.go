package scans

import (
	"context"
	"log/slog"
	"time"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

const defaultTeardownTimeout = 60 * time.Second

// Cleaner force-reclaims the ephemeral resources tracked on sessions.
type Cleaner struct {
	Registry  *Registry
	Reclaimer domain.ResourceReclaimer
	Timeout   time.Duration
	Logger    *slog.Logger
}

func NewCleaner(reg *Registry, reclaimer domain.ResourceReclaimer, logger *slog.Logger) *Cleaner {
	return &Cleaner{Registry: reg, Reclaimer: reclaimer, Timeout: defaultTeardownTimeout, Logger: logger}
}

func (c *Cleaner) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Cancel sets the cancellation flag, removes every tracked resource and
// moves the session to cancelled. A session that already completed is
// returned untouched, so repeated calls are safe.
func (c *Cleaner) Cancel(ctx context.Context, id domain.SessionID) (domain.Snapshot, error) {
	hs, changed, err := c.Registry.markCancelled(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if changed {
		c.reclaim(id, hs)
		c.Registry.markCancelledPhase(id)
		c.logger().Info("scan cancelled", "session_id", id, "reclaimed", len(hs))
	}
	return c.Registry.Get(id)
}

// Reclaim removes whatever is still tracked for id. Already-removed
// resources are not an error.
func (c *Cleaner) Reclaim(id domain.SessionID) {
	c.reclaim(id, c.Registry.Resources(id))
}

func (c *Cleaner) reclaim(id domain.SessionID, hs []domain.ResourceHandle) {
	if len(hs) == 0 {
		return
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTeardownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, h := range hs {
		if c.Reclaimer != nil {
			if err := c.Reclaimer.Reclaim(ctx, h); err != nil {
				// teardown is best-effort
				c.logger().Debug("reclaim resource", "session_id", id,
					"error", &domain.ResourceTeardownError{Handle: h, Err: err})
			}
		}
		c.Registry.Release(id, h.Target)
	}
}
