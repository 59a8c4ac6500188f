package app

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"

	"hostbot/internal/deploy"
	logx "hostbot/pkg/logx"
)

// notifier throttles crash alerts per deployment so a crash loop does not
// flood the owners: a burst of three, then one a minute.
type notifier struct {
	mu    sync.Mutex
	every time.Duration
	burst int
	lims  map[deploy.Key]*rate.Limiter
}

func newNotifier() *notifier {
	return &notifier{every: time.Minute, burst: 3, lims: map[deploy.Key]*rate.Limiter{}}
}

func (n *notifier) allow(k deploy.Key, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.lims[k]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.every), n.burst)
		n.lims[k] = l
	}
	return l.AllowN(now, 1)
}

func notifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", "ready"))
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("systemd notify failed", logx.Err(err))
	}
}

// watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// Without a watchdog it returns at once.
func watchdog(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
