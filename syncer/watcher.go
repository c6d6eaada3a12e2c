package syncer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// clockAfter adapts Clock.AfterFunc to a channel so the watcher loop can
// select on it alongside cancellation.
func clockAfter(c Clock, d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	c.AfterFunc(d, func() { close(ch) })
	return ch
}

// runWatcher probes the remote store and drives the online flag, the Go
// rendition of the browser's online/offline events. While unreachable the
// probe interval backs off exponentially; a successful probe resets it.
func (m *Manager) runWatcher(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.PingInterval
	policy.MaxInterval = 4 * m.cfg.PingInterval
	policy.MaxElapsedTime = 0

	for {
		interval := m.cfg.PingInterval

		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingInterval)
		err := m.cfg.Store.Ping(pingCtx)
		cancel()

		if err != nil {
			m.SetOnline(false)
			interval = policy.NextBackOff()
		} else {
			policy.Reset()
			m.SetOnline(true)
		}

		select {
		case <-ctx.Done():
			return
		case <-clockAfter(m.clock, interval):
		}
	}
}
