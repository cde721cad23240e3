package lock

import (
	"context"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/opstelco/go-coord/v1/metrics"
)

// delScript releases the cleanup lease only if this process still holds
// it, so a slow cycle never deletes a successor's lease.
var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

const (
	defaultReapInterval = 30 * time.Second
	defaultReapBackoff  = time.Minute
	cleanupLeaseTTL     = time.Minute
	cleanupAcquireWait  = 5 * time.Second
)

type reaper struct {
	interval time.Duration
	closeCh  chan struct{}
	doneCh   chan struct{}
}

// WithReapInterval sets the pause between reaper cycles.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) {
		if m.reaper == nil {
			m.reaper = &reaper{}
		}
		m.reaper.interval = d
	}
}

// StartReaper launches the background eviction loop. It is a no-op if
// the reaper is already running. Cycles across processes are serialized
// by a short-lived lease on a well-known key; a process that cannot take
// the lease within a bounded wait skips the cycle, since every read path
// already self-heals on expired records.
func (m *Manager) StartReaper() {
	if m.reaper != nil && m.reaper.closeCh != nil {
		return
	}
	if m.reaper == nil {
		m.reaper = &reaper{}
	}
	if m.reaper.interval <= 0 {
		m.reaper.interval = defaultReapInterval
	}
	m.reaper.closeCh = make(chan struct{})
	m.reaper.doneCh = make(chan struct{})
	go m.reapLoop()
	m.log.Info("coord: lock reaper started", "interval", m.reaper.interval)
}

// StopReaper signals the loop to exit and waits for it to finish.
func (m *Manager) StopReaper() {
	if m.reaper == nil || m.reaper.closeCh == nil {
		return
	}
	close(m.reaper.closeCh)
	<-m.reaper.doneCh
	m.reaper.closeCh = nil
	m.log.Info("coord: lock reaper stopped")
}

func (m *Manager) reapLoop() {
	defer close(m.reaper.doneCh)
	for {
		pause := m.reaper.interval
		if err := m.reapCycle(); err != nil {
			// Store failures are transient here; the read paths still
			// guarantee correctness, so just back off.
			m.log.Warn("coord: reaper cycle failed", "error", err)
			pause = defaultReapBackoff
		}
		select {
		case <-m.reaper.closeCh:
			return
		case <-time.After(pause):
		}
	}
}

func (m *Manager) reapCycle() error {
	ctx := context.Background()

	token, acquired, err := m.acquireCleanupLease(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		// Another process is reaping; this cycle is redundant.
		return nil
	}
	defer m.releaseCleanupLease(ctx, token)

	keys, err := m.scan(ctx, m.prefix+"*")
	if err != nil {
		return err
	}
	reaped := 0
	for _, key := range keys {
		raw, found, err := m.get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		info, perr := unmarshalInfo(raw)
		if perr != nil {
			m.log.Warn("coord: purging corrupt lock record during reap", "key", key, "error", perr)
			if err := m.del(ctx, key); err != nil {
				return err
			}
			continue
		}
		if !info.Expired() {
			continue
		}
		if err := m.evict(ctx, info); err != nil {
			return err
		}
		metrics.LockReaped.Inc()
		m.publish(ctx, "lock:expired:"+info.Resource, info)
		reaped++
	}
	if reaped > 0 {
		m.log.Info("coord: reaped expired locks", "count", reaped)
	}
	return nil
}

// acquireCleanupLease takes the cross-process mutual-exclusion lease for
// a single reap cycle, retrying inside a bounded wait. The lease itself
// expires, so a crashed reaper never blocks others permanently.
func (m *Manager) acquireCleanupLease(ctx context.Context) (string, bool, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return "", false, err
	}
	deadline := time.Now().Add(cleanupAcquireWait)
	for {
		cctx, cancel := context.WithTimeout(ctx, m.opTimeout)
		ok, err := m.client.SetNX(cctx, cleanupLockKey, token, cleanupLeaseTTL).Result()
		cancel()
		if err != nil {
			return "", false, wrapErr(err)
		}
		if ok {
			return token, true, nil
		}
		if time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-m.reaper.closeCh:
			return "", false, nil
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (m *Manager) releaseCleanupLease(ctx context.Context, token string) {
	cctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	if _, err := delScript.Run(cctx, m.client, []string{cleanupLockKey}, token).Result(); err != nil && err != redis.Nil {
		m.log.Warn("coord: cleanup lease release failed", "error", err)
	}
}
