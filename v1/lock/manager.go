package lock

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	coorderrors "github.com/opstelco/go-coord/v1/errors"
	"github.com/opstelco/go-coord/v1/metrics"
	"github.com/opstelco/go-coord/v1/notify"
)

var tracer = otel.Tracer("github.com/opstelco/go-coord/v1/lock")

var errCorruptRecord = stdErrors.New("corrupt lock record")

// swapScript rewrites a lock record only if the stored value still
// matches the copy the caller read. It guards extension and re-entrant
// acquisition against a concurrent eviction or takeover.
var swapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    return 1
else
    return 0
end
`)

const (
	defaultLease      = 5 * time.Minute
	defaultKeyPrefix  = "crq_lock:"
	sessionsKeyPrefix = "crq_user_sessions:"
	cleanupLockKey    = "crq_cleanup_lock"
	defaultScanCount  = 100
	defaultOpTimeout  = 5 * time.Second
)

// Manager coordinates exclusive access to shared resources across
// processes. It holds no authoritative state: every operation is a short
// sequence of Redis round trips validated before commit.
type Manager struct {
	client    *redis.Client
	prefix    string
	lease     time.Duration
	opTimeout time.Duration
	scanCount int64
	bus       notify.Bus
	log       *slog.Logger

	reaper *reaper
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyPrefix overrides the Redis key prefix for lock records.
func WithKeyPrefix(p string) Option {
	return func(m *Manager) { m.prefix = p }
}

// WithDefaultLease sets the lease applied when a caller passes a
// non-positive duration.
func WithDefaultLease(d time.Duration) Option {
	return func(m *Manager) { m.lease = d }
}

// WithOpTimeout sets the per-operation timeout for Redis calls.
func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) { m.opTimeout = d }
}

// WithBus sets the bus on which lock lifecycle events are published.
// Publishing is best effort and never fails an operation.
func WithBus(b notify.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// New returns a Manager using the provided Redis client.
func New(client *redis.Client, opts ...Option) *Manager {
	m := &Manager{
		client:    client,
		prefix:    defaultKeyPrefix,
		lease:     defaultLease,
		opTimeout: defaultOpTimeout,
		scanCount: defaultScanCount,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire attempts to take the lock on resource for the given owner. A
// granted call returns (true, nil, nil). A refused call returns the
// conflicting lock so the caller can surface the current holder. Holding
// the lock already (same owner) renews the lease and grants.
func (m *Manager) Acquire(ctx context.Context, resource, ownerID, ownerName, sessionID string, lease time.Duration) (bool, *Info, error) {
	ctx, span := tracer.Start(ctx, "Lock.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("coord.lock.resource", resource))

	if lease <= 0 {
		lease = m.lease
	}

	raw, found, err := m.get(ctx, m.lockKey(resource))
	if err != nil {
		return false, nil, err
	}
	if found {
		existing, perr := unmarshalInfo(raw)
		if perr != nil {
			m.log.Warn("coord: purging corrupt lock record", "resource", resource, "error", perr)
			if err := m.del(ctx, m.lockKey(resource)); err != nil {
				return false, nil, err
			}
		} else if existing.Expired() {
			if err := m.evict(ctx, existing); err != nil {
				return false, nil, err
			}
			metrics.LockReaped.Inc()
		} else if existing.OwnerID == ownerID {
			// Re-entrant renewal, not a conflict.
			ok, err := m.swap(ctx, existing, raw, ownerName, sessionID, lease)
			if err != nil {
				return false, nil, err
			}
			if ok {
				span.SetAttributes(attribute.String("coord.lock.result", "renewed"))
				return true, nil, nil
			}
			// Lost the record between read and swap; fall through and
			// compete for a fresh acquisition.
		} else {
			metrics.LockConflicts.Inc()
			span.SetAttributes(attribute.String("coord.lock.result", "conflict"))
			return false, existing, nil
		}
	}

	info := &Info{
		Resource:  resource,
		OwnerID:   ownerID,
		OwnerName: ownerName,
		SessionID: sessionID,
		LockedAt:  time.Now(),
		ExpiresAt: time.Now().Add(lease),
	}
	created, err := m.create(ctx, info, lease)
	if err != nil {
		return false, nil, err
	}
	if !created {
		// Another process won the race after our read. Report whoever
		// holds the lock now.
		raw, found, err := m.get(ctx, m.lockKey(resource))
		if err != nil {
			return false, nil, err
		}
		if found {
			if winner, perr := unmarshalInfo(raw); perr == nil {
				metrics.LockConflicts.Inc()
				span.SetAttributes(attribute.String("coord.lock.result", "conflict"))
				return false, winner, nil
			}
		}
		return false, nil, nil
	}

	metrics.LockAcquired.Inc()
	span.SetAttributes(attribute.String("coord.lock.result", "granted"))
	m.publish(ctx, "lock:acquired:"+resource, info)
	m.log.Info("coord: lock acquired", "resource", resource, "owner", ownerName)
	return true, nil, nil
}

// Release frees the lock on resource. It succeeds only when both owner
// and session match the stored record, protecting against a stale client
// releasing another session's lock. A record that cannot be parsed is
// purged and counted as released.
func (m *Manager) Release(ctx context.Context, resource, ownerID, sessionID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Lock.Release")
	defer span.End()
	span.SetAttributes(attribute.String("coord.lock.resource", resource))

	raw, found, err := m.get(ctx, m.lockKey(resource))
	if err != nil {
		return false, err
	}
	if !found {
		m.log.Warn("coord: release of non-existent lock", "resource", resource, "owner", ownerID)
		return false, nil
	}
	existing, perr := unmarshalInfo(raw)
	if perr != nil {
		m.log.Warn("coord: purging corrupt lock record on release", "resource", resource, "error", perr)
		if err := m.del(ctx, m.lockKey(resource)); err != nil {
			return false, err
		}
		return true, nil
	}
	if existing.OwnerID != ownerID || existing.SessionID != sessionID {
		m.log.Warn("coord: unauthorized lock release attempt",
			"resource", resource, "owner", ownerID, "session", sessionID)
		return false, nil
	}
	if err := m.evict(ctx, existing); err != nil {
		return false, err
	}
	m.publish(ctx, "lock:released:"+resource, existing)
	m.log.Info("coord: lock released", "resource", resource, "owner", existing.OwnerName)
	return true, nil
}

// Extend renews the lease on a held lock. The ownership check matches
// Release. The whole record is rewritten with a fresh expiry through a
// conditional swap, so a concurrent eviction or takeover loses nothing.
func (m *Manager) Extend(ctx context.Context, resource, ownerID, sessionID string, lease time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "Lock.Extend")
	defer span.End()
	span.SetAttributes(attribute.String("coord.lock.resource", resource))

	if lease <= 0 {
		lease = m.lease
	}

	raw, found, err := m.get(ctx, m.lockKey(resource))
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	existing, perr := unmarshalInfo(raw)
	if perr != nil {
		m.log.Warn("coord: corrupt lock record on extend", "resource", resource, "error", perr)
		return false, nil
	}
	if existing.OwnerID != ownerID || existing.SessionID != sessionID {
		return false, nil
	}
	ok, err := m.swap(ctx, existing, raw, existing.OwnerName, sessionID, lease)
	if err != nil {
		return false, err
	}
	if ok {
		m.log.Debug("coord: lock extended", "resource", resource, "owner", existing.OwnerName)
	}
	return ok, nil
}

// Status reports the current lock state of resource. Observing an
// expired record evicts it as a side effect and reports StatusExpired
// for that one call.
func (m *Manager) Status(ctx context.Context, resource string) (Status, *Info, error) {
	ctx, span := tracer.Start(ctx, "Lock.Status")
	defer span.End()
	span.SetAttributes(attribute.String("coord.lock.resource", resource))

	raw, found, err := m.get(ctx, m.lockKey(resource))
	if err != nil {
		return StatusAvailable, nil, err
	}
	if !found {
		return StatusAvailable, nil, nil
	}
	existing, perr := unmarshalInfo(raw)
	if perr != nil {
		m.log.Warn("coord: purging corrupt lock record on status", "resource", resource, "error", perr)
		if err := m.del(ctx, m.lockKey(resource)); err != nil {
			return StatusAvailable, nil, err
		}
		return StatusAvailable, nil, nil
	}
	if existing.Expired() {
		if err := m.evict(ctx, existing); err != nil {
			return StatusAvailable, nil, err
		}
		metrics.LockReaped.Inc()
		m.publish(ctx, "lock:expired:"+resource, existing)
		return StatusExpired, nil, nil
	}
	return StatusLocked, existing, nil
}

// All returns every currently held lock keyed by resource, evicting any
// expired records encountered during the scan.
func (m *Manager) All(ctx context.Context) (map[string]*Info, error) {
	ctx, span := tracer.Start(ctx, "Lock.All")
	defer span.End()

	keys, err := m.scan(ctx, m.prefix+"*")
	if err != nil {
		return nil, err
	}
	locks := make(map[string]*Info)
	for _, key := range keys {
		raw, found, err := m.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		resource := strings.TrimPrefix(key, m.prefix)
		info, perr := unmarshalInfo(raw)
		if perr != nil {
			m.log.Warn("coord: purging corrupt lock record on scan", "key", key, "error", perr)
			if err := m.del(ctx, key); err != nil {
				return nil, err
			}
			continue
		}
		if info.Expired() {
			if err := m.evict(ctx, info); err != nil {
				return nil, err
			}
			metrics.LockReaped.Inc()
			continue
		}
		locks[resource] = info
	}
	return locks, nil
}

func (m *Manager) lockKey(resource string) string {
	return m.prefix + resource
}

func (m *Manager) sessionsKey(ownerID string) string {
	return sessionsKeyPrefix + ownerID
}

// create atomically installs a new record. SetNX arbitrates between
// processes racing for the same resource: exactly one wins per lease.
func (m *Manager) create(ctx context.Context, info *Info, lease time.Duration) (bool, error) {
	data, err := info.marshal()
	if err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	ok, err := m.client.SetNX(cctx, m.lockKey(info.Resource), data, lease).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	if !ok {
		return false, nil
	}
	if err := m.client.SAdd(cctx, m.sessionsKey(info.OwnerID), info.SessionID).Err(); err != nil {
		return true, wrapErr(err)
	}
	return true, nil
}

// swap rewrites the record with a fresh expiry, conditional on the
// stored bytes still matching prev. When the rewrite moves the lock to
// a different session the owner's session set follows.
func (m *Manager) swap(ctx context.Context, existing *Info, prev []byte, ownerName, sessionID string, lease time.Duration) (bool, error) {
	renewed := *existing
	renewed.OwnerName = ownerName
	renewed.SessionID = sessionID
	renewed.ExpiresAt = time.Now().Add(lease)
	data, err := renewed.marshal()
	if err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	n, err := swapScript.Run(cctx, m.client,
		[]string{m.lockKey(existing.Resource)},
		prev, data, lease.Milliseconds()).Int()
	if err != nil {
		return false, wrapErr(err)
	}
	if n != 1 {
		return false, nil
	}
	if sessionID != existing.SessionID {
		pipe := m.client.TxPipeline()
		pipe.SAdd(cctx, m.sessionsKey(existing.OwnerID), sessionID)
		pipe.SRem(cctx, m.sessionsKey(existing.OwnerID), existing.SessionID)
		if _, err := pipe.Exec(cctx); err != nil {
			return true, wrapErr(err)
		}
	}
	return true, nil
}

// evict removes the lock record and prunes the owner's session set,
// deleting the set once it empties.
func (m *Manager) evict(ctx context.Context, info *Info) error {
	cctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	pipe := m.client.TxPipeline()
	pipe.Del(cctx, m.lockKey(info.Resource))
	pipe.SRem(cctx, m.sessionsKey(info.OwnerID), info.SessionID)
	card := pipe.SCard(cctx, m.sessionsKey(info.OwnerID))
	if _, err := pipe.Exec(cctx); err != nil {
		return wrapErr(err)
	}
	if card.Val() == 0 {
		if err := m.client.Del(cctx, m.sessionsKey(info.OwnerID)).Err(); err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

func (m *Manager) get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	data, err := m.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr(err)
	}
	return data, true, nil
}

func (m *Manager) del(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	if err := m.client.Del(cctx, key).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (m *Manager) scan(ctx context.Context, pattern string) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	var cursor uint64
	var keys []string
	for {
		batch, next, err := m.client.Scan(cctx, cursor, pattern, m.scanCount).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (m *Manager) publish(ctx context.Context, key string, info *Info) {
	if m.bus == nil {
		return
	}
	data, err := info.marshal()
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, key, data); err != nil {
		m.log.Warn("coord: lock event publish failed", "key", key, "error", err)
	}
}

func wrapErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return coorderrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return coorderrors.ErrConnectionClosed
	}
	return err
}
