package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/opstelco/go-coord/v1/audit"
	coorderrors "github.com/opstelco/go-coord/v1/errors"
	"github.com/opstelco/go-coord/v1/history"
	"github.com/opstelco/go-coord/v1/metrics"
	"github.com/opstelco/go-coord/v1/notify"
)

var tracer = otel.Tracer("github.com/opstelco/go-coord/v1/dispatch")

const (
	defaultQueueSize      = 64
	defaultSubmitWait     = 5 * time.Second
	defaultRecipientDelay = 200 * time.Millisecond
	defaultPollInterval   = time.Second
	defaultJoinTimeout    = 10 * time.Second
	defaultStaleAfter     = 2 * time.Hour
	defaultRetention      = 24 * time.Hour
	defaultMaintainEvery  = time.Hour
)

// Engine owns the task registry, the bounded queue and the single
// background worker. Submission never blocks on send I/O: callers wait
// only on queue insertion (bounded) and brief registry mutations.
type Engine struct {
	mu      sync.Mutex
	tasks   map[string]*task
	running bool
	stopCh  chan struct{}

	queue  chan *Job
	group  *errgroup.Group
	joined chan struct{}

	senders map[Channel]Sender
	hist    history.Store
	audit   audit.Log
	bus     notify.Bus
	log     *slog.Logger

	win           window
	delay         time.Duration
	submitWait    time.Duration
	pollInterval  time.Duration
	joinTimeout   time.Duration
	staleAfter    time.Duration
	retention     time.Duration
	maintainEvery time.Duration
	lastMaintain  time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithQueueSize sets the bounded queue capacity.
func WithQueueSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.queue = make(chan *Job, n)
		}
	}
}

// WithSender registers the sender for a channel. Jobs for a channel
// without a sender fail at processing time.
func WithSender(ch Channel, s Sender) EngineOption {
	return func(e *Engine) { e.senders[ch] = s }
}

// WithHistory sets the durable history store for terminal records.
func WithHistory(s history.Store) EngineOption {
	return func(e *Engine) { e.hist = s }
}

// WithAudit sets the per-recipient delivery audit sink.
func WithAudit(l audit.Log) EngineOption {
	return func(e *Engine) { e.audit = l }
}

// WithBus sets the bus on which task terminal events are published.
func WithBus(b notify.Bus) EngineOption {
	return func(e *Engine) { e.bus = b }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithDayWindow sets the daytime delivery window and its timezone.
// Outside the window only recipients with OffHoursOK are sent to. An
// end boundary before the start describes a window wrapping past
// midnight, e.g. 22:00 to 06:00.
func WithDayWindow(start, end Clock, loc *time.Location) EngineOption {
	return func(e *Engine) {
		if loc == nil {
			loc = time.Local
		}
		e.win = window{start: start, end: end, loc: loc}
	}
}

// WithRecipientDelay sets the pause between consecutive recipient
// sends. The pause observes Stop, so shutdown is honored within one
// interval.
func WithRecipientDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.delay = d }
}

// WithSubmitWait bounds how long Submit waits for queue space before
// refusing the job.
func WithSubmitWait(d time.Duration) EngineOption {
	return func(e *Engine) { e.submitWait = d }
}

// WithJoinTimeout bounds how long Stop waits for the worker to exit.
func WithJoinTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.joinTimeout = d }
}

// WithStaleAfter sets the age past which a PENDING/RUNNING task is
// treated as hung and evicted by self-maintenance.
func WithStaleAfter(d time.Duration) EngineOption {
	return func(e *Engine) { e.staleAfter = d }
}

// WithRetention sets how long terminal entries may linger in the
// registry before maintenance evicts them. Normal completion evicts
// immediately; this only catches leftovers from interrupted shutdowns.
func WithRetention(d time.Duration) EngineOption {
	return func(e *Engine) { e.retention = d }
}

// WithMaintenanceInterval sets how often the worker runs the
// self-maintenance sweep between jobs.
func WithMaintenanceInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.maintainEvery = d }
}

// NewEngine returns a configured Engine. Call Start before submitting.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		tasks:         make(map[string]*task),
		senders:       make(map[Channel]Sender),
		hist:          history.NewInMemoryStore(),
		log:           slog.Default(),
		win:           defaultWindow(),
		delay:         defaultRecipientDelay,
		submitWait:    defaultSubmitWait,
		pollInterval:  defaultPollInterval,
		joinTimeout:   defaultJoinTimeout,
		staleAfter:    defaultStaleAfter,
		retention:     defaultRetention,
		maintainEvery: defaultMaintainEvery,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue == nil {
		e.queue = make(chan *Job, defaultQueueSize)
	}
	if e.audit == nil {
		e.audit = audit.NewSlogLog(e.log)
	}
	return e
}

// Start launches the worker. It is a no-op when already running.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.log.Warn("coord: dispatch worker already running")
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.joined = make(chan struct{})
	e.lastMaintain = time.Now()
	e.group = new(errgroup.Group)
	stop := e.stopCh
	e.group.Go(func() error {
		e.workerLoop(stop)
		return nil
	})
	go func() {
		_ = e.group.Wait()
		close(e.joined)
	}()
	e.log.Info("coord: dispatch worker started")
}

// Stop requests cooperative shutdown: no new jobs are accepted, the
// worker stops picking up work and the in-flight recipient delay is
// interrupted. The join is bounded; exceeding it is logged, not fatal.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		e.log.Info("coord: dispatch worker already stopped")
		return
	}
	e.running = false
	close(e.stopCh)
	joined := e.joined
	e.mu.Unlock()

	// Poison pill unblocks a queue wait; skip it when the queue is full.
	select {
	case e.queue <- nil:
	default:
		e.log.Warn("coord: queue full, poison pill not enqueued")
	}

	select {
	case <-joined:
		e.log.Info("coord: dispatch worker stopped")
	case <-time.After(e.joinTimeout):
		e.log.Warn("coord: dispatch worker did not stop within join timeout",
			"timeout", e.joinTimeout)
	}
}

// Submit queues a job and returns its task id. The id is immediately
// valid for Status. A full queue refuses the job without blocking past
// the bounded wait and leaves no registry entry behind.
func (e *Engine) Submit(ctx context.Context, job Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Dispatch.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("coord.dispatch.channel", string(job.Channel)),
		attribute.Int("coord.dispatch.recipients", len(job.Recipients)),
	)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return "", coorderrors.ErrNotRunning
	}
	id := uuid.NewString()
	job.TaskID = id
	e.tasks[id] = &task{
		id:         id,
		subjectRef: job.SubjectRef,
		channel:    job.Channel,
		total:      len(job.Recipients),
		status:     StatusPending,
		createdAt:  time.Now(),
	}
	metrics.ActiveTasks.Set(float64(len(e.tasks)))
	e.mu.Unlock()

	timer := time.NewTimer(e.submitWait)
	defer timer.Stop()
	select {
	case e.queue <- &job:
		metrics.TasksSubmitted.Inc()
		metrics.QueueDepth.Set(float64(len(e.queue)))
		e.log.Info("coord: task submitted",
			"task_id", id, "channel", job.Channel, "recipients", len(job.Recipients))
		return id, nil
	case <-timer.C:
		e.discard(id)
		metrics.TasksRefused.Inc()
		e.log.Error("coord: queue full, task refused", "task_id", id)
		return "", coorderrors.ErrQueueFull
	case <-ctx.Done():
		e.discard(id)
		e.log.Info("coord: submission canceled", "task_id", id)
		return "", ctx.Err()
	}
}

// discard removes a registry entry created for a submission that never
// made it onto the queue.
func (e *Engine) discard(id string) {
	e.mu.Lock()
	delete(e.tasks, id)
	metrics.ActiveTasks.Set(float64(len(e.tasks)))
	e.mu.Unlock()
}

// Status returns a snapshot of an active task. A previously valid id
// that is gone means the task reached a terminal state (see history) or
// was evicted as stale.
func (e *Engine) Status(taskID string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// List merges live tasks with durable history, newest first. Live
// entries are always included; history is truncated to limit.
func (e *Engine) List(ctx context.Context, limit int, includeCompleted bool) ([]Snapshot, error) {
	ctx, span := tracer.Start(ctx, "Dispatch.List")
	defer span.End()

	e.mu.Lock()
	active := make([]Snapshot, 0, len(e.tasks))
	activeIDs := make(map[string]struct{}, len(e.tasks))
	for id, t := range e.tasks {
		active = append(active, t.snapshot())
		activeIDs[id] = struct{}{}
	}
	e.mu.Unlock()

	if !includeCompleted {
		sortSnapshots(active)
		return active, nil
	}

	recs, err := e.hist.Recent(ctx, limit, activeIDs)
	if err != nil {
		// Degrade to live tasks rather than failing the listing.
		e.log.Error("coord: history read failed", "error", err)
		sortSnapshots(active)
		return active, nil
	}
	for _, rec := range recs {
		active = append(active, Snapshot{
			TaskID:          rec.TaskID,
			SubjectRef:      rec.SubjectRef,
			Channel:         Channel(rec.Channel),
			TotalRecipients: rec.TotalRecipients,
			SuccessfulSends: rec.SuccessfulSends,
			FailedSends:     rec.FailedSends,
			DeferredSends:   rec.DeferredSends,
			Status:          rec.Status,
			CreatedAt:       rec.CreatedAt,
			StartedAt:       rec.StartedAt,
			CompletedAt:     rec.CompletedAt,
			ErrorMessage:    rec.ErrorMessage,
		})
	}
	sortSnapshots(active)
	return active, nil
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool {
		return s[i].CreatedAt.After(s[j].CreatedAt)
	})
}
