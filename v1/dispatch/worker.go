package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opstelco/go-coord/v1/audit"
	"github.com/opstelco/go-coord/v1/history"
	"github.com/opstelco/go-coord/v1/metrics"
)

// workerLoop is the single consumer for one Start/Stop run. stop is the
// run's own stop channel: the queue outlives runs, so a nil pill is
// honored only when this run is shutting down and ignored when it is a
// leftover from a previous one.
func (e *Engine) workerLoop(stop chan struct{}) {
	e.log.Info("coord: worker loop started")
	defer e.log.Info("coord: worker loop finished")

	for {
		e.maybeMaintain()

		select {
		case <-stop:
			return
		case job := <-e.queue:
			if job == nil {
				select {
				case <-stop:
					e.log.Info("coord: poison pill received")
					return
				default:
					e.log.Info("coord: discarding stale poison pill")
					continue
				}
			}
			metrics.QueueDepth.Set(float64(len(e.queue)))
			select {
			case <-stop:
				e.log.Info("coord: skipping task, shutdown in progress", "task_id", job.TaskID)
				e.markFailed(job, "worker shutdown during processing")
				return
			default:
			}
			e.process(stop, job)
		case <-time.After(e.pollInterval):
		}
	}
}

func (e *Engine) process(stop chan struct{}, job *Job) {
	ctx, span := tracer.Start(context.Background(), "Dispatch.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("coord.dispatch.task_id", job.TaskID),
		attribute.String("coord.dispatch.channel", string(job.Channel)),
	)

	e.setRunning(job.TaskID)

	sender, ok := e.senders[job.Channel]
	if !ok {
		e.markFailed(job, fmt.Sprintf("no sender registered for channel %q", job.Channel))
		return
	}

	eligible, deferred := e.win.split(job.Recipients, time.Now())
	for _, r := range deferred {
		e.recordAudit(ctx, job, r, audit.OutcomeDeferred, nil)
		metrics.SendsDeferred.Inc()
	}
	e.updateProgress(job.TaskID, 0, 0, len(deferred))

	successful, failed := 0, 0

	if len(eligible) > 0 {
		send := sender.Send
		if ss, ok := sender.(SessionSender); ok {
			session, err := ss.Connect(ctx)
			if err != nil {
				// The mechanism itself could not run; per-recipient
				// counters are meaningless.
				e.markFailed(job, fmt.Sprintf("gateway connect: %v", err))
				return
			}
			defer session.Close()
			send = session.Send
		}

		for i, r := range eligible {
			select {
			case <-stop:
				e.log.Info("coord: send loop interrupted by shutdown", "task_id", job.TaskID)
				goto done
			default:
			}

			if err := send(ctx, r, *job); err != nil {
				failed++
				metrics.SendsFailed.Inc()
				e.log.Error("coord: send failed",
					"task_id", job.TaskID, "address", r.Address, "error", err)
				e.recordAudit(ctx, job, r, audit.OutcomeFailed, err)
			} else {
				successful++
				metrics.SendsOK.Inc()
				e.recordAudit(ctx, job, r, audit.OutcomeSent, nil)
			}
			e.updateProgress(job.TaskID, successful, failed, len(deferred))

			if i < len(eligible)-1 {
				select {
				case <-stop:
					e.log.Info("coord: recipient delay interrupted by shutdown", "task_id", job.TaskID)
					goto done
				case <-time.After(e.delay):
				}
			}
		}
	}

done:
	status := StatusCompleted
	switch {
	case failed > 0 && successful > 0:
		status = StatusPartial
	case failed > 0:
		status = StatusFailed
	}
	e.complete(job, status, successful, failed, len(deferred), "")
}

// setRunning transitions PENDING -> RUNNING and stamps started_at.
func (e *Engine) setRunning(taskID string) {
	e.mu.Lock()
	if t, ok := e.tasks[taskID]; ok {
		t.status = StatusRunning
		now := time.Now()
		t.startedAt = &now
	}
	e.mu.Unlock()
}

// updateProgress publishes live counters so concurrent Status reads see
// per-recipient progress.
func (e *Engine) updateProgress(taskID string, successful, failed, deferred int) {
	e.mu.Lock()
	if t, ok := e.tasks[taskID]; ok {
		t.successful = successful
		t.failed = failed
		t.deferred = deferred
	}
	e.mu.Unlock()
}

// complete performs the terminal transition: write the durable history
// row first, then evict the in-memory entry.
func (e *Engine) complete(job *Job, status Status, successful, failed, deferred int, errMsg string) {
	e.mu.Lock()
	t, ok := e.tasks[job.TaskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	t.successful = successful
	t.failed = failed
	t.deferred = deferred
	t.status = status
	t.errorMessage = errMsg
	now := time.Now()
	t.completedAt = &now

	rec := historyRecord(t, job)
	snap := t.snapshot()
	e.mu.Unlock()

	if err := e.hist.Save(context.Background(), rec); err != nil {
		e.log.Error("coord: history write failed", "task_id", job.TaskID, "error", err)
	}

	e.mu.Lock()
	delete(e.tasks, job.TaskID)
	metrics.ActiveTasks.Set(float64(len(e.tasks)))
	e.mu.Unlock()

	e.publishDone(snap)
	if status == StatusFailed {
		e.log.Error("coord: task failed", "task_id", job.TaskID, "error", errMsg)
	} else {
		e.log.Info("coord: task finished",
			"task_id", job.TaskID, "status", status.String(),
			"successful", successful, "failed", failed, "deferred", deferred)
	}
}

func (e *Engine) markFailed(job *Job, errMsg string) {
	e.mu.Lock()
	var successful, failed, deferred int
	if t, ok := e.tasks[job.TaskID]; ok {
		successful, failed, deferred = t.successful, t.failed, t.deferred
	}
	e.mu.Unlock()
	e.complete(job, StatusFailed, successful, failed, deferred, errMsg)
}

func (e *Engine) recordAudit(ctx context.Context, job *Job, r Recipient, outcome audit.Outcome, sendErr error) {
	entry := audit.Entry{
		TaskID:     job.TaskID,
		SubjectRef: job.SubjectRef,
		Channel:    string(job.Channel),
		Address:    r.Address,
		Body:       job.Body,
		Outcome:    outcome,
		At:         time.Now(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.log.Warn("coord: audit record failed", "task_id", job.TaskID, "error", err)
	}
}

func (e *Engine) publishDone(snap Snapshot) {
	if e.bus == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := e.bus.Publish(context.Background(), "task:done:"+snap.TaskID, data); err != nil {
		e.log.Warn("coord: task event publish failed", "task_id", snap.TaskID, "error", err)
	}
}

// maybeMaintain evicts stale and leftover registry entries between
// jobs. Stale PENDING/RUNNING tasks are recovered failures: the
// submitter's next Status poll reports not_found, which callers treat
// as terminal.
func (e *Engine) maybeMaintain() {
	if time.Since(e.lastMaintain) < e.maintainEvery {
		return
	}
	e.lastMaintain = time.Now()

	e.mu.Lock()
	removed := 0
	for id, t := range e.tasks {
		switch {
		case t.status.Terminal():
			if t.completedAt != nil && time.Since(*t.completedAt) > e.retention {
				delete(e.tasks, id)
				removed++
			}
		case time.Since(t.createdAt) > e.staleAfter:
			e.log.Warn("coord: evicting stale task",
				"task_id", id, "status", t.status.String(), "age", time.Since(t.createdAt))
			delete(e.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.ActiveTasks.Set(float64(len(e.tasks)))
	}
	e.mu.Unlock()

	if removed > 0 {
		e.log.Info("coord: registry maintenance done", "removed", removed)
	}
}

func historyRecord(t *task, job *Job) history.Record {
	rec := history.Record{
		TaskID:          t.id,
		SubjectRef:      t.subjectRef,
		Channel:         string(t.channel),
		TotalRecipients: t.total,
		SuccessfulSends: t.successful,
		FailedSends:     t.failed,
		DeferredSends:   t.deferred,
		Status:          t.status.String(),
		CreatedAt:       t.createdAt,
		StartedAt:       t.startedAt,
		CompletedAt:     t.completedAt,
		CreatedBy:       job.CreatedBy,
		OperatorIP:      job.OperatorIP,
		ErrorMessage:    t.errorMessage,
		Message:         job.Body,
	}
	if t.startedAt != nil && t.completedAt != nil {
		rec.DurationSeconds = int(t.completedAt.Sub(*t.startedAt) / time.Second)
	}
	return rec
}
