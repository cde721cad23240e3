package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opstelco/go-coord/v1/audit"
)

// sessionSender hands out fakeSessions and can refuse the handshake.
type sessionSender struct {
	mu       sync.Mutex
	connects int
	failConn bool
	sessions []*fakeSession
}

func (s *sessionSender) Send(ctx context.Context, r Recipient, job Job) error {
	return errors.New("direct send bypassed the session")
}

func (s *sessionSender) Connect(ctx context.Context) (SendSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.failConn {
		return nil, errors.New("bind rejected")
	}
	sess := &fakeSession{}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

type fakeSession struct {
	mu     sync.Mutex
	sent   int
	closed bool
}

func (f *fakeSession) Send(ctx context.Context, r Recipient, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// recordingAudit captures entries for assertions.
type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Record(ctx context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingAudit) byOutcome(o audit.Outcome) []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, e := range r.entries {
		if e.Outcome == o {
			out = append(out, e)
		}
	}
	return out
}

func TestSessionSenderOneSessionPerJob(t *testing.T) {
	sender := &sessionSender{}
	e, hist := newEngine(t, WithSender(ChannelSMS, sender))
	e.Start()

	id, err := e.Submit(context.Background(), Job{
		Channel: ChannelSMS,
		Recipients: []Recipient{
			{Address: "+391", OffHoursOK: true},
			{Address: "+392", OffHoursOK: true},
			{Address: "+393", OffHoursOK: true},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := waitRecord(t, e, hist, id)
	if rec.Status != "completed" || rec.SuccessfulSends != 3 {
		t.Fatalf("record = %+v, want completed 3/0", rec)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.connects != 1 || len(sender.sessions) != 1 {
		t.Fatalf("connects = %d, want exactly one session per job", sender.connects)
	}
	sess := sender.sessions[0]
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.sent != 3 {
		t.Fatalf("session sends = %d, want 3", sess.sent)
	}
	if !sess.closed {
		t.Fatal("session not closed after the job")
	}
}

func TestSessionConnectFailureFailsJob(t *testing.T) {
	sender := &sessionSender{failConn: true}
	e, hist := newEngine(t, WithSender(ChannelSMS, sender))
	e.Start()

	id, err := e.Submit(context.Background(), Job{
		Channel: ChannelSMS,
		Recipients: []Recipient{
			{Address: "+391", OffHoursOK: true},
			{Address: "+392", OffHoursOK: true},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := waitRecord(t, e, hist, id)
	if rec.Status != "failed" {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if !strings.Contains(rec.ErrorMessage, "gateway connect") {
		t.Fatalf("error message = %q, want a connect failure", rec.ErrorMessage)
	}
	if rec.SuccessfulSends != 0 || rec.FailedSends != 0 {
		t.Fatalf("per-recipient counters set on mechanism failure: %+v", rec)
	}
}

func TestSessionSkippedWhenAllDeferred(t *testing.T) {
	h := (time.Now().UTC().Hour() + 12) % 24
	sender := &sessionSender{failConn: true}
	e, hist := newEngine(t,
		WithSender(ChannelSMS, sender),
		WithDayWindow(Clock{Hour: h}, Clock{Hour: h}, time.UTC),
	)
	e.Start()

	id, err := e.Submit(context.Background(), Job{
		Channel:    ChannelSMS,
		Recipients: []Recipient{{Address: "+391"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Connect would fail, but no eligible recipient means no handshake.
	rec := waitRecord(t, e, hist, id)
	if rec.Status != "completed" || rec.DeferredSends != 1 {
		t.Fatalf("record = %+v, want completed with 1 deferred", rec)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.connects != 0 {
		t.Fatalf("connects = %d, want 0 for an all-deferred job", sender.connects)
	}
}

func TestAuditTrailPerRecipient(t *testing.T) {
	sink := &recordingAudit{}
	sender := &fakeSender{failFor: map[string]bool{"+392": true}}
	e, hist := newEngine(t,
		WithSender(ChannelSMS, sender),
		WithAudit(sink),
	)
	e.Start()

	id, err := e.Submit(context.Background(), Job{
		Channel:    ChannelSMS,
		SubjectRef: "CRQ000777",
		Recipients: []Recipient{
			{Address: "+391", OffHoursOK: true},
			{Address: "+392", OffHoursOK: true},
		},
		Body: "window moved to Saturday",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitRecord(t, e, hist, id)

	sent := sink.byOutcome(audit.OutcomeSent)
	failed := sink.byOutcome(audit.OutcomeFailed)
	if len(sent) != 1 || sent[0].Address != "+391" {
		t.Fatalf("sent entries = %+v, want one for +391", sent)
	}
	if len(failed) != 1 || failed[0].Address != "+392" {
		t.Fatalf("failed entries = %+v, want one for +392", failed)
	}
	if failed[0].Error == "" {
		t.Fatal("failed audit entry missing the send error")
	}
	for _, entry := range append(sent, failed...) {
		if entry.TaskID != id || entry.SubjectRef != "CRQ000777" {
			t.Fatalf("audit entry missing job metadata: %+v", entry)
		}
	}
}
