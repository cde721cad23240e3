package dispatch

import "context"

// Sender delivers a message to a single recipient. The worker calls it
// once per eligible recipient; retries and batching live in the worker,
// so implementations must not add their own.
type Sender interface {
	Send(ctx context.Context, r Recipient, job Job) error
}

// SessionSender is implemented by senders whose gateway needs a
// connection handshake (an SMPP bind, an SMTP session). The worker
// opens one session per job and closes it on every exit path. A failed
// Connect marks the whole job failed: no per-recipient counters are
// trusted when the mechanism itself cannot run.
type SessionSender interface {
	Connect(ctx context.Context) (SendSession, error)
}

// SendSession is a scoped gateway connection serving one job.
type SendSession interface {
	Send(ctx context.Context, r Recipient, job Job) error
	Close() error
}
