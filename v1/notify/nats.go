package notify

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

type natsWatch struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
}

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn    *nats.Conn
	mu      sync.Mutex
	watches map[string]map[chan []byte]*natsWatch
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, watches: make(map[string]map[chan []byte]*natsWatch)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return b.conn.Publish(subject(key), data)
}

// Watch implements Bus.Watch.
func (b *NATSBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 1)

	sub, err := b.conn.Subscribe(subject(key), func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		default:
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	b.mu.Lock()
	m := b.watches[key]
	if m == nil {
		m = make(map[chan []byte]*natsWatch)
		b.watches[key] = m
	}
	m[ch] = &natsWatch{sub: sub, cancel: cancel}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (b *NATSBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	if m, ok := b.watches[key]; ok {
		if w, ok := m[ch]; ok {
			delete(m, ch)
			if len(m) == 0 {
				delete(b.watches, key)
			}
			b.mu.Unlock()
			_ = w.sub.Unsubscribe()
			w.cancel()
			close(ch)
			return nil
		}
	}
	b.mu.Unlock()
	return nil
}

// subject maps an event key onto a NATS subject. Keys use ':' separators
// which NATS treats as opaque, so they pass through unchanged.
func subject(key string) string { return key }
