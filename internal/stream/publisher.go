package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives events for one session. Implementations must be safe for
// concurrent use, and Close must be idempotent: the publisher closes a
// sink when it is replaced, when it goes dead, and when its session is
// dropped, and the owner may close it again on its own teardown path.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close(ctx context.Context) error
}

// Options configure a Publisher. The zero value is usable.
type Options struct {
	// SendTimeout bounds a single delivery attempt. A sink that cannot
	// accept an event within the bound is treated as dead and detached.
	// Defaults to 5s.
	SendTimeout time.Duration

	// History is the number of recent events retained per session for
	// diagnostics. Attached sinks never receive replays from it.
	// Defaults to 256.
	History int
}

func (o *Options) applyDefaults() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.History <= 0 {
		o.History = 256
	}
}

// Publisher fans events out to at most one sink per session. The last
// attacher wins; publishing while no sink is attached only records the
// event in the session's history ring.
type Publisher struct {
	mu       sync.Mutex
	sessions map[string]*channel

	sendTimeout time.Duration
	history     int
	logger      *zap.Logger
}

// NewPublisher builds a Publisher. A nil logger disables logging.
func NewPublisher(logger *zap.Logger, opts Options) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	return &Publisher{
		sessions:    make(map[string]*channel),
		sendTimeout: opts.SendTimeout,
		history:     opts.History,
		logger:      logger,
	}
}

// channel is the per-session delivery state. mu guards sink and ring;
// send serializes deliveries so at most one is in flight per session.
type channel struct {
	mu   sync.Mutex
	send sync.Mutex
	sink Sink
	ring *ring
}

func (p *Publisher) channelFor(sessionID string) *channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.sessions[sessionID]
	if !ok {
		ch = &channel{ring: newRing(p.history)}
		p.sessions[sessionID] = ch
	}
	return ch
}

// Attach makes s the session's current sink, replacing and closing any
// previous one. Events published before the attach are not replayed.
func (p *Publisher) Attach(sessionID string, s Sink) {
	ch := p.channelFor(sessionID)
	ch.mu.Lock()
	old := ch.sink
	ch.sink = s
	ch.mu.Unlock()
	if old != nil && old != s {
		p.closeSink(old)
		p.logger.Debug("stream.sink_replaced", zap.String("session_id", sessionID))
	}
}

// Detach removes s if it is still the session's current sink. The sink
// is not closed here; a caller detaching on its own teardown path owns
// the close.
func (p *Publisher) Detach(sessionID string, s Sink) {
	p.mu.Lock()
	ch := p.sessions[sessionID]
	p.mu.Unlock()
	if ch == nil {
		return
	}
	ch.mu.Lock()
	if ch.sink == s {
		ch.sink = nil
	}
	ch.mu.Unlock()
}

// Publish records e in the session's history and delivers it to the
// attached sink, if any. Deliveries are serialized per session and each
// is bounded by SendTimeout; a sink that fails or exceeds the bound is
// detached and closed, and later publishes no-op until a new sink
// attaches. Publish never returns an error to the caller.
func (p *Publisher) Publish(sessionID string, e Event) {
	ch := p.channelFor(sessionID)

	ch.mu.Lock()
	ch.ring.add(e)
	s := ch.sink
	ch.mu.Unlock()
	if s == nil {
		return
	}

	ch.send.Lock()
	// The sink may have been replaced or detached while a previous
	// delivery held the lock. An event is only delivered to the sink
	// that was attached when it was published.
	ch.mu.Lock()
	current := ch.sink
	ch.mu.Unlock()
	if current != s {
		ch.send.Unlock()
		return
	}

	err := p.deliver(s, e)
	if err != nil {
		ch.mu.Lock()
		if ch.sink == s {
			ch.sink = nil
		}
		ch.mu.Unlock()
	}
	ch.send.Unlock()

	if err != nil {
		p.closeSink(s)
		p.logger.Warn("stream.sink_dead",
			zap.String("session_id", sessionID),
			zap.String("event_type", e.Type),
			zap.Error(err))
	}
}

// deliver enforces the send bound even against a sink that ignores its
// context; the send goroutine may linger but the detached sink never
// receives another event.
func (p *Publisher) deliver(s Sink, e Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Send(ctx, e) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns the retained history for the session, oldest first.
func (p *Publisher) Recent(sessionID string) []Event {
	p.mu.Lock()
	ch := p.sessions[sessionID]
	p.mu.Unlock()
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ring.snapshot()
}

// Drop discards all state for the session, closing any attached sink.
func (p *Publisher) Drop(sessionID string) {
	p.mu.Lock()
	ch := p.sessions[sessionID]
	delete(p.sessions, sessionID)
	p.mu.Unlock()
	if ch == nil {
		return
	}
	ch.mu.Lock()
	s := ch.sink
	ch.sink = nil
	ch.mu.Unlock()
	if s != nil {
		p.closeSink(s)
	}
}

func (p *Publisher) closeSink(s Sink) {
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		p.logger.Debug("stream.sink_close", zap.Error(err))
	}
}

// ring is a fixed-size buffer of the most recent events.
type ring struct {
	buf  []Event
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) add(e Event) {
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) snapshot() []Event {
	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
