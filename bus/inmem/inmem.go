// Package inmem provides a process-local bus implementation. It backs tests
// and deployments without Redis: fan-out is by direct goroutine spawn and
// request/response resolves through in-process futures. Semantics match the
// Redis bus except that messages do not survive process restarts.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/pitchline/pitchline/bus"
)

type (
	// Bus is the in-process bus. Safe for concurrent use.
	Bus struct {
		mu      sync.RWMutex
		subs    map[string]map[*subscription]bus.Handler
		pending map[string]chan bus.Message
		history map[string][]bus.Message
		closed  bool
		wg      sync.WaitGroup
	}

	// subscription identifies one handler registration; the pointer is the
	// map key so Close can remove exactly this registration.
	subscription struct {
		bus   *Bus
		topic string
		once  sync.Once
	}
)

// New constructs an empty in-process bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[string]map[*subscription]bus.Handler),
		pending: make(map[string]chan bus.Message),
		history: make(map[string][]bus.Message),
	}
}

// Publish delivers the message to every handler subscribed to the topic,
// each on its own goroutine. Response messages carrying ReplyTo resolve the
// matching pending request future instead of fanning out; the response is
// dropped when the future already timed out.
func (b *Bus) Publish(ctx context.Context, topic string, msg bus.Message) error {
	msg = msg.WithDefaults()
	if err := msg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	if msg.ConversationID != "" {
		hist := append(b.history[msg.ConversationID], msg)
		if len(hist) > bus.DefaultHistoryCap {
			hist = hist[len(hist)-bus.DefaultHistoryCap:]
		}
		b.history[msg.ConversationID] = hist
	}
	if msg.Type == bus.MessageResponse && msg.ReplyTo != "" {
		future, ok := b.pending[msg.ReplyTo]
		b.mu.Unlock()
		if ok {
			select {
			case future <- msg:
			default:
			}
		}
		return nil
	}
	handlers := make([]bus.Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.wg.Add(len(handlers))
	b.mu.Unlock()

	for _, h := range handlers {
		h := h
		go func() {
			defer b.wg.Done()
			if err := h(ctx, msg); err != nil {
				log.Errorf(ctx, err, "bus handler on %s for message %s", topic, msg.ID)
			}
		}()
	}
	return nil
}

// Subscribe registers the handler for the topic.
func (b *Bus) Subscribe(ctx context.Context, topic string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	s := &subscription{bus: b, topic: topic}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]bus.Handler)
	}
	b.subs[topic][s] = h
	return s, nil
}

// Request publishes the message and waits for a correlated response. The
// pending future is removed unconditionally on every exit path so aborted
// requests cannot leak.
func (b *Bus) Request(ctx context.Context, topic string, msg bus.Message, timeout time.Duration) (bus.Message, error) {
	msg = msg.WithDefaults()
	if timeout <= 0 {
		timeout = bus.DefaultRequestTimeout
	}
	future := make(chan bus.Message, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.Message{}, bus.ErrClosed
	}
	b.pending[msg.ID] = future
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, topic, msg); err != nil {
		return bus.Message{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-future:
		return resp, nil
	case <-timer.C:
		return bus.Message{}, bus.ErrTimeout
	case <-ctx.Done():
		return bus.Message{}, ctx.Err()
	}
}

// History returns up to limit messages for the conversation, oldest first.
func (b *Bus) History(ctx context.Context, conversationID string, limit int) ([]bus.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.history[conversationID]
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]bus.Message, len(hist))
	copy(out, hist)
	return out, nil
}

// Close drops all subscriptions and waits for in-flight handlers to return.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[*subscription]bus.Handler)
	b.mu.Unlock()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close removes this handler registration. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s)
		s.bus.mu.Unlock()
	})
	return nil
}
