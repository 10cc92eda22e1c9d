// Package eventbus fans freshly persisted run events out to live
// subscribers. Delivery is best-effort: the durable event log is the source
// of truth and reconnecting clients replay from it, so a subscriber that
// cannot keep up is disconnected rather than buffered without bound.
package eventbus

import (
	"context"
	"sync"

	"github.com/weftlabs/weft/internal/core"
)

// subscriberBuffer absorbs bursts (a block emits several events back to
// back) without blocking the publisher.
const subscriberBuffer = 64

// Bus routes events to per-run subscribers with sequence-based delivery.
type Bus struct {
	mu   sync.Mutex
	runs map[string][]*subscriber
}

type subscriber struct {
	clientID string
	seq      int64
	ch       chan core.Event
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{runs: make(map[string][]*subscriber)}
}

// Subscription yields events for one subscriber.
type Subscription struct {
	sub *subscriber
}

// Next blocks until an event arrives or the subscription ends. The second
// return value is false once the subscription is done; buffered events drain
// before it reports done.
func (s Subscription) Next() (core.Event, bool) {
	select {
	case ev, ok := <-s.sub.ch:
		if !ok {
			return core.Event{}, false
		}
		return ev, true
	case <-s.sub.ctx.Done():
		select {
		case ev, ok := <-s.sub.ch:
			if ok {
				return ev, true
			}
		default:
		}
		return core.Event{}, false
	}
}

// Close ends the subscription.
func (s Subscription) Close() {
	s.sub.cancel()
}

// Subscribe registers interest in events of runID with a sequence greater
// than afterSeq. A non-empty clientID evicts any previous subscription with
// the same id on that run, so a reconnecting client never holds two streams.
func (b *Bus) Subscribe(ctx context.Context, runID, clientID string, afterSeq int64) Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		clientID: clientID,
		seq:      afterSeq,
		ch:       make(chan core.Event, subscriberBuffer),
		ctx:      subCtx,
		cancel:   cancel,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.runs[runID]
	if clientID != "" {
		remaining := subs[:0]
		for _, prev := range subs {
			if prev.clientID == clientID {
				prev.cancel()
				close(prev.ch)
				continue
			}
			remaining = append(remaining, prev)
		}
		subs = remaining
	}
	b.runs[runID] = append(subs, sub)
	return Subscription{sub: sub}
}

// Publish delivers an event to every subscriber of its run that has not yet
// seen its sequence. Subscribers with full buffers are disconnected.
func (b *Bus) Publish(ev core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.runs[ev.RunID]
	if !ok {
		return
	}
	remaining := subs[:0]
	for _, sub := range subs {
		select {
		case <-sub.ctx.Done():
			close(sub.ch)
			continue
		default:
		}
		if sub.seq >= ev.Seq {
			remaining = append(remaining, sub)
			continue
		}
		select {
		case sub.ch <- ev:
			sub.seq = ev.Seq
			remaining = append(remaining, sub)
		default:
			// Behind and buffer full: drop the subscriber, it can
			// reconnect and replay from the log.
			close(sub.ch)
			sub.cancel()
		}
	}
	if len(remaining) == 0 {
		delete(b.runs, ev.RunID)
		return
	}
	b.runs[ev.RunID] = remaining
}

// CloseRun ends every subscription on a run. Buffered events still drain to
// their readers.
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.runs[runID] {
		sub.cancel()
	}
	delete(b.runs, runID)
}

// SubscriberCount reports the live subscriptions on a run.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs[runID])
}
