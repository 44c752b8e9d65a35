// Package events delivers task and workflow notifications. Delivery is
// fire-and-forget: slow subscribers drop events, external sink failures are
// logged and swallowed.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/backend"
)

// ring is a bounded replay buffer of recent events for one subject.
type ring struct {
	buf     []backend.NotifyEvent
	next    int
	size    int
	nextSeq uint64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]backend.NotifyEvent, capacity)}
}

func (r *ring) push(evt backend.NotifyEvent) {
	r.buf[r.next] = evt
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) since(seq uint64) []backend.NotifyEvent {
	var out []backend.NotifyEvent
	start := (r.next - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		evt := r.buf[(start+i)%len(r.buf)]
		if evt.Seq > seq {
			out = append(out, evt)
		}
	}
	return out
}

// Emitter is an in-memory pub/sub hub keyed by subject (task or workflow
// ID), with per-subject replay. It implements backend.Sink; an optional
// downstream sink (e.g. Redis Streams) receives every event too.
type Emitter struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan backend.NotifyEvent]struct{}
	history     map[string]*ring
	capacity    int

	downstream backend.Sink
	logger     *zap.Logger
}

// NewEmitter creates an emitter with the given per-subject replay capacity.
func NewEmitter(capacity int, downstream backend.Sink, logger *zap.Logger) *Emitter {
	if capacity <= 0 {
		capacity = 256
	}
	return &Emitter{
		subscribers: make(map[string]map[chan backend.NotifyEvent]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		downstream:  downstream,
		logger:      logger,
	}
}

func subjectOf(evt backend.NotifyEvent) string {
	if evt.WorkflowID != "" {
		return evt.WorkflowID
	}
	return evt.TaskID
}

// Notify implements backend.Sink.
func (e *Emitter) Notify(ctx context.Context, evt backend.NotifyEvent) {
	subject := subjectOf(evt)

	e.mu.Lock()
	rg := e.history[subject]
	if rg == nil {
		rg = newRing(e.capacity)
		e.history[subject] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	e.mu.Unlock()

	// Fan out under the read lock: Unsubscribe closes channels under the
	// write lock, so no send can race a close. Sends never block.
	e.mu.RLock()
	for ch := range e.subscribers[subject] {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscribers.
		}
	}
	e.mu.RUnlock()

	if e.downstream != nil {
		e.downstream.Notify(ctx, evt)
	}
}

// Subscribe registers a channel for one subject; the caller must drain it
// and call Unsubscribe when done.
func (e *Emitter) Subscribe(subject string, buffer int) chan backend.NotifyEvent {
	ch := make(chan backend.NotifyEvent, buffer)
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subscribers[subject]
	if subs == nil {
		subs = make(map[chan backend.NotifyEvent]struct{})
		e.subscribers[subject] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (e *Emitter) Unsubscribe(subject string, ch chan backend.NotifyEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if subs, ok := e.subscribers[subject]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(e.subscribers, subject)
		}
	}
}

// ReplaySince returns buffered events for a subject with Seq > since.
func (e *Emitter) ReplaySince(subject string, since uint64) []backend.NotifyEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rg := e.history[subject]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}
