package app

import (
	"context"
	"sync"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

// runSink is the sink a pipeline hands to its stages. It tags untagged
// events with the current stage, drops Percent events that would move
// backwards within a stage and drops everything after the first terminal
// event. Events are forwarded under the lock so their order is preserved.
type runSink struct {
	next     domain.ProgressSink
	mu       sync.Mutex
	stage    domain.Stage
	last     float64
	terminal bool
}

func newRunSink(next domain.ProgressSink) *runSink {
	if next == nil {
		next = domain.DiscardSink
	}
	return &runSink{next: next, last: -1}
}

// enter switches to stage and announces it with a zero Percent event
func (s *runSink) enter(stage domain.Stage) {
	s.mu.Lock()
	s.stage = stage
	s.last = -1
	s.mu.Unlock()
	s.Emit(domain.PercentEvent(stage, 0))
}

func (s *runSink) Emit(event domain.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal {
		return
	}
	if event.Stage == "" {
		event.Stage = s.stage
	}
	switch event.Kind {
	case domain.EventPercent:
		if event.Stage == s.stage {
			if event.Percent < s.last {
				return
			}
			s.last = event.Percent
		}
	case domain.EventDone, domain.EventError:
		s.terminal = true
	}
	s.next.Emit(event)
}

func (s *runSink) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// channelSink delivers events into a bounded channel. A full channel
// blocks the producer until the consumer catches up or ctx ends, in which
// case the event is dropped.
type channelSink struct {
	ctx context.Context
	ch  chan<- domain.ProgressEvent
}

func (s channelSink) Emit(event domain.ProgressEvent) {
	select {
	case s.ch <- event:
	case <-s.ctx.Done():
	}
}

// Subscription receives the progress events of one download
type Subscription struct {
	downloadID string
	ch         chan domain.ProgressEvent
	hub        *eventHub
}

// Events is closed once the download finishes or the subscription is closed
func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.ch
}

// Close unsubscribes
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// eventHub fans the events of running downloads out to subscribers. A slow
// subscriber loses its oldest buffered events rather than stalling the run.
type eventHub struct {
	mu     sync.Mutex
	buffer int
	subs   map[string]map[*Subscription]struct{}
}

func newEventHub(buffer int) *eventHub {
	if buffer < 1 {
		buffer = 1
	}
	return &eventHub{
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

func (h *eventHub) subscribe(downloadID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		downloadID: downloadID,
		ch:         make(chan domain.ProgressEvent, h.buffer),
		hub:        h,
	}
	if h.subs[downloadID] == nil {
		h.subs[downloadID] = make(map[*Subscription]struct{})
	}
	h.subs[downloadID][sub] = struct{}{}
	return sub
}

func (h *eventHub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[sub.downloadID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.downloadID)
	}
	close(sub.ch)
}

func (h *eventHub) publish(downloadID string, event domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[downloadID] {
		select {
		case sub.ch <- event:
			continue
		default:
		}
		// full: drop the oldest event to make room
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// finish closes every subscription of downloadID
func (h *eventHub) finish(downloadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[downloadID] {
		close(sub.ch)
	}
	delete(h.subs, downloadID)
}

func (h *eventHub) subscribers(downloadID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[downloadID])
}
