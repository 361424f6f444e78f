package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/asm/internal/telemetry"
)

type Kind string

const (
	RunStarted        Kind = "run_started"
	RunCompleted      Kind = "run_completed"
	RunFailed         Kind = "run_failed"
	ScanStarted       Kind = "scan_started"
	ScanLine          Kind = "scan_line"
	ScanCompleted     Kind = "scan_completed"
	FindingDiscovered Kind = "finding_discovered"
	AssetStateChanged Kind = "asset_state_changed"
)

type Event struct {
	Kind     Kind                   `json:"type"`
	TargetID uuid.UUID              `json:"target_id"`
	RunID    *uuid.UUID             `json:"run_id,omitempty"`
	ScanID   *uuid.UUID             `json:"scan_id,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	At       time.Time              `json:"at"`
}

// Subscriber receives events over a bounded channel. When the channel is
// full the oldest queued event is discarded and Dropped is incremented, so a
// slow consumer never stalls publishers.
type Subscriber struct {
	C       chan Event
	kinds   map[Kind]bool
	dropped atomic.Int64
}

// Dropped reports how many events this subscriber has lost to backpressure.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscriber) wants(kind Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	return s.kinds[kind]
}

// Bus is an in-process publish-subscribe broadcaster. Publication order is
// preserved per subscriber; there is no cross-process delivery, the database
// audit log covers that.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber for the given kinds; no kinds means all.
func (b *Bus) Subscribe(kinds ...Kind) *Subscriber {
	sub := &Subscriber{
		C:     make(chan Event, b.buffer),
		kinds: make(map[Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.C)
	}
	b.mu.Unlock()
}

// Publish fans an event out to every interested subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.C <- ev:
			continue
		default:
		}
		// Full queue: drop the oldest event to make room.
		select {
		case <-sub.C:
			sub.dropped.Add(1)
			telemetry.EventsDropped.Inc()
		default:
		}
		select {
		case sub.C <- ev:
		default:
			sub.dropped.Add(1)
			telemetry.EventsDropped.Inc()
		}
	}
}
