package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliveryOrder(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	targetID := uuid.New()
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: ScanLine, TargetID: targetID, Payload: map[string]interface{}{"n": i}})
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.C:
			assert.Equal(t, i, ev.Payload["n"], "events must arrive in publication order")
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBusTopicFilter(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(FindingDiscovered)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Kind: ScanLine, TargetID: uuid.New()})
	bus.Publish(Event{Kind: FindingDiscovered, TargetID: uuid.New()})

	select {
	case ev := <-sub.C:
		assert.Equal(t, FindingDiscovered, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra event %s", ev.Kind)
	default:
	}
}

func TestBusSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// Nobody draining: overflow must evict the oldest events, never block.
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Kind: ScanLine, TargetID: uuid.New(), Payload: map[string]interface{}{"n": i}})
	}

	assert.Equal(t, int64(6), sub.Dropped())

	// The survivors are the newest four.
	var got []int
	for len(got) < 4 {
		select {
		case ev := <-sub.C:
			got = append(got, ev.Payload["n"].(int))
		case <-time.After(time.Second):
			t.Fatal("timed out draining")
		}
	}
	require.Equal(t, []int{6, 7, 8, 9}, got)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok, "channel must be closed after unsubscribe")

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Kind: ScanLine, TargetID: uuid.New()})
}
