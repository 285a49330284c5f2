package eventbus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/twibridge/model"
)

func statusEvent(n int) model.Event {
	return model.NewEvent(model.EventCallStatus, model.CallStatusPayload{
		SID:    model.SID(fmt.Sprintf("CA%d", n)),
		Status: model.CallRinging,
	})
}

// drain reads everything currently queued without blocking.
func drain(sub *Subscription) []model.Event {
	var out []model.Event
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSubscribeReceivesConnectedFirst(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, model.EventConnected, got[0].Kind)
	assert.Equal(t, map[string]any{}, got[0].Payload)
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	b := New()
	early := b.Subscribe()
	defer early.Close()

	for i := range 3 {
		b.Publish(statusEvent(i))
	}

	late := b.Subscribe()
	defer late.Close()
	b.Publish(statusEvent(3))

	got := drain(late)
	require.Len(t, got, 2)
	assert.Equal(t, model.EventConnected, got[0].Kind)
	assert.Equal(t, model.SID("CA3"), got[1].Payload.(model.CallStatusPayload).SID)

	// The connected event is not broadcast to existing subscribers.
	earlyGot := drain(early)
	require.Len(t, earlyGot, 5)
	for _, e := range earlyGot[1:] {
		assert.Equal(t, model.EventCallStatus, e.Kind)
	}
}

func TestEachSubscriberGetsEachEvent(t *testing.T) {
	b := New()
	const n = 5
	subs := make([]*Subscription, n)
	for i := range subs {
		subs[i] = b.Subscribe()
		drain(subs[i])
	}
	assert.Equal(t, n, b.Len())

	b.Publish(statusEvent(1))

	deliveries := 0
	for _, sub := range subs {
		deliveries += len(drain(sub))
	}
	assert.Equal(t, n, deliveries)
}

func TestPublishPreservesOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	drain(sub)

	for i := range 10 {
		b.Publish(statusEvent(i))
	}
	got := drain(sub)
	require.Len(t, got, 10)
	for i, e := range got {
		assert.Equal(t, model.SID(fmt.Sprintf("CA%d", i)), e.Payload.(model.CallStatusPayload).SID)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(WithBufferSize(4))
	sub := b.Subscribe()
	defer sub.Close()

	// connected + 9 events through a queue of 4 keeps the newest 4.
	for i := range 9 {
		b.Publish(statusEvent(i))
	}
	got := drain(sub)
	require.Len(t, got, 4)
	for i, e := range got {
		assert.Equal(t, model.SID(fmt.Sprintf("CA%d", i+5)), e.Payload.(model.CallStatusPayload).SID)
	}
	assert.Equal(t, int64(6), b.Dropped())
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.Len())

	// Publishing to a closed subscription is a no-op.
	b.Publish(statusEvent(1))
	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, model.EventConnected, got[0].Kind)

	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestBusCloseReleasesSubscribers(t *testing.T) {
	b := New()
	subs := []*Subscription{b.Subscribe(), b.Subscribe()}
	b.Close()
	b.Close()
	b.Publish(statusEvent(1))

	for _, sub := range subs {
		got := drain(sub)
		assert.Len(t, got, 1)
		_, ok := <-sub.C
		assert.False(t, ok)
		sub.Close()
	}
	assert.Equal(t, 0, b.Len())

	late := b.Subscribe()
	got := drain(late)
	assert.Len(t, got, 1)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New(WithBufferSize(8))
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 50 {
				b.Publish(statusEvent(i*100 + j))
			}
		}()
		go func() {
			defer wg.Done()
			sub := b.Subscribe()
			drain(sub)
			sub.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Len())
}
