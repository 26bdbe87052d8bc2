package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	b.Publish(MemoryWarning)

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, MemoryWarning, ev)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	b.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			b.Publish(DidEnterBackground)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBroadcaster_CloseClosesSubscriptions(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()

	b.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publish and a second Close after closing are no-ops.
	b.Publish(WillTerminate)
	b.Close()

	// Subscribing after close yields an already-closed channel.
	_, open = <-b.Subscribe()
	require.False(t, open)
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "memory-warning", MemoryWarning.String())
	assert.Equal(t, "did-enter-background", DidEnterBackground.String())
	assert.Equal(t, "will-terminate", WillTerminate.String())
	assert.Equal(t, "unknown", Event(99).String())
}
