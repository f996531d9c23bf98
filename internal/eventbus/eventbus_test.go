package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := New(4)
	ch1, unsub1 := bus.Subscribe()
	ch2, unsub2 := bus.Subscribe()
	defer unsub1()
	defer unsub2()

	bus.PublishProgress(Progress{ID: "dl-1", Current: 10, Total: 100})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			p, ok := ev.Data.(Progress)
			require.True(t, ok)
			require.Equal(t, "dl-1", p.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishIsNonBlockingWhenSubscriberFull(t *testing.T) {
	bus := New(1)
	ch, unsub := bus.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.PublishProgress(Progress{ID: "x", Current: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
	<-ch // drain whatever made it through without asserting which one
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(1)
	ch, unsub := bus.Subscribe()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	bus := New(1)
	ch1, _ := bus.Subscribe()
	ch2, _ := bus.Subscribe()

	bus.Close()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	require.False(t, ok1)
	require.False(t, ok2)
}
