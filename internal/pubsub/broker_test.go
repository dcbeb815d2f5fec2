package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testEvent EventType = "test"

func TestBroker_Subscribe(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ch, unsubscribe := broker.Subscribe(context.Background())
	defer unsubscribe()

	broker.Publish(testEvent, "hello")

	select {
	case ev := <-ch:
		require.Equal(t, "hello", ev.Payload)
		require.Equal(t, testEvent, ev.Type)
		require.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for event")
	}
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ch1, _ := broker.Subscribe(context.Background())
	ch2, _ := broker.Subscribe(context.Background())
	require.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(testEvent, 42)
	for i, ch := range []<-chan Event[int]{ch1, ch2} {
		select {
		case ev := <-ch:
			require.Equal(t, 42, ev.Payload, "subscriber %d", i)
		case <-time.After(time.Second):
			require.Fail(t, "timeout", "subscriber %d", i)
		}
	}
}

func TestBroker_UnsubscribeIdempotent(t *testing.T) {
	broker := NewBroker[int]()

	ch, unsubscribe := broker.Subscribe(context.Background())
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok, "channel closed after unsubscribe")
	require.Equal(t, 0, broker.SubscriberCount())

	broker.Close()
	require.NotPanics(t, unsubscribe, "unsubscribe after close")
}

func TestBroker_UnsubscribeAfterClose(t *testing.T) {
	broker := NewBroker[int]()
	ch, unsubscribe := broker.Subscribe(context.Background())

	broker.Close()
	broker.Close()

	_, ok := <-ch
	require.False(t, ok)
	require.NotPanics(t, unsubscribe)
}

func TestBroker_ContextCancellation(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe := broker.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		require.Fail(t, "channel not closed after context cancel")
	}
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
	require.NotPanics(t, unsubscribe)
}

func TestBroker_SubscribeAfterClose(t *testing.T) {
	broker := NewBroker[string]()
	broker.Close()

	ch, unsubscribe := broker.Subscribe(context.Background())
	_, ok := <-ch
	require.False(t, ok)
	unsubscribe()
	broker.Publish(testEvent, "ignored")
}

func TestBroker_PublishDoesNotBlock(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	ch, _ := broker.Subscribe(context.Background())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			broker.Publish(testEvent, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "publish blocked on a full subscriber")
	}
	require.Equal(t, 0, (<-ch).Payload)
}
