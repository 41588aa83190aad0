package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const topicTest Topic = "test"

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	bus := New[int](zap.NewNop())
	var got []string
	bus.Subscribe(topicTest, func(_ context.Context, v int) error {
		got = append(got, "first")
		return nil
	})
	bus.Subscribe(topicTest, func(_ context.Context, v int) error {
		got = append(got, "second")
		return nil
	})

	bus.Publish(context.Background(), topicTest, 1)
	require.Equal(t, []string{"first", "second"}, got)
}

func TestBusIsolatesFailingSubscribers(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	bus := New[string](zap.New(core))

	bus.Subscribe(topicTest, func(context.Context, string) error {
		return errors.New("boom")
	})
	bus.Subscribe(topicTest, func(context.Context, string) error {
		panic("kaboom")
	})
	var received []string
	bus.Subscribe(topicTest, func(_ context.Context, v string) error {
		received = append(received, v)
		return nil
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), topicTest, "hello")
	})
	require.Equal(t, []string{"hello"}, received)
	require.Equal(t, 2, logs.FilterMessage("failed to send the event").Len())
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := New[int](nil)
	calls := 0
	unsubscribe := bus.Subscribe(topicTest, func(context.Context, int) error {
		calls++
		return nil
	})
	require.Equal(t, 1, bus.Subscribers(topicTest))

	bus.Publish(context.Background(), topicTest, 1)
	unsubscribe()
	unsubscribe()
	bus.Publish(context.Background(), topicTest, 2)

	require.Equal(t, 1, calls)
	require.Zero(t, bus.Subscribers(topicTest))
}

func TestBusUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()

	bus := New[int](nil)
	var unsubscribe func()
	var calls []int
	unsubscribe = bus.Subscribe(topicTest, func(_ context.Context, v int) error {
		calls = append(calls, v)
		unsubscribe()
		return nil
	})
	bus.Subscribe(topicTest, func(_ context.Context, v int) error {
		calls = append(calls, v*10)
		return nil
	})

	bus.Publish(context.Background(), topicTest, 1)
	bus.Publish(context.Background(), topicTest, 2)
	require.Equal(t, []int{1, 10, 20}, calls)
}

func TestBusConcurrentPublish(t *testing.T) {
	t.Parallel()

	bus := New[int](nil)
	var mu sync.Mutex
	total := 0
	bus.Subscribe(topicTest, func(_ context.Context, v int) error {
		mu.Lock()
		total += v
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), topicTest, 1)
		}()
	}
	wg.Wait()
	require.Equal(t, 50, total)
}
