package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithin(t *testing.T, sub *Subscription[int]) (int, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sub.Recv(ctx)
}

func TestSend_NoSubscribers(t *testing.T) {
	ch := New[int](16)

	n, err := ch.Send(1)
	assert.ErrorIs(t, err, ErrNoSubscribers)
	assert.Zero(t, n)
}

func TestSubscribe_NeverSeesHistory(t *testing.T) {
	ch := New[int](16)
	early := ch.Subscribe()
	defer early.Close()

	for i := 0; i < 5; i++ {
		_, err := ch.Send(i)
		require.NoError(t, err)
	}

	late := ch.Subscribe()
	defer late.Close()

	_, err := ch.Send(100)
	require.NoError(t, err)

	v, err := recvWithin(t, late)
	require.NoError(t, err)
	assert.Equal(t, 100, v)

	for i := 0; i < 5; i++ {
		v, err := recvWithin(t, early)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestSend_AllSubscribersInOrder(t *testing.T) {
	ch := New[int](16)

	const subscribers = 5
	subs := make([]*Subscription[int], subscribers)
	for i := range subs {
		subs[i] = ch.Subscribe()
	}
	assert.Equal(t, subscribers, ch.SubscriberCount())

	for i := 0; i < 10; i++ {
		n, err := ch.Send(i)
		require.NoError(t, err)
		assert.Equal(t, subscribers, n)
	}

	for _, sub := range subs {
		for i := 0; i < 10; i++ {
			v, err := recvWithin(t, sub)
			require.NoError(t, err)
			assert.Equal(t, i, v)
		}
		sub.Close()
	}
	assert.Zero(t, ch.SubscriberCount())
}

func TestRecv_LaggedOnceThenResumes(t *testing.T) {
	ch := New[int](16)
	sub := ch.Subscribe()
	defer sub.Close()

	for i := 1; i <= 20; i++ {
		_, err := ch.Send(i)
		require.NoError(t, err)
	}

	_, err := recvWithin(t, sub)
	var lagged *LaggedError
	require.True(t, errors.As(err, &lagged), "expected LaggedError, got %v", err)
	assert.Equal(t, uint64(4), lagged.Skipped)

	// The 16 retained values follow, no duplicates and no second notice
	for want := 5; want <= 20; want++ {
		v, err := recvWithin(t, sub)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}

	_, err = ch.Send(21)
	require.NoError(t, err)
	v, err := recvWithin(t, sub)
	require.NoError(t, err)
	assert.Equal(t, 21, v)
}

func TestRecv_LagDoesNotAffectFastSubscriber(t *testing.T) {
	ch := New[int](16)
	slow := ch.Subscribe()
	fast := ch.Subscribe()
	defer slow.Close()
	defer fast.Close()

	for i := 0; i < 40; i++ {
		_, err := ch.Send(i)
		require.NoError(t, err)
		v, err := recvWithin(t, fast)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	_, err := recvWithin(t, slow)
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(24), lagged.Skipped)
}

func TestClose_DrainsThenClosed(t *testing.T) {
	ch := New[int](16)
	sub := ch.Subscribe()
	defer sub.Close()

	_, err := ch.Send(1)
	require.NoError(t, err)
	_, err = ch.Send(2)
	require.NoError(t, err)
	ch.Close()
	ch.Close()

	assert.True(t, ch.IsClosed())

	v, err := recvWithin(t, sub)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = recvWithin(t, sub)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = recvWithin(t, sub)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = ch.Send(3)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_WakesBlockedReceiver(t *testing.T) {
	ch := New[int](16)
	sub := ch.Subscribe()
	defer sub.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Recv(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken by Close")
	}
}

func TestSubscribe_AfterClose(t *testing.T) {
	ch := New[int](16)
	ch.Close()

	sub := ch.Subscribe()
	_, err := recvWithin(t, sub)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, ch.SubscriberCount())
	sub.Close()
	assert.Zero(t, ch.SubscriberCount())
}

func TestRecv_ContextCancel(t *testing.T) {
	ch := New[int](16)
	sub := ch.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	ch := New[int](16)
	sub := ch.Subscribe()
	sub.Close()
	sub.Close()

	assert.Zero(t, ch.SubscriberCount())

	_, err := recvWithin(t, sub)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestPublisher(t *testing.T) {
	ch := New[int](16)
	pub := ch.Publisher()
	sub := ch.Subscribe()
	defer sub.Close()

	n, err := pub.Send(7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := recvWithin(t, sub)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	var zero Publisher[int]
	_, err = zero.Send(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_MinimumCapacity(t *testing.T) {
	assert.Equal(t, 1, New[int](0).Capacity())
	assert.Equal(t, 16, New[int](16).Capacity())
}

func TestConcurrentPublishers_SingleGlobalOrder(t *testing.T) {
	ch := New[int](1024)
	a := ch.Subscribe()
	b := ch.Subscribe()
	defer a.Close()
	defer b.Close()

	const publishers = 4
	const perPublisher = 100

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, _ = ch.Send(p*perPublisher + i)
			}
		}(p)
	}
	wg.Wait()

	total := publishers * perPublisher
	seenA := make([]int, 0, total)
	seenB := make([]int, 0, total)
	for i := 0; i < total; i++ {
		v, err := recvWithin(t, a)
		require.NoError(t, err)
		seenA = append(seenA, v)
		v, err = recvWithin(t, b)
		require.NoError(t, err)
		seenB = append(seenB, v)
	}

	assert.Equal(t, seenA, seenB, "every subscriber observes the same global order")

	// Each publisher's own values stay in its send order
	last := make(map[int]int)
	for _, v := range seenA {
		p := v / perPublisher
		if prev, ok := last[p]; ok {
			assert.Greater(t, v, prev)
		}
		last[p] = v
	}
}
