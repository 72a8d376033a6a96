package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func collect(t *testing.T, ch <-chan any, n int) []any {
	t.Helper()
	out := make([]any, 0, n)
	for len(out) < n {
		select {
		case v := <-ch:
			out = append(out, v)
		case <-time.After(waitFor):
			t.Fatalf("received %d of %d payloads", len(out), n)
		}
	}
	return out
}

func TestEmitWithoutListeners(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()
	assert.False(t, b.Emit(StatusChanged, "x"))
}

func TestDeliveryIsFIFOPerListener(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	ch := make(chan any, 100)
	b.On(TxChanged, func(p any) { ch <- p })

	for i := 0; i < 50; i++ {
		require.True(t, b.Emit(TxChanged, i))
	}

	got := collect(t, ch, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSlowListenerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	release := make(chan struct{})
	b.On(StatusChanged, func(any) { <-release })

	fast := make(chan any, 10)
	b.On(StatusChanged, func(p any) { fast <- p })

	done := make(chan struct{})
	go func() {
		b.Emit(StatusChanged, 1)
		b.Emit(StatusChanged, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("emit blocked on a slow listener")
	}
	assert.Equal(t, []any{1, 2}, collect(t, fast, 2))
	close(release)
}

func TestChainedRegistrationAndUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	ch := make(chan any, 10)
	reg := b.On(Connected, func(p any) { ch <- p }).
		On(AccountsChanged, func(p any) { ch <- p })

	assert.Equal(t, 1, b.ListenerCount(Connected))
	assert.Equal(t, 1, b.ListenerCount(AccountsChanged))

	reg.Unsubscribe()
	assert.Equal(t, 0, b.ListenerCount(Connected))
	assert.Equal(t, 0, b.ListenerCount(AccountsChanged))
	assert.False(t, b.Emit(Connected, "x"))
}

func TestPanickingListenerKeepsReceiving(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	var mu sync.Mutex
	var seen []any
	ch := make(chan struct{}, 10)
	b.On(TxChanged, func(p any) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
		ch <- struct{}{}
		if p == "boom" {
			panic("listener failure")
		}
	})

	b.Emit(TxChanged, "boom")
	b.Emit(TxChanged, "after")
	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(waitFor):
			t.Fatal("listener stopped after panic")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"boom", "after"}, seen)
}

func TestClose(t *testing.T) {
	t.Parallel()

	b := New(nil)
	b.On(StatusChanged, func(any) {})
	b.Close()
	b.Close()

	assert.False(t, b.Emit(StatusChanged, "x"))
	reg := b.On(StatusChanged, func(any) {})
	assert.Equal(t, 0, b.ListenerCount(StatusChanged))
	reg.Unsubscribe()
}

func TestEventValid(t *testing.T) {
	t.Parallel()

	for _, e := range Events {
		assert.True(t, e.Valid())
	}
	assert.False(t, Event("chainChanged").Valid())
}

func TestEmitFromCarriesOrigin(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	msgs := make(chan any, 4)
	plain := make(chan any, 4)
	b.OnMessage(AccountsChanged, func(m Message) { msgs <- m }).
		On(AccountsChanged, func(p any) { plain <- p })

	b.EmitFrom("https://a.example", AccountsChanged, "x")
	b.Emit(AccountsChanged, "y")

	assert.Equal(t, []any{
		Message{Origin: "https://a.example", Payload: "x"},
		Message{Payload: "y"},
	}, collect(t, msgs, 2))
	assert.Equal(t, []any{"x", "y"}, collect(t, plain, 2))
}

func TestEmitFromAndWaitReturnsAfterDelivery(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	var mu sync.Mutex
	var seen []any
	b.On(TxChanged, func(p any) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})

	b.Emit(TxChanged, "pending")
	b.Emit(TxChanged, "signed")
	require.True(t, b.EmitFromAndWait(context.Background(), "o", TxChanged, "executed"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"pending", "signed", "executed"}, seen)
}

func TestEmitFromAndWaitGivesUpOnContext(t *testing.T) {
	t.Parallel()

	b := New(nil)
	release := make(chan struct{})
	defer func() {
		close(release)
		b.Close()
	}()
	b.On(TxChanged, func(any) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.True(t, b.EmitFromAndWait(ctx, "", TxChanged, "executed"))
	assert.Less(t, time.Since(start), waitFor)
	assert.False(t, New(nil).EmitFromAndWait(context.Background(), "", TxChanged, "x"))
}
