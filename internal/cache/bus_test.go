package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusDeliversToPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewLocalBus()
	b := a.Peer()
	assert.NotEqual(t, a.Origin(), b.Origin())

	var gotA, gotB []Invalidation
	require.NoError(t, a.Subscribe(ctx, func(m Invalidation) { gotA = append(gotA, m) }))
	require.NoError(t, b.Subscribe(ctx, func(m Invalidation) { gotB = append(gotB, m) }))

	require.NoError(t, a.Publish(ctx, Invalidation{PageID: "home", Version: "2"}))

	assert.Empty(t, gotA, "publisher does not hear itself")
	require.Len(t, gotB, 1)
	assert.Equal(t, "home", gotB[0].PageID)
	assert.Equal(t, a.Origin(), gotB[0].Origin)
}

func TestLocalBusUnsubscribesOnCancel(t *testing.T) {
	a := NewLocalBus()
	b := a.Peer()

	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 4)
	require.NoError(t, b.Subscribe(ctx, func(Invalidation) { calls <- struct{}{} }))
	cancel()

	require.Eventually(t, func() bool {
		b.hub.mu.RLock()
		defer b.hub.mu.RUnlock()
		return len(b.hub.subs) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Publish(context.Background(), Invalidation{PageID: "home"}))
	assert.Empty(t, calls)
}

func TestLocalBusClose(t *testing.T) {
	a := NewLocalBus()
	b := a.Peer()

	var got int
	require.NoError(t, b.Subscribe(context.Background(), func(Invalidation) { got++ }))
	require.NoError(t, b.Close())
	require.NoError(t, a.Publish(context.Background(), Invalidation{PageID: "home"}))
	assert.Zero(t, got)
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewRedisBus(ctx, RedisBusConfig{Addr: mr.Addr(), Channel: "test:invalidate"}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisBus(ctx, RedisBusConfig{Addr: mr.Addr(), Channel: "test:invalidate"}, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	received := make(chan Invalidation, 4)
	require.NoError(t, b.Subscribe(ctx, func(m Invalidation) { received <- m }))
	self := make(chan Invalidation, 4)
	require.NoError(t, a.Subscribe(ctx, func(m Invalidation) { self <- m }))

	require.NoError(t, a.Publish(ctx, Invalidation{PageID: "cart", Version: "3"}))

	select {
	case m := <-received:
		assert.Equal(t, "cart", m.PageID)
		assert.Equal(t, "3", m.Version)
		assert.Equal(t, a.Origin(), m.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not delivered")
	}

	select {
	case m := <-self:
		t.Fatalf("publisher received its own message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBusIgnoresBadPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := NewRedisBus(ctx, RedisBusConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan Invalidation, 4)
	require.NoError(t, bus.Subscribe(ctx, func(m Invalidation) { received <- m }))

	mr.Publish("pagecraft:invalidate", "not json")
	mr.Publish("pagecraft:invalidate", `{"pageId":"home","origin":"elsewhere"}`)

	select {
	case m := <-received:
		assert.Equal(t, "home", m.PageID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after a bad one was not delivered")
	}
}

func TestNewRedisBusErrors(t *testing.T) {
	_, err := NewRedisBus(context.Background(), RedisBusConfig{}, zerolog.Nop())
	assert.ErrorContains(t, err, "missing address")

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewRedisBus(ctx, RedisBusConfig{Addr: addr}, zerolog.Nop())
	assert.ErrorContains(t, err, "redis ping")
}
