package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/coordinator/engine"
)

func TestLoop_ProcessesEventsSerially(t *testing.T) {
	t.Parallel()

	in := make(chan int, 4)
	var mu sync.Mutex
	var seen []int

	l := engine.New[int](context.Background(), in, func(_ context.Context, ev int) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	}, nil)
	defer l.Close()

	in <- 1
	in <- 2
	in <- 3

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, seen)
}

func TestLoop_ForwardsHandlerErrors(t *testing.T) {
	t.Parallel()

	in := make(chan int, 1)
	boom := errors.New("boom")

	l := engine.New[int](context.Background(), in, func(_ context.Context, _ int) error {
		return boom
	}, nil)
	defer l.Close()

	in <- 1

	select {
	case err := <-l.Errors():
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded error")
	}
}

func TestLoop_RecoversPanics(t *testing.T) {
	t.Parallel()

	in := make(chan int, 1)

	l := engine.New[int](context.Background(), in, func(_ context.Context, _ int) error {
		panic("kaboom")
	}, nil)
	defer l.Close()

	in <- 1

	select {
	case err := <-l.Errors():
		require.ErrorIs(t, err, engine.ErrHandlerPanicked)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for panic error")
	}
}

func TestLoop_CloseIsIdempotentAndDeterministic(t *testing.T) {
	t.Parallel()

	in := make(chan int)
	l := engine.New[int](context.Background(), in, func(_ context.Context, _ int) error { return nil }, nil)

	l.Close()
	l.Close() // must not panic or block

	_, ok := <-l.Errors()
	require.False(t, ok, "errors channel should be closed after Close")
}
