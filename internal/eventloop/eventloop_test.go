package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance host time deterministically.
type fakeClock struct{ us int64 }

func (c *fakeClock) NowUstime() int64 { return c.us }

func TestTimerOrderingByDeadlineThenInsertion(t *testing.T) {
	clk := &fakeClock{us: 0}
	l := New(clk, 4)

	var order []int
	l.SetTimer(100, func() { order = append(order, 1) })
	l.SetTimer(50, func() { order = append(order, 2) })
	l.SetTimer(50, func() { order = append(order, 3) }) // ties broken by insertion order

	clk.us = 200
	l.runDueTimers()

	require.Equal(t, []int{2, 3, 1}, order)
}

func TestClrTimerUnlinks(t *testing.T) {
	clk := &fakeClock{us: 0}
	l := New(clk, 4)

	fired := false
	id := l.SetTimer(10, func() { fired = true })
	l.ClrTimer(id)

	clk.us = 100
	l.runDueTimers()
	require.False(t, fired)
}

func TestYieldToRunsNext(t *testing.T) {
	clk := &fakeClock{us: 0}
	l := New(clk, 4)

	fired := false
	id := l.SetTimer(1_000_000, func() { fired = true })
	l.YieldTo(id)

	l.runDueTimers()
	require.True(t, fired)
}

func TestRunDispatchesPostedIO(t *testing.T) {
	l := New(NewSystemClock(), 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.PostIO(func() { close(done) })
	}()

	go func() {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		cancel()
	}()

	err := l.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-done:
	default:
		t.Fatal("posted IO callback never ran")
	}
}
