package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualResetEvent(t *testing.T) {
	e := NewManualResetEvent(false)
	assert.False(t, e.IsSet())

	select {
	case <-e.WaitCh():
		t.Fatal("event should not be signaled")
	default:
	}

	e.Set()
	e.Set() // coalesces
	assert.True(t, e.IsSet())
	select {
	case <-e.WaitCh():
	default:
		t.Fatal("event should be signaled")
	}

	e.Reset()
	assert.False(t, e.IsSet())
	select {
	case <-e.WaitCh():
		t.Fatal("event should be rearmed after reset")
	default:
	}
}

func TestManualResetEventWakesWaiter(t *testing.T) {
	e := NewManualResetEvent(false)
	done := make(chan struct{})
	go func() {
		<-e.WaitCh()
		close(done)
	}()
	e.Set()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestBroadcastWakesAllWaiters(t *testing.T) {
	b := NewBroadcast()
	const waiters = 5
	done := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		ch := b.Listen()
		go func() {
			<-ch
			done <- struct{}{}
		}()
	}
	b.Pulse()
	for i := 0; i < waiters; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken")
		}
	}

	// a listener taken after the pulse waits for the next one
	select {
	case <-b.Listen():
		t.Fatal("fresh listener should not observe a past pulse")
	default:
	}
}

func TestAvgVal(t *testing.T) {
	a := NewAvgVal(10)
	a.Add(20)
	assert.InDelta(t, 15.0, a.Val(), 0.0001)
	assert.Equal(t, 2, a.Count())
}
