package utils

import "sync"

// ManualResetEvent is an edge-triggered wake signal. Set marks the
// event signaled until Reset is called; repeated Sets coalesce. WaitCh
// returns a channel that is closed while the event is signaled.
type ManualResetEvent struct {
	lock sync.Mutex
	ch   chan struct{}
	set  bool
}

func NewManualResetEvent(signaled bool) *ManualResetEvent {
	e := &ManualResetEvent{ch: make(chan struct{})}
	if signaled {
		e.set = true
		close(e.ch)
	}
	return e
}

func (e *ManualResetEvent) Set() {
	e.lock.Lock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
	e.lock.Unlock()
}

func (e *ManualResetEvent) Reset() {
	e.lock.Lock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
	e.lock.Unlock()
}

func (e *ManualResetEvent) IsSet() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.set
}

// WaitCh is closed once the event is set. Callers must re-acquire the
// channel after every wake; a Reset swaps it out.
func (e *ManualResetEvent) WaitCh() <-chan struct{} {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.ch
}

// Broadcast wakes every current waiter at once and immediately rearms,
// so a waiter that subscribes after the pulse waits for the next one.
type Broadcast struct {
	lock sync.Mutex
	ch   chan struct{}
}

func NewBroadcast() *Broadcast {
	return &Broadcast{ch: make(chan struct{})}
}

// Listen returns the channel the next Pulse will close. Grab it before
// checking the condition you wait for, or the pulse may be missed.
func (b *Broadcast) Listen() <-chan struct{} {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.ch
}

// Pulse closes the current generation channel and installs a fresh one,
// a set-and-reset in one step.
func (b *Broadcast) Pulse() {
	b.lock.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.lock.Unlock()
}
