package main

import (
	"errors"
	"sync"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/BYTE-6D65/tempo/pkg/worker"
)

var errProgramExited = errors.New("tui: program has exited")

// drainMsg asks the Update loop to run the queued callbacks.
type drainMsg struct{}

// teaBinding makes bubbletea's event loop the worker thread. The event
// loop runs on the goroutine that calls Program.Run, so that goroutine's
// ID is captured before Run.
//
// Post never blocks: callbacks are queued and at most one drainMsg is in
// flight. Program.Send blocks until the event loop receives, so it is
// called from a helper goroutine.
type teaBinding struct {
	send func(tea.Msg)

	mu      sync.Mutex
	queue   []func()
	pending bool
	closed  bool

	gid atomic.Uint64
}

func newTeaBinding(send func(tea.Msg)) *teaBinding {
	return &teaBinding{send: send}
}

// bind marks the calling goroutine as the worker thread.
func (b *teaBinding) bind() {
	b.gid.Store(worker.GoroutineID())
}

func (b *teaBinding) Post(fn func()) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errProgramExited
	}
	b.queue = append(b.queue, fn)
	notify := !b.pending
	b.pending = true
	b.mu.Unlock()

	if notify {
		go b.send(drainMsg{})
	}
	return nil
}

func (b *teaBinding) IsWorkerThread() bool {
	id := b.gid.Load()
	return id != 0 && id == worker.GoroutineID()
}

// drain runs the queued callbacks. Called from Update on drainMsg.
func (b *teaBinding) drain() {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.pending = false
	b.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
}

// close rejects further posts and runs what was accepted. It must be
// called on the worker goroutine once Program.Run has returned.
func (b *teaBinding) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (b *teaBinding) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
