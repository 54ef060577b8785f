package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// State represents a lifecycle state.
type State string

// Event represents an event that can trigger a state transition.
type Event string

// Standard lifecycle shared by schedulers, worker loops and the engine.
const (
	Idle     State = "idle"
	Running  State = "running"
	Stopping State = "stopping"
	Stopped  State = "stopped"

	Start   Event = "start"
	Stop    Event = "stop"
	Drained Event = "drained"
)

// ErrNoTransition is returned by Trigger when the current state has no
// transition for the event.
var ErrNoTransition = errors.New("lifecycle: no transition")

// GuardFunc determines if a transition should be allowed.
type GuardFunc func(ctx context.Context, from State, to State, event Event) bool

// TransitionHook is called after every transition, outside the machine lock.
type TransitionHook func(ctx context.Context, from State, to State, event Event)

// Transition defines a state transition.
type Transition struct {
	From  State
	To    State
	Event Event

	// Guard, if set, may veto the transition
	Guard GuardFunc
}

// Machine is a small finite state machine. Trigger checks and applies a
// transition under one lock, so concurrent triggers of the same event
// succeed at most once.
type Machine struct {
	mu          sync.RWMutex
	current     State
	transitions map[State]map[Event]Transition
	hooks       []TransitionHook

	// done is closed on entering a state with no outgoing transitions
	done     chan struct{}
	doneOnce sync.Once
}

// NewMachine creates a machine in the given initial state.
func NewMachine(initial State) *Machine {
	return &Machine{
		current:     initial,
		transitions: make(map[State]map[Event]Transition),
		done:        make(chan struct{}),
	}
}

// New creates the standard lifecycle:
//
//	idle --start--> running --stop--> stopping --drained--> stopped
//	idle --stop--> stopped
func New() *Machine {
	m := NewMachine(Idle)
	for _, t := range []Transition{
		{From: Idle, To: Running, Event: Start},
		{From: Idle, To: Stopped, Event: Stop},
		{From: Running, To: Stopping, Event: Stop},
		{From: Stopping, To: Stopped, Event: Drained},
	} {
		// The table above has no duplicates
		_ = m.AddTransition(t)
	}
	return m
}

// AddTransition registers a state transition.
func (m *Machine) AddTransition(trans Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transitions[trans.From] == nil {
		m.transitions[trans.From] = make(map[Event]Transition)
	}

	if _, exists := m.transitions[trans.From][trans.Event]; exists {
		return fmt.Errorf("transition from %s on event %s already exists", trans.From, trans.Event)
	}

	m.transitions[trans.From][trans.Event] = trans
	return nil
}

// Trigger applies event to the current state and returns the new state.
func (m *Machine) Trigger(ctx context.Context, event Event) (State, error) {
	m.mu.Lock()
	from := m.current
	trans, ok := m.transitions[from][event]
	if !ok {
		m.mu.Unlock()
		return from, fmt.Errorf("%w from %s on event %s", ErrNoTransition, from, event)
	}
	if trans.Guard != nil && !trans.Guard(ctx, trans.From, trans.To, event) {
		m.mu.Unlock()
		return from, fmt.Errorf("guard rejected transition from %s to %s on event %s", trans.From, trans.To, event)
	}

	m.current = trans.To
	terminal := len(m.transitions[trans.To]) == 0
	hooks := m.hooks
	m.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx, trans.From, trans.To, event)
	}

	// Hooks have run by the time Done fires
	if terminal {
		m.doneOnce.Do(func() { close(m.done) })
	}

	return trans.To, nil
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the current state is one of states.
func (m *Machine) Is(states ...State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range states {
		if m.current == s {
			return true
		}
	}
	return false
}

// Can checks if an event can be triggered from the current state.
func (m *Machine) Can(event Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.transitions[m.current][event]
	return ok
}

// Done returns a channel closed once the machine reaches a terminal state.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// OnTransition registers a hook that is called on every transition.
func (m *Machine) OnTransition(hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hooks := make([]TransitionHook, len(m.hooks), len(m.hooks)+1)
	copy(hooks, m.hooks)
	m.hooks = append(hooks, hook)
}

// AvailableEvents returns the events accepted in the current state, sorted.
func (m *Machine) AvailableEvents() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]Event, 0, len(m.transitions[m.current]))
	for event := range m.transitions[m.current] {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}
