package dispatcher

import (
	"fmt"
	"sync"
)

// state is the dispatcher's lifecycle state.
type state string

const (
	statePaused   state = "Paused"
	stateRunning  state = "Running"
	stateDisposed state = "Disposed"
)

type transitionEvent string

const (
	evResume  transitionEvent = "RESUME"
	evPause   transitionEvent = "PAUSE"
	evDispose transitionEvent = "DISPOSE"
)

// stateMachine is a small transition-table FSM, adapted from the
// teacher's FSM: a map of current-state → event → next-state, guarded
// by its own mutex so transitions are atomic with respect to each
// other. Unlike the teacher's version it carries no target id or
// callback table — the dispatcher itself decides what to do after a
// transition, from the caller's goroutine, to avoid re-entering
// dispatcher methods from inside a lock.
type stateMachine struct {
	mu          sync.Mutex
	current     state
	transitions map[state]map[transitionEvent]state
}

func newStateMachine(initial state) *stateMachine {
	sm := &stateMachine{current: initial, transitions: make(map[state]map[transitionEvent]state)}
	sm.add(statePaused, evResume, stateRunning)
	sm.add(stateRunning, evPause, statePaused)
	sm.add(statePaused, evPause, statePaused) // pause() is idempotent
	sm.add(stateRunning, evResume, stateRunning) // resume() is idempotent
	sm.add(statePaused, evDispose, stateDisposed)
	sm.add(stateRunning, evDispose, stateDisposed)
	sm.add(stateDisposed, evDispose, stateDisposed) // dispose() is idempotent
	return sm
}

func (sm *stateMachine) add(from state, ev transitionEvent, to state) {
	if sm.transitions[from] == nil {
		sm.transitions[from] = make(map[transitionEvent]state)
	}
	sm.transitions[from][ev] = to
}

// fire attempts the transition and reports the state before and after.
// Firing an event with no transition from the current state is a
// programmer error in this package and panics. Paused and Running
// have every event wired above; Disposed has only DISPOSE, so the
// dispatcher's Pause and Resume check for Disposed before firing.
func (sm *stateMachine) fire(ev transitionEvent) (prev, next state) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	prev = sm.current
	next, ok := sm.transitions[prev][ev]
	if !ok {
		panic(fmt.Sprintf("dispatcher: no transition for event %s from state %s", ev, prev))
	}
	sm.current = next
	return prev, next
}

func (sm *stateMachine) get() state {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}
