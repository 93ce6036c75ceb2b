// Package swap drives an order through its on-chain lifecycle: approvals, wrapping, signing,
// publication and settlement. One Machine tracks one order for one party.
package swap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"castswap/internal/metrics"
)

type State string

const (
	StateIdle      State = "idle"
	StateApproving State = "approving"
	StateWrapping  State = "wrapping"
	StateSigning   State = "signing"
	StatePublished State = "published"
	StateSettling  State = "settling"
	StateSettled   State = "settled"
	StateFailed    State = "failed"
)

// transitions lists the forward moves. Failed is reachable from every non-terminal state.
// Makers walk Idle to Published; takers start at Published and may approve and wrap before
// settling. A taker falls back from Settling to Published when no settlement reached the chain.
var transitions = map[State][]State{
	StateIdle:      {StateApproving, StateWrapping, StateSigning},
	StateApproving: {StateWrapping, StateSigning, StateSettling},
	StateWrapping:  {StateSigning, StateSettling},
	StateSigning:   {StatePublished},
	StatePublished: {StateApproving, StateWrapping, StateSettling},
	StateSettling:  {StateSettled, StatePublished},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// CanTransition reports whether s may move to next. Staying in place is always allowed for
// non-terminal states.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == s || next == StateFailed {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Machine holds the current state. Mutating flows take the operation lock for their whole
// duration, so at most one transaction is in flight per order.
type Machine struct {
	op sync.Mutex

	mu      sync.RWMutex
	state   State
	reason  error
	history []Transition
	log     *logrus.Entry
}

func NewMachine(initial State, logger *logrus.Logger) *Machine {
	return &Machine{
		state: initial,
		log:   logger.WithField("component", "swap"),
	}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reason is why the machine failed, nil otherwise.
func (m *Machine) Reason() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.history...)
}

// Transition moves to next. Moving to the current state is a no-op.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(next)
}

func (m *Machine) transitionLocked(next State) error {
	from := m.state
	if !from.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	if from == next {
		return nil
	}
	m.state = next
	m.history = append(m.history, Transition{From: from, To: next, At: time.Now()})
	metrics.Transitions.WithLabelValues(string(from), string(next)).Inc()
	m.log.WithFields(logrus.Fields{"from": from, "to": next}).Info("🔄 state transition")
	return nil
}

// Fail moves to Failed with reason and returns reason, so callers can `return m.Fail(err)`.
func (m *Machine) Fail(reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return reason
	}
	if err := m.transitionLocked(StateFailed); err != nil {
		return errors.Join(reason, err)
	}
	m.reason = reason
	m.log.WithError(reason).Error("❌ flow failed")
	return reason
}

// begin takes the operation lock without waiting.
func (m *Machine) begin() (release func(), err error) {
	if !m.op.TryLock() {
		return nil, ErrBusy
	}
	return m.op.Unlock, nil
}
