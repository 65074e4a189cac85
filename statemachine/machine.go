// Package statemachine holds the closed transition tables used for every
// status column in the marketplace. A status change is legal only when the
// table lists it.
package statemachine

import (
	"errors"
	"fmt"
	"sort"

	"marketflow/apperr"
)

// ErrInvalidTransition is the root of every rejected transition.
var ErrInvalidTransition = apperr.New(apperr.Conflict, "statemachine: invalid transition")

// TransitionError names the rejected edge.
type TransitionError struct {
	Machine string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition %s -> %s", e.Machine, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Machine is an immutable transition table over a string-backed state type.
type Machine[S ~string] struct {
	name     string
	edges    map[S]map[S]struct{}
	terminal map[S]struct{}
}

// New builds a machine. Every state must appear as a key of edges; states
// with an empty edge list are terminal. It panics on a malformed table since
// tables are package-level literals.
func New[S ~string](name string, edges map[S][]S) *Machine[S] {
	m := &Machine[S]{
		name:     name,
		edges:    make(map[S]map[S]struct{}, len(edges)),
		terminal: make(map[S]struct{}),
	}
	for from, tos := range edges {
		set := make(map[S]struct{}, len(tos))
		for _, to := range tos {
			if _, ok := edges[to]; !ok {
				panic(fmt.Sprintf("statemachine %s: %s -> %s targets an undeclared state", name, from, to))
			}
			set[to] = struct{}{}
		}
		m.edges[from] = set
		if len(tos) == 0 {
			m.terminal[from] = struct{}{}
		}
	}
	return m
}

// Name identifies the machine in errors.
func (m *Machine[S]) Name() string { return m.name }

// Known reports whether s is a declared state.
func (m *Machine[S]) Known(s S) bool {
	_, ok := m.edges[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions.
func (m *Machine[S]) IsTerminal(s S) bool {
	_, ok := m.terminal[s]
	return ok
}

// Can reports whether from -> to is a declared edge.
func (m *Machine[S]) Can(from, to S) bool {
	tos, ok := m.edges[from]
	if !ok {
		return false
	}
	_, ok = tos[to]
	return ok
}

// Validate returns a *TransitionError when from -> to is not declared.
func (m *Machine[S]) Validate(from, to S) error {
	if m.Can(from, to) {
		return nil
	}
	return &TransitionError{Machine: m.name, From: string(from), To: string(to)}
}

// Next lists the states reachable from s in one step, sorted.
func (m *Machine[S]) Next(s S) []S {
	tos := m.edges[s]
	out := make([]S, 0, len(tos))
	for to := range tos {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// States lists every declared state, sorted.
func (m *Machine[S]) States() []S {
	out := make([]S, 0, len(m.edges))
	for s := range m.edges {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsTransitionError reports whether err was produced by a Machine.
func IsTransitionError(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
