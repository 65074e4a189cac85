package statemachine

import (
	"errors"
	"reflect"
	"testing"

	"marketflow/apperr"
)

type light string

const (
	red    light = "red"
	green  light = "green"
	yellow light = "yellow"
	off    light = "off"
)

func newLights() *Machine[light] {
	return New("light", map[light][]light{
		red:    {green, off},
		green:  {yellow, off},
		yellow: {red, off},
		off:    {},
	})
}

func TestMachine_Can(t *testing.T) {
	m := newLights()

	cases := []struct {
		from, to light
		want     bool
	}{
		{red, green, true},
		{green, red, false},
		{yellow, red, true},
		{off, red, false},
		{red, red, false},
		{"blue", red, false},
	}
	for _, tc := range cases {
		if got := m.Can(tc.from, tc.to); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMachine_ValidateReturnsConflict(t *testing.T) {
	m := newLights()

	err := m.Validate(green, red)
	if err == nil {
		t.Fatal("expected error for green -> red")
	}
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransitionError, got %T", err)
	}
	if te.From != "green" || te.To != "red" || te.Machine != "light" {
		t.Fatalf("unexpected transition error fields: %+v", te)
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatal("expected errors.Is(err, ErrInvalidTransition)")
	}
	if got := apperr.Classify(err).Category; got != apperr.Conflict {
		t.Fatalf("expected conflict category, got %s", got)
	}
	if err := m.Validate(red, green); err != nil {
		t.Fatalf("expected red -> green to be valid, got %v", err)
	}
}

func TestMachine_TerminalAndNext(t *testing.T) {
	m := newLights()

	if !m.IsTerminal(off) {
		t.Fatal("expected off to be terminal")
	}
	if m.IsTerminal(red) {
		t.Fatal("expected red to be non-terminal")
	}
	if got, want := m.Next(red), []light{green, off}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Next(red) = %v, want %v", got, want)
	}
	if !m.Known(yellow) || m.Known("blue") {
		t.Fatal("unexpected Known result")
	}
	if got := len(m.States()); got != 4 {
		t.Fatalf("expected 4 states, got %d", got)
	}
}

func TestNew_PanicsOnUndeclaredTarget(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for undeclared target state")
		}
	}()
	New("broken", map[light][]light{red: {green}})
}
