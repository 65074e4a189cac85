package activity

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"marketflow/db/dbtest"
)

func TestRecorder_AppendRejectsIncompleteEvent(t *testing.T) {
	rec := NewRecorder()
	tx := &dbtest.Tx{}

	err := rec.Append(context.Background(), tx, Event{SubjectType: SubjectBooking, Type: "BOOKING_CREATED"})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestRecorder_EnqueueRejectsEmptyTopic(t *testing.T) {
	if err := NewRecorder().Enqueue(context.Background(), &dbtest.Tx{}, "", nil); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestRecorder_SetActorSkipsEmpty(t *testing.T) {
	// dbtest.Tx panics on Exec, so reaching it would fail the test.
	if err := NewRecorder().SetActor(context.Background(), &dbtest.Tx{}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecipients_DedupesAndDropsEmpty(t *testing.T) {
	got := Recipients("a", "", "b", "a")
	if want := []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v got %v", want, got)
	}
}

func TestEncode(t *testing.T) {
	got, err := encode(nil)
	if err != nil || got != "{}" {
		t.Fatalf("expected empty object, got %q %v", got, err)
	}
	if _, err := encode(map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatal("expected encode error for channel value")
	}
}
