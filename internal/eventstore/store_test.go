package eventstore

import (
	"context"
	"encoding/json"
	"testing"
)

func TestStoreEventOrdering(t *testing.T) {
	s := New(nil, Config{})
	defer s.Stop()

	var ids []string
	for i := 0; i < 5; i++ {
		ev := s.StoreEvent(context.Background(), "s1", json.RawMessage(`{"n":1}`))
		ids = append(ids, ev.EventID)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("event ids not strictly increasing: %q <= %q", ids[i], ids[i-1])
		}
	}
}

func TestReplayAfterUnknownIDReplaysWholeStream(t *testing.T) {
	s := New(nil, Config{})
	defer s.Stop()

	for i := 0; i < 3; i++ {
		s.StoreEvent(context.Background(), "s1", json.RawMessage(`{}`))
	}

	var got []string
	err := s.ReplayAfter(context.Background(), "s1_0_zzzz", func(eventID string, message json.RawMessage) error {
		got = append(got, eventID)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected all 3 events replayed for unknown id, got %d", len(got))
	}
}

func TestReplayAfterOnlyLaterEvents(t *testing.T) {
	s := New(nil, Config{})
	defer s.Stop()

	var ids []string
	for i := 0; i < 4; i++ {
		ev := s.StoreEvent(context.Background(), "s1", json.RawMessage(`{}`))
		ids = append(ids, ev.EventID)
	}

	var got []string
	err := s.ReplayAfter(context.Background(), ids[1], func(eventID string, message json.RawMessage) error {
		got = append(got, eventID)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events after ids[1], got %d: %v", len(got), got)
	}
	if got[0] != ids[2] || got[1] != ids[3] {
		t.Fatalf("unexpected replay set: %v", got)
	}
}

func TestStreamIDOf(t *testing.T) {
	cases := map[string]string{
		"s1_1000_abcd": "s1",
		"noUnderscore": "noUnderscore",
	}
	for in, want := range cases {
		if got := StreamIDOf(in); got != want {
			t.Errorf("StreamIDOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmptyLastEventIDReplaysNothing(t *testing.T) {
	s := New(nil, Config{})
	defer s.Stop()
	s.StoreEvent(context.Background(), "s1", json.RawMessage(`{}`))

	called := false
	if err := s.ReplayAfter(context.Background(), "", func(string, json.RawMessage) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("empty Last-Event-ID must not replay (the caller is opening a fresh stream)")
	}
}
