package gateway

import (
	"testing"

	"github.com/google/uuid"
)

func TestServerContextStatusTransitions(t *testing.T) {
	sc := newServerContext(uuid.New(), "demo", nil)
	if sc.Status() != StatusConnecting {
		t.Fatalf("new context should start Connecting, got %s", sc.Status())
	}
	sc.SetStatus(StatusOnline)
	if sc.Status() != StatusOnline {
		t.Fatalf("expected Online, got %s", sc.Status())
	}
}

func TestServerContextSubscribersRoundTrip(t *testing.T) {
	sc := newServerContext(uuid.New(), "demo", nil)
	sc.Subscribe("sess-1", "file:///a.txt")
	sc.Subscribe("sess-2", "file:///a.txt")

	subs := sc.Subscribers("file:///a.txt")
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subs))
	}

	sc.Unsubscribe("sess-1", "file:///a.txt")
	subs = sc.Subscribers("file:///a.txt")
	if len(subs) != 1 || subs[0] != "sess-2" {
		t.Fatalf("expected only sess-2 to remain subscribed, got %v", subs)
	}
}

func TestSplitSubscriptionKey(t *testing.T) {
	id := uuid.New()
	key := id.String() + "::file:///a.txt"

	gotID, uri, ok := splitSubscriptionKey(key)
	if !ok {
		t.Fatal("expected a well-formed key to split successfully")
	}
	if gotID != id {
		t.Fatalf("expected target id %s, got %s", id, gotID)
	}
	if uri != "file:///a.txt" {
		t.Fatalf("expected uri file:///a.txt, got %s", uri)
	}
}

func TestSplitSubscriptionKeyRejectsMalformed(t *testing.T) {
	if _, _, ok := splitSubscriptionKey("not-a-valid-key"); ok {
		t.Fatal("a key with no '::' separator must not split successfully")
	}
	if _, _, ok := splitSubscriptionKey("not-a-uuid::file:///a.txt"); ok {
		t.Fatal("a key whose prefix isn't a uuid must not split successfully")
	}
}

func TestHealthCheckReflectsSharedContexts(t *testing.T) {
	m := &ServerManager{
		shared:    make(map[uuid.UUID]*ServerContext),
		temporary: make(map[uuid.UUID]map[uuid.UUID]*ServerContext),
	}
	id := uuid.New()
	sc := newServerContext(id, "demo", nil)
	sc.SetStatus(StatusOnline)
	m.shared[id] = sc

	health := m.HealthCheck()
	if health[id] != StatusOnline {
		t.Fatalf("expected target %s to report Online, got %s", id, health[id])
	}
}
