package controlplane

import (
	"testing"
	"time"
)

func TestHasConnectionsFalseForUnknownUser(t *testing.T) {
	h := NewHub()
	if h.HasConnections("nobody") {
		t.Fatal("expected no connections for a user that never registered a socket")
	}
}

func TestCallFailsFastWithoutConnection(t *testing.T) {
	h := NewHub()
	_, err := h.Call("u1", "get_capabilities", nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error when the user has no control-plane socket")
	}
}

func TestPublishToEmptyRoomDoesNotBlock(t *testing.T) {
	h := NewHub()
	done := make(chan struct{})
	go func() {
		h.Publish("u1", NotificationPermissionChanged, map[string]string{"server": "s1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish to a room with no sockets should return immediately")
	}
}
