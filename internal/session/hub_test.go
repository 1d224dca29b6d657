package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/invoicedl/internal/protocol"
	"github.com/ent0n29/invoicedl/internal/state"
)

func TestHubAttachSendDetach(t *testing.T) {
	h := NewHub(time.Minute)
	out := make(chan any, 1)
	c := h.Attach(state.ClientRef{TabID: "7", WindowID: "1"}, out)
	if c.ID == "" {
		t.Fatalf("client ID should not be empty")
	}
	if !h.Connected("7") {
		t.Fatalf("Connected(7) = false, want true")
	}

	if err := h.Send("7", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := h.Send("7", "again"); !errors.Is(err, ErrOutboundFull) {
		t.Fatalf("Send() error = %v, want ErrOutboundFull", err)
	}
	if got := <-out; got != "hello" {
		t.Fatalf("outbound = %v, want hello", got)
	}

	h.Detach(c.ID)
	if err := h.Send("7", "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Send() error = %v, want ErrNotFound", err)
	}
	if h.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", h.ActiveCount())
	}
}

func TestHubReconnectReplacesTab(t *testing.T) {
	h := NewHub(time.Minute)
	first := h.Attach(state.ClientRef{TabID: "7"}, make(chan any, 1))
	second := make(chan any, 1)
	h.Attach(state.ClientRef{TabID: "7"}, second)

	h.Detach(first.ID)
	if !h.Connected("7") {
		t.Fatalf("detaching the stale connection must keep the new one")
	}
	if err := h.Send("7", "x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := <-second; got != "x" {
		t.Fatalf("outbound = %v, want x", got)
	}
}

func TestHubPushIsBestEffort(t *testing.T) {
	h := NewHub(time.Minute)
	h.PushStatus(context.Background(), "nobody listening")

	out := make(chan any, 2)
	h.Attach(state.ClientRef{TabID: "7"}, out)
	h.PushState(context.Background(), state.Default())
	h.PushStatus(context.Background(), "queue empty")
	h.PushStatus(context.Background(), "dropped")

	if _, ok := (<-out).(protocol.StateEvent); !ok {
		t.Fatalf("first message should be a state event")
	}
	status, ok := (<-out).(protocol.StatusEvent)
	if !ok || status.Text != "queue empty" {
		t.Fatalf("second message = %#v", status)
	}
}

func TestHubJanitorExpiresInactive(t *testing.T) {
	h := NewHub(30 * time.Millisecond)
	c := h.Attach(state.ClientRef{TabID: "7"}, make(chan any, 1))
	expired := make(chan Client, 1)
	h.SetExpireHook(func(c Client) { expired <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case got := <-expired:
		if got.ID != c.ID {
			t.Fatalf("expired client = %q, want %q", got.ID, c.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("client was not expired")
	}
	if _, err := h.Get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
