package channels

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeChannel struct {
	name      string
	prefix    string
	connected bool
	sent      []string
	sendErr   error
}

func (f *fakeChannel) Name() string          { return f.name }
func (f *fakeChannel) OwnsID(id string) bool { return strings.HasPrefix(id, f.prefix) }
func (f *fakeChannel) IsConnected() bool     { return f.connected }
func (f *fakeChannel) SendMessage(_ context.Context, id, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, id+":"+text)
	return nil
}

func TestRouteFirstConnectedOwner(t *testing.T) {
	disconnected := &fakeChannel{name: "wa-1", prefix: "wa:", connected: false}
	connected := &fakeChannel{name: "wa-2", prefix: "wa:", connected: true}
	other := &fakeChannel{name: "dc", prefix: "dc:", connected: true}

	m := NewManager(nil)
	m.Register(disconnected)
	m.Register(connected)
	m.Register(other)

	if err := m.Route(context.Background(), "wa:group1", "hi"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(connected.sent) != 1 || connected.sent[0] != "wa:group1:hi" {
		t.Errorf("expected delivery via wa-2, got %v", connected.sent)
	}
	if len(disconnected.sent) != 0 || len(other.sent) != 0 {
		t.Error("message must go only to the owning connected channel")
	}
}

func TestRouteNoOwner(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeChannel{name: "wa", prefix: "wa:", connected: true})

	err := m.Route(context.Background(), "tg:chat", "hi")
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestRouteAllDisconnected(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeChannel{name: "wa", prefix: "wa:", connected: false})

	if err := m.Route(context.Background(), "wa:chat", "hi"); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
	if m.IsRoutable("wa:chat") {
		t.Error("disconnected owner must not be routable")
	}
}
