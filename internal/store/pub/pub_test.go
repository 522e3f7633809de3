package pub

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/strom-io/strom/internal/event"
)

func newTestPublisher(t *testing.T, opts Options) *Publisher {
	t.Helper()
	p := New(opts, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func pubEvent(entity, typ string, version uint64) event.Event {
	return event.Event{
		ID:          fmt.Sprintf("ev-%s-%d", entity, version),
		TenantID:    "acme",
		EntityID:    entity,
		Type:        typ,
		Payload:     []byte(`{"n":` + fmt.Sprint(version) + `}`),
		Version:     version,
		CommittedAt: 1700000000000 + int64(version),
	}
}

func recvOne(t *testing.T, s *Subscription) event.Event {
	t.Helper()
	select {
	case ev := <-s.C():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return event.Event{}
	}
}

func TestDeliveryInOrder(t *testing.T) {
	p := newTestPublisher(t, Options{})
	s, err := p.Subscribe(SubscribeOptions{Tenant: "acme"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	for v := uint64(1); v <= 5; v++ {
		p.Publish(pubEvent("order-1", "updated", v))
	}
	for v := uint64(1); v <= 5; v++ {
		ev := recvOne(t, s)
		if ev.Version != v {
			t.Fatalf("out of order: got %d, want %d", ev.Version, v)
		}
	}
}

func TestTenantScoping(t *testing.T) {
	p := newTestPublisher(t, Options{})
	s, err := p.Subscribe(SubscribeOptions{Tenant: "acme"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	other := pubEvent("order-1", "updated", 1)
	other.TenantID = "bcorp"
	p.Publish(other)
	p.Publish(pubEvent("order-1", "updated", 2))

	if ev := recvOne(t, s); ev.TenantID != "acme" {
		t.Fatalf("tenant leak: %+v", ev)
	}
	select {
	case ev := <-s.C():
		t.Fatalf("unexpected extra delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEntityAndTypeScoping(t *testing.T) {
	p := newTestPublisher(t, Options{})
	s, err := p.Subscribe(SubscribeOptions{Tenant: "acme", Entity: "order-1", Types: []string{"shipped"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	p.Publish(pubEvent("order-1", "created", 1))
	p.Publish(pubEvent("order-2", "shipped", 1))
	p.Publish(pubEvent("order-1", "shipped", 2))

	ev := recvOne(t, s)
	if ev.EntityID != "order-1" || ev.Type != "shipped" {
		t.Fatalf("scoping failed: %+v", ev)
	}
}

func TestCELFilter(t *testing.T) {
	p := newTestPublisher(t, Options{})
	s, err := p.Subscribe(SubscribeOptions{Tenant: "acme", Filter: `json.n >= 3 && type == "updated"`})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	for v := uint64(1); v <= 4; v++ {
		p.Publish(pubEvent("order-1", "updated", v))
	}
	if ev := recvOne(t, s); ev.Version != 3 {
		t.Fatalf("filter let through version %d", ev.Version)
	}
	if ev := recvOne(t, s); ev.Version != 4 {
		t.Fatalf("filter let through version %d", ev.Version)
	}
}

func TestBadFilterFailsFast(t *testing.T) {
	p := newTestPublisher(t, Options{})
	if _, err := p.Subscribe(SubscribeOptions{Tenant: "acme", Filter: "not valid cel ((("}); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestDropOldestPolicy(t *testing.T) {
	p := newTestPublisher(t, Options{})
	s, err := p.Subscribe(SubscribeOptions{Tenant: "acme", Buffer: 2, Policy: DropOldest})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	for v := uint64(1); v <= 5; v++ {
		p.Publish(pubEvent("order-1", "updated", v))
	}
	// The queue holds the newest two once the publisher catches up.
	deadline := time.Now().Add(5 * time.Second)
	var got []uint64
	for len(got) < 2 {
		select {
		case ev := <-s.C():
			got = append(got, ev.Version)
		default:
			if time.Now().After(deadline) {
				t.Fatalf("timed out, got %v", got)
			}
			time.Sleep(time.Millisecond)
		}
		if len(got) == 2 && got[1] != 5 {
			// Still catching up; the tail must end at the newest version.
			got = got[1:]
		}
	}
	if got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected newest events to survive, got %v", got)
	}
}

func TestDisconnectPolicy(t *testing.T) {
	p := newTestPublisher(t, Options{})
	s, err := p.Subscribe(SubscribeOptions{Tenant: "acme", Buffer: 1, Policy: Disconnect})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p.Publish(pubEvent("order-1", "updated", 1))
	p.Publish(pubEvent("order-1", "updated", 2))
	p.Publish(pubEvent("order-1", "updated", 3))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("slow subscriber not disconnected")
	}
	if !errors.Is(s.Err(), ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", s.Err())
	}
	// The queued event stays readable after disconnect.
	if ev := recvOne(t, s); ev.Version != 1 {
		t.Fatalf("expected buffered event 1, got %d", ev.Version)
	}
}

func TestBlockPolicyStallsOnlyThatSubscriber(t *testing.T) {
	p := newTestPublisher(t, Options{})
	slow, err := p.Subscribe(SubscribeOptions{Tenant: "acme", Buffer: 1, Policy: Block})
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	defer slow.Close()

	p.Publish(pubEvent("order-1", "updated", 1))
	p.Publish(pubEvent("order-1", "updated", 2))

	// Publish never blocks the caller even while delivery is stalled.
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Publish(pubEvent("order-1", "updated", 3))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}

	for v := uint64(1); v <= 3; v++ {
		if ev := recvOne(t, slow); ev.Version != v {
			t.Fatalf("got %d, want %d", ev.Version, v)
		}
	}
}

func TestCloseUnblocksDelivery(t *testing.T) {
	p := newTestPublisher(t, Options{})
	stuck, err := p.Subscribe(SubscribeOptions{Tenant: "acme", Buffer: 1, Policy: Block})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	live, err := p.Subscribe(SubscribeOptions{Tenant: "acme", Buffer: 16})
	if err != nil {
		t.Fatalf("subscribe live: %v", err)
	}
	defer live.Close()

	p.Publish(pubEvent("order-1", "updated", 1))
	if ev := recvOne(t, live); ev.Version != 1 {
		t.Fatalf("got %d, want 1", ev.Version)
	}

	// stuck's queue is now full, so delivering the next event parks on it.
	// Closing the subscription must release fan-out for live.
	p.Publish(pubEvent("order-1", "updated", 2))
	stuck.Close()
	if ev := recvOne(t, live); ev.Version != 2 {
		t.Fatalf("delivery stalled after close: %d", ev.Version)
	}
}
