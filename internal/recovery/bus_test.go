package recovery

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/oyerindedaniel/glide-sub000/internal/message"
)

func TestSubscribeFiltersByClient(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	a := message.NewClientID()
	b := message.NewClientID()

	chA, cancelA := bus.Subscribe(a)
	defer cancelA()
	chB, cancelB := bus.Subscribe(b)
	defer cancelB()

	bus.Publish(Event{Kind: KindPageProcessed, ClientID: a, RequestID: message.NewRequestID()})

	select {
	case ev := <-chA:
		if ev.ClientID != a {
			t.Fatalf("subscriber A got event for client %s", ev.ClientID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber A never received its event")
	}

	select {
	case ev := <-chB:
		t.Fatalf("subscriber B received foreign event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	_, cancel := bus.Subscribe(message.NewClientID())
	cancel()
	cancel()
	if got := bus.Subscribers(); got != 0 {
		t.Fatalf("Subscribers = %d, want 0", got)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	client := message.NewClientID()
	_, cancel := bus.Subscribe(client) // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Kind: KindPageProcessed, ClientID: client})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if bus.Dropped() == 0 {
		t.Fatal("expected drops for an undrained subscriber")
	}
}

// Two clients publish and consume under randomized interleavings; neither may
// ever observe the other's events.
func TestRandomInterleavingsNeverCrossClients(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	a := message.NewClientID()
	b := message.NewClientID()

	chA, cancelA := bus.Subscribe(a)
	defer cancelA()
	chB, cancelB := bus.Subscribe(b)
	defer cancelB()

	const events = 200
	var wg sync.WaitGroup
	wg.Add(2)
	for _, client := range []message.ClientID{a, b} {
		client := client
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for i := 0; i < events; i++ {
				if rng.Intn(3) == 0 {
					time.Sleep(time.Duration(rng.Intn(100)) * time.Microsecond)
				}
				bus.Publish(Event{Kind: KindPageProcessed, ClientID: client})
			}
		}()
	}

	var recvWG sync.WaitGroup
	recvWG.Add(2)
	check := func(ch <-chan Event, want message.ClientID) {
		defer recvWG.Done()
		for {
			select {
			case ev := <-ch:
				if ev.ClientID != want {
					t.Errorf("client %s received event for %s", want, ev.ClientID)
					return
				}
			case <-time.After(200 * time.Millisecond):
				return
			}
		}
	}
	go check(chA, a)
	go check(chB, b)

	wg.Wait()
	recvWG.Wait()
}
