package flow

import (
	"testing"
	"time"
)

func TestBroadcaster_DeliversToSubscriber(t *testing.T) {
	b := New[int](DropOldest, 0)
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(42)
	select {
	case v := <-ch:
		if v != 42 {
			t.Fatalf("got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
}

func TestBroadcaster_DropOldestOnOverflow(t *testing.T) {
	b := New[int](DropOldest, 2)
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(i)
	}

	// Buffer depth 2: expect the two most recent values, oldest dropped.
	got := []int{<-ch, <-ch}
	if got[0] != 3 || got[1] != 4 {
		t.Fatalf("got %v, want [3 4]", got)
	}
}

func TestBroadcaster_MultipleSubscribersIndependent(t *testing.T) {
	b := New[string](DropOldest, 4)
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish("hello")

	for _, ch := range []<-chan string{ch1, ch2} {
		select {
		case v := <-ch:
			if v != "hello" {
				t.Fatalf("got %q", v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestBroadcaster_BlockingDeliversInOrder(t *testing.T) {
	b := New[int](Blocking, 0)
	ch, unsub := b.Subscribe()
	defer unsub()

	go func() {
		for i := 0; i < 3; i++ {
			b.Publish(i)
		}
	}()

	for i := 0; i < 3; i++ {
		select {
		case v := <-ch:
			if v != i {
				t.Fatalf("got %d, want %d", v, i)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := New[int](DropOldest, 0)
	ch, unsub := b.Subscribe()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBroadcaster_SubscriberCount(t *testing.T) {
	b := New[int](DropOldest, 0)
	if b.SubscriberCount() != 0 {
		t.Fatal("expected 0 subscribers initially")
	}
	_, unsub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatal("expected 1 subscriber")
	}
	unsub()
	if b.SubscriberCount() != 0 {
		t.Fatal("expected 0 subscribers after unsubscribe")
	}
}
