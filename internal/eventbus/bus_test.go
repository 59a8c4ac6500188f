package eventbus

import "testing"

func TestFilteredSubscribe(t *testing.T) {
	b := New()
	crashes, unsub := b.Subscribe(4, "proc.crashed")
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "proc.started"})
	b.Publish(Event{Type: "proc.crashed", Data: 3})

	ev := <-crashes
	if ev.Type != "proc.crashed" || ev.Data != 3 || ev.Time.IsZero() {
		t.Fatalf("event = %+v", ev)
	}
	select {
	case ev := <-crashes:
		t.Fatalf("unexpected %+v", ev)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	if b.Dropped() != 4 {
		t.Fatalf("dropped = %d, want 4", b.Dropped())
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open")
	}
	b.Publish(Event{Type: "x"})
}
