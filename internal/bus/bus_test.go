package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(nil)
	sink := NewChanSink()
	sub := b.Subscribe("test", sink)
	defer b.Unsubscribe(sub)

	b.Publish("test.event", "hello")

	select {
	case event := <-sink.Ch:
		if event.Type != "test.event" {
			t.Fatalf("expected topic test.event, got %s", event.Type)
		}
		if event.Data != "hello" {
			t.Fatalf("expected payload hello, got %v", event.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New(nil)
	workflowSink := NewChanSink()
	allSink := NewChanSink()
	b.Subscribe("workflow.", workflowSink)
	b.Subscribe("", allSink)

	b.Publish("task.created", nil)
	b.Publish("workflow.started", nil)

	select {
	case e := <-workflowSink.Ch:
		if e.Type != "workflow.started" {
			t.Fatalf("workflow sink got unexpected topic %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("workflow sink never received its event")
	}

	select {
	case <-workflowSink.Ch:
		t.Fatal("workflow sink should not have received task.created")
	default:
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-allSink.Ch:
			seen[e.Type] = true
		case <-time.After(time.Second):
			t.Fatal("all-sink missing an event")
		}
	}
	if !seen["task.created"] || !seen["workflow.started"] {
		t.Fatalf("all-sink missing events, saw %v", seen)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	sink := NewChanSink()
	sub := b.Subscribe("", sink)
	b.Unsubscribe(sub)

	b.Publish("task.created", nil)

	select {
	case <-sink.Ch:
		t.Fatal("unsubscribed sink should not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_ReapsFailingSink(t *testing.T) {
	b := New(nil)
	calls := 0
	var mu sync.Mutex
	failing := SinkFunc(func(_ context.Context, _ Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errFull
	})
	b.Subscribe("", failing)

	for i := 0; i < maxSinkFailures+2; i++ {
		b.Publish("system.updated", nil)
	}

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected failing sink to be reaped, subscriber count = %d", b.SubscriberCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != maxSinkFailures {
		t.Fatalf("expected exactly %d calls before reaping, got %d", maxSinkFailures, calls)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New(nil)
	sink := NewChanSink()
	sink.Ch = make(chan Event, 1000)
	b.Subscribe("", sink)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish("queue.updated", nil)
		}()
	}
	wg.Wait()

	if len(sink.Ch) != 100 {
		t.Fatalf("expected 100 buffered events, got %d", len(sink.Ch))
	}
}
