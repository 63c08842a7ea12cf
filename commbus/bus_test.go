package commbus

import (
	"sync"
	"testing"
	"time"
)

type busTestLogger struct {
	mu   sync.Mutex
	logs []string
}

func (l *busTestLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, msg)
}

func (l *busTestLogger) Warn(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, msg)
}

func TestBus_PublishToHandler(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	var got []Delivery
	bus.SubscribeFunc("process.created", func(d Delivery) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, d)
	})

	bus.Publish("process.created", "payload-1")
	bus.Publish("other.topic", "payload-2")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].Topic != "process.created" || got[0].Payload != "payload-1" {
		t.Errorf("delivery = %+v", got[0])
	}
	if got[0].PublishedAt.IsZero() {
		t.Error("PublishedAt should be stamped")
	}
}

func TestBus_WildcardHandler(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	count := 0
	bus.SubscribeFunc(TopicAll, func(d Delivery) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	bus.Publish("a", nil)
	bus.Publish("b", nil)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("wildcard handler saw %d events, want 2", count)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	count := 0
	stop := bus.SubscribeFunc("t", func(d Delivery) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	bus.Publish("t", nil)
	stop()
	bus.Publish("t", nil)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if bus.SubscriberCount("t") != 0 {
		t.Errorf("subscriber count = %d, want 0", bus.SubscriberCount("t"))
	}
}

func TestBus_StreamSubscription(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe("interrupt.raised", "interrupt.resolved")
	defer sub.Close()

	bus.Publish("interrupt.raised", "first")
	bus.Publish("process.created", "ignored")
	bus.Publish("interrupt.resolved", "second")

	for _, want := range []string{"first", "second"} {
		select {
		case d := <-sub.C():
			if d.Payload != want {
				t.Errorf("payload = %v, want %v", d.Payload, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	select {
	case d := <-sub.C():
		t.Errorf("unexpected delivery: %+v", d)
	default:
	}
}

func TestBus_StreamSubscribeAll(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish("anything", 1)
	select {
	case d := <-sub.C():
		if d.Topic != "anything" {
			t.Errorf("topic = %q", d.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("empty topic list should subscribe to everything")
	}
}

func TestBus_StreamClose(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe("t")

	sub.Close()
	sub.Close() // idempotent

	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed")
	}

	// Publishing after close must not panic or deliver.
	bus.Publish("t", nil)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	logger := &busTestLogger{}
	bus := New(logger)
	sub := bus.Subscribe("t")
	defer sub.Close()

	// Nobody drains the channel; overflow past the buffer is dropped.
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish("t", i)
	}

	if sub.Dropped() != 10 {
		t.Errorf("dropped = %d, want 10", sub.Dropped())
	}
}

func TestBus_Topics(t *testing.T) {
	bus := New(nil)
	bus.SubscribeFunc("b", func(Delivery) {})
	bus.SubscribeFunc("a", func(Delivery) {})
	sub := bus.Subscribe("c")
	defer sub.Close()

	topics := bus.Topics()
	if len(topics) != 3 {
		t.Fatalf("topics = %v", topics)
	}

	bus.Clear()
	if len(bus.Topics()) != 0 {
		t.Error("clear should drop all subscriptions")
	}
}

func TestBus_HandlerPanicContained(t *testing.T) {
	logger := &busTestLogger{}
	bus := New(logger)

	bus.SubscribeFunc("process.created", func(d Delivery) {
		panic("bad handler")
	})

	var delivered bool
	bus.SubscribeFunc("process.created", func(d Delivery) {
		delivered = true
	})

	bus.Publish("process.created", nil)

	if !delivered {
		t.Error("panicking handler blocked later handlers")
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	found := false
	for _, msg := range logger.logs {
		if msg == "bus_handler_panic" {
			found = true
		}
	}
	if !found {
		t.Error("expected bus_handler_panic to be logged")
	}
}
