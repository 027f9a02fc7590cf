package sse

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case b, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return string(b)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	return ""
}

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := h.Subscribe(ctx, 1)
	b := h.Subscribe(ctx, 1)
	if h.Len() != 2 {
		t.Fatalf("len %d", h.Len())
	}

	h.Publish([]byte("start"))
	if got := recv(t, a); got != "start" {
		t.Fatalf("a got %s", got)
	}
	if got := recv(t, b); got != "start" {
		t.Fatalf("b got %s", got)
	}
}

func TestHubSlowSubscriberDrops(t *testing.T) {
	h := NewHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.Subscribe(ctx, 1)

	h.Publish([]byte("1"))
	h.Publish([]byte("2"))
	if got := recv(t, ch); got != "1" {
		t.Fatalf("first %s", got)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected %s", ev)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, 1)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if h.Len() != 0 {
					t.Fatalf("len %d after cancel", h.Len())
				}
				h.Publish([]byte("after"))
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}

func TestHubReplaysBacklog(t *testing.T) {
	h := NewHub(3)
	for i := 1; i <= 5; i++ {
		h.Publish([]byte(fmt.Sprint(i)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := h.Subscribe(ctx, 8)
	for _, want := range []string{"3", "4", "5"} {
		if got := recv(t, ch); got != want {
			t.Fatalf("got %s want %s", got, want)
		}
	}
	h.Publish([]byte("6"))
	if got := recv(t, ch); got != "6" {
		t.Fatalf("live event %s", got)
	}

	small := h.Subscribe(ctx, 2)
	for _, want := range []string{"5", "6"} {
		if got := recv(t, small); got != want {
			t.Fatalf("small got %s want %s", got, want)
		}
	}
}

func TestHubNoBacklog(t *testing.T) {
	h := NewHub(0)
	h.Publish([]byte("early"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.Subscribe(ctx, 1)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected replay %s", ev)
	default:
	}
}

func TestHubConcurrentPublishAndCancel(t *testing.T) {
	h := NewHub(4)
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			h.Publish([]byte("x"))
			time.Sleep(time.Millisecond)
		}
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}
