package feed

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"cvatsync/internal/domain"
)

func TestPublishReachesSubscribers(t *testing.T) {
	h := NewHub(nil)
	a, leaveA := h.Subscribe()
	b, leaveB := h.Subscribe()
	defer leaveA()
	h.Publish(domain.Change{Type: domain.ChangeRecordCreated, RemoteJobID: 9})
	for _, ch := range []<-chan domain.Change{a, b} {
		select {
		case c := <-ch:
			if c.RemoteJobID != 9 || c.At == "" {
				t.Fatalf("unexpected change %+v", c)
			}
		case <-time.After(time.Second):
			t.Fatalf("change not delivered")
		}
	}
	leaveB()
	leaveB()
	if h.Subscribers() != 1 {
		t.Fatalf("expected one subscriber left, got %d", h.Subscribers())
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	h := NewHub(nil)
	_, leave := h.Subscribe()
	defer leave()
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Publish(domain.Change{Type: domain.ChangeRecordUpdated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}

func TestWebsocketStream(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	h.Publish(domain.Change{Type: domain.ChangeRecordDeleted, RemoteJobID: 42})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got domain.Change
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != domain.ChangeRecordDeleted || got.RemoteJobID != 42 {
		t.Fatalf("unexpected change %+v", got)
	}
}
