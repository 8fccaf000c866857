package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := NewInMemory(4)
	msg := NewScanMessage(ScanEvent{RecordID: "rec-1", ShiftID: "shift-1"})
	if err := q.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	out, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	select {
	case got := <-out:
		if got.Type != "scan" {
			t.Fatalf("message type = %q", got.Type)
		}
		ev, err := DecodeScanEvent(got)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.RecordID != "rec-1" || ev.ShiftID != "shift-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestSerializeKeepsBodyIntact(t *testing.T) {
	// Scan event bodies are JSON and contain no pipe, but the framing must
	// still survive one appearing in a future payload.
	msg := Message{Type: "scan", Body: []byte(`{"notes":"a|b"}`)}
	got, err := deserialize(serialize(msg))
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.Type != msg.Type || string(got.Body) != string(msg.Body) {
		t.Fatalf("round trip mangled message: %+v", got)
	}
}
