package buffer

import (
	"context"
	"testing"
	"time"
)

func TestFifoEvictsOldest(t *testing.T) {
	fifo := New[int](3)
	for i := 1; i <= 5; i++ {
		fifo.Push(i)
	}
	if fifo.Len() != 3 {
		t.Fatalf("expected 3 items, got %d", fifo.Len())
	}
	got := fifo.Tail(3)
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tail[%d]: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestFifoTailShorterThanAsked(t *testing.T) {
	fifo := New[int](5)
	fifo.Push(1)
	fifo.Push(2)
	got := fifo.Tail(10)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("unexpected tail %v", got)
	}
	if fifo.Tail(0) != nil {
		t.Error("Tail(0) should be nil")
	}
}

func TestFrameRingSnapshotOrder(t *testing.T) {
	ring := NewFrameRing(4)
	base := time.Now()
	for i := 0; i < 6; i++ {
		ring.Append(Frame{
			Data:      []byte{byte(i)},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	frames := ring.SnapshotTail(3)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i := 1; i < len(frames); i++ {
		if !frames[i].Timestamp.After(frames[i-1].Timestamp) {
			t.Error("snapshot must be in capture order")
		}
	}
	if frames[2].Data[0] != 5 {
		t.Errorf("expected newest frame last, got %d", frames[2].Data[0])
	}
}

func TestQueueOrderAndPriority(t *testing.T) {
	queue := NewQueue[string]()
	queue.Push("a")
	queue.Push("b")
	queue.PushFront("urgent")

	ctx := context.Background()
	for _, want := range []string{"urgent", "a", "b"} {
		got, ok := queue.Pop(ctx, time.Second)
		if !ok || got != want {
			t.Errorf("expected %q, got %q (ok=%v)", want, got, ok)
		}
	}
}

func TestQueuePopTimesOut(t *testing.T) {
	queue := NewQueue[int]()
	start := time.Now()
	_, ok := queue.Pop(context.Background(), 20*time.Millisecond)
	if ok {
		t.Fatal("expected timeout")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Pop returned before the wait expired")
	}
}

func TestQueuePopWakesOnPush(t *testing.T) {
	queue := NewQueue[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		queue.Push(42)
	}()
	got, ok := queue.Pop(context.Background(), time.Second)
	if !ok || got != 42 {
		t.Fatalf("expected 42, got %d (ok=%v)", got, ok)
	}
}
