package call

import "testing"

func TestEnqueue_PriorityOrder(t *testing.T) {
	q := NewSpeechQueue()
	q.Enqueue("low", 0)
	q.Enqueue("high", 10)
	q.Enqueue("mid", 5)

	want := []string{"high", "mid", "low"}
	for _, text := range want {
		item, ok := q.Next()
		if !ok {
			t.Fatalf("Next() empty, want %q", text)
		}
		if item.Text != text {
			t.Fatalf("Next().Text = %q, want %q", item.Text, text)
		}
	}
	if _, ok := q.Next(); ok {
		t.Fatal("Next() on drained queue = ok")
	}
}

func TestEnqueue_FIFOWithinPriority(t *testing.T) {
	q := NewSpeechQueue()
	q.Enqueue("first", 1)
	q.Enqueue("second", 1)
	q.Enqueue("third", 1)

	for _, want := range []string{"first", "second", "third"} {
		item, _ := q.Next()
		if item.Text != want {
			t.Fatalf("Next().Text = %q, want %q", item.Text, want)
		}
	}
}

func TestEnqueue_AssignsMonotonicIDs(t *testing.T) {
	q := NewSpeechQueue()
	a := q.Enqueue("a", 0)
	b := q.Enqueue("b", 0)
	if b.ID <= a.ID {
		t.Fatalf("IDs not monotonic: %d then %d", a.ID, b.ID)
	}
	if a.EnqueuedAt.IsZero() {
		t.Fatal("EnqueuedAt not set")
	}
}

func TestClear(t *testing.T) {
	q := NewSpeechQueue()
	q.Enqueue("a", 0)
	q.Enqueue("b", 3)
	q.Clear()

	if got := q.Len(); got != 0 {
		t.Fatalf("Len after Clear = %d, want 0", got)
	}
	if _, ok := q.Next(); ok {
		t.Fatal("Next after Clear = ok")
	}
	// The queue stays usable.
	q.Enqueue("c", 0)
	if got := q.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}
