package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubOrdering(t *testing.T) {
	h := NewHub[string](16)

	ch, guard := h.Subscribe(0, 4)
	defer guard.Close()

	i1 := h.Notify(Put, "a", "v1")
	i2 := h.Notify(Put, "a", "v2")
	require.Less(t, i1, i2)

	first := recv(t, ch)
	second := recv(t, ch)
	require.Equal(t, "v1", first.Object)
	require.Equal(t, "v2", second.Object)
	require.Less(t, first.ModifyIndex, second.ModifyIndex)
}

func TestHubReplaySinceModify(t *testing.T) {
	h := NewHub[string](16)

	i1 := h.Notify(Put, "a", "v1")
	_ = h.Notify(Put, "a", "v2")
	i3 := h.Notify(Put, "a", "v3")

	ch, guard := h.Subscribe(i3, 4)
	defer guard.Close()

	ev := recv(t, ch)
	require.Equal(t, "v3", ev.Object)
	require.Equal(t, i3, ev.ModifyIndex)
	_ = i1
}

func TestHubGoneOnTruncatedHistory(t *testing.T) {
	h := NewHub[string](2)

	h.Notify(Put, "a", "v1")
	h.Notify(Put, "a", "v2")
	h.Notify(Put, "a", "v3") // history cap 2: v1 falls out

	ch, _ := h.Subscribe(1, 4)
	ev := recv(t, ch)
	require.Equal(t, Gone, ev.Op)
}

func TestHubBackpressureDropsSlowSubscriber(t *testing.T) {
	h := NewHub[string](16)

	ch, _ := h.Subscribe(0, 1) // capacity 1: second notify overflows it

	h.Notify(Put, "a", "v1")
	h.Notify(Put, "a", "v2")

	// The full channel gets a best-effort Gone, or is simply closed; either
	// way the writer (Notify) must never block.
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow subscriber")
	}
}

func recv[T any](t *testing.T, ch <-chan Event[T]) Event[T] {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event[T]{}
	}
}
