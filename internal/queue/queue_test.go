package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	q := New()
	q.Push(1)
	q.Push(2)
	q.Push(3)
	assert.Equal(t, 1, q.Pop())
	assert.Equal(t, 2, q.Pop())
	assert.Equal(t, 3, q.Pop())
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New()
	done := make(chan any, 1)
	go func() {
		done <- q.Pop()
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before any value was pushed")
	case <-time.After(30 * time.Millisecond):
	}

	q.Push("late")
	select {
	case v := <-done:
		assert.Equal(t, "late", v)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Push")
	}
}

func TestPushAfterDelivers(t *testing.T) {
	q := New()
	q.PushAfter("delayed", 10*time.Millisecond)

	v, ok := q.PopUntil(time.Second)
	require.True(t, ok)
	assert.Equal(t, "delayed", v)
}

func TestPushAfterCancel(t *testing.T) {
	q := New()
	h := q.PushAfter("cancel-me", 10*time.Millisecond)
	h.Cancel()

	v, ok := q.PopUntil(50 * time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestPopUntilTimesOutWithEmptyQueue(t *testing.T) {
	q := New()
	start := time.Now()
	v, ok := q.PopUntil(20 * time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPopUntilZeroPolls(t *testing.T) {
	q := New()
	v, ok := q.PopUntil(0)
	assert.False(t, ok)
	assert.Nil(t, v)

	q.Push("now")
	v, ok = q.PopUntil(0)
	require.True(t, ok)
	assert.Equal(t, "now", v)
}

func TestDelayedItemsOrderedByDeadline(t *testing.T) {
	q := New()
	q.PushAfter("second", 40*time.Millisecond)
	q.PushAfter("first", 10*time.Millisecond)

	first, ok := q.PopUntil(time.Second)
	require.True(t, ok)
	assert.Equal(t, "first", first)

	second, ok := q.PopUntil(time.Second)
	require.True(t, ok)
	assert.Equal(t, "second", second)
}

func TestImmediatePushTakesPriorityOverLaterDelayed(t *testing.T) {
	q := New()
	q.PushAfter("delayed", time.Hour)
	q.Push("immediate")

	v := q.Pop()
	assert.Equal(t, "immediate", v)
}
