package queue

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for action to settle")
		return nil
	}
}

func TestFIFOOrder(t *testing.T) {
	q := New()
	defer q.Close()

	var order []int
	done := make([]<-chan error, 3)
	for i := 0; i < 3; i++ {
		i := i
		done[i] = q.Run(func() (bool, error) {
			order = append(order, i)
			return true, nil
		})
	}
	for _, ch := range done {
		require.NoError(t, wait(t, ch))
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestHeadRetriesUntilDone(t *testing.T) {
	q := New()
	defer q.Close()

	var attempts atomic.Int32
	var attemptsWhenSecondRan atomic.Int32

	first := q.Run(func() (bool, error) {
		n := attempts.Add(1)
		return n >= 3, nil
	})
	second := q.Run(func() (bool, error) {
		attemptsWhenSecondRan.Store(attempts.Load())
		return true, nil
	})

	// Each kick allows one more attempt at the head. Kicks can coalesce,
	// so keep kicking until the head has had its three attempts.
	for attempts.Load() < 3 {
		q.Kick()
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, wait(t, first))
	require.NoError(t, wait(t, second))
	assert.Equal(t, int32(3), attempts.Load())
	// The second item never overtakes a retrying head.
	assert.Equal(t, int32(3), attemptsWhenSecondRan.Load())
}

func TestFailedActionIsRemoved(t *testing.T) {
	q := New()
	defer q.Close()

	boom := errors.New("boom")
	first := q.Run(func() (bool, error) { return false, boom })
	second := q.Run(func() (bool, error) { return true, nil })

	assert.ErrorIs(t, wait(t, first), boom)
	assert.NoError(t, wait(t, second))
}

func TestClosePendingItemsFail(t *testing.T) {
	q := New()

	block := q.Run(func() (bool, error) { return false, nil })
	queued := q.Run(func() (bool, error) { return true, nil })

	// Give the drain loop a chance to park the head.
	time.Sleep(10 * time.Millisecond)
	q.Close()

	assert.ErrorIs(t, wait(t, block), ErrClosed)
	assert.ErrorIs(t, wait(t, queued), ErrClosed)

	// Run after Close fails immediately.
	assert.ErrorIs(t, wait(t, q.Run(func() (bool, error) { return true, nil })), ErrClosed)
}

func TestActionMayEnqueueMore(t *testing.T) {
	q := New()
	defer q.Close()

	inner := make(chan (<-chan error), 1)
	outer := q.Run(func() (bool, error) {
		inner <- q.Run(func() (bool, error) { return true, nil })
		return true, nil
	})

	require.NoError(t, wait(t, outer))
	require.NoError(t, wait(t, <-inner))
}
