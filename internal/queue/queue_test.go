package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := New(0, DropOldest)

	for i := range 100 {
		_, err := q.Push(1, []byte{byte(i)})
		require.NoError(t, err)
	}
	assert.Equal(t, 100, q.Len(1))

	for i := range 100 {
		msg, ok := q.Pop(1)
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, msg)
	}

	msg, ok := q.Pop(1)
	assert.False(t, ok)
	assert.Nil(t, msg)
}

func TestQueueStreamsIndependent(t *testing.T) {
	q := New(0, DropOldest)

	_, _ = q.Push(1, []byte("a1"))
	_, _ = q.Push(2, []byte("b1"))
	_, _ = q.Push(1, []byte("a2"))

	msg, _ := q.Pop(2)
	assert.Equal(t, "b1", string(msg))
	msg, _ = q.Pop(1)
	assert.Equal(t, "a1", string(msg))
	msg, _ = q.Pop(1)
	assert.Equal(t, "a2", string(msg))

	_, ok := q.Pop(3)
	assert.False(t, ok)
}

func TestQueueOverflow(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		wantErr     error
		wantEvicted bool
		wantHead    string
	}{
		{"drop oldest", DropOldest, nil, true, "m2"},
		{"reject new", RejectNew, ErrFull, false, "m1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(2, tt.policy)
			_, _ = q.Push(0, []byte("m1"))
			_, _ = q.Push(0, []byte("m2"))

			evicted, err := q.Push(0, []byte("m3"))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantEvicted, evicted)
			assert.Equal(t, 2, q.Len(0))
			assert.EqualValues(t, 1, q.Dropped())

			head, ok := q.Pop(0)
			require.True(t, ok)
			assert.Equal(t, tt.wantHead, string(head))
		})
	}
}

func TestQueueNotify(t *testing.T) {
	q := New(0, DropOldest)
	ch := q.Notify(5)

	select {
	case <-ch:
		t.Fatal("notified before any push")
	default:
	}

	_, _ = q.Push(5, []byte("x"))
	_, _ = q.Push(5, []byte("y"))

	select {
	case <-ch:
	default:
		t.Fatal("expected a notification after push")
	}
}

func TestQueueRemove(t *testing.T) {
	q := New(0, DropOldest)
	_, _ = q.Push(7, []byte("x"))
	q.Remove(7)
	assert.Equal(t, 0, q.Len(7))
}

func TestQueueConcurrentProducerConsumer(t *testing.T) {
	const n = 10000
	q := New(0, DropOldest)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range n {
			_, _ = q.Push(0, []byte(fmt.Sprint(i)))
		}
	}()

	got := 0
	for got < n {
		msg, ok := q.Pop(0)
		if !ok {
			<-q.Notify(0)
			continue
		}
		require.Equal(t, fmt.Sprint(got), string(msg))
		got++
	}
	wg.Wait()
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DropOldest.Validate())
	assert.NoError(t, RejectNew.Validate())
	assert.Error(t, Policy("drop-newest").Validate())
}
