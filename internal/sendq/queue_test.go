package sendq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityLaneDrainsFirst(t *testing.T) {
	m := New()
	require.NoError(t, m.Enqueue([]byte("normal-1")))
	require.NoError(t, m.EnqueuePriority([]byte("prio-1")))
	require.NoError(t, m.Enqueue([]byte("normal-2")))

	var got [][]byte
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		m.Run(func(buf []byte) error {
			mu.Lock()
			got = append(got, buf)
			mu.Unlock()
			if len(got) == 3 {
				close(done)
			}
			return nil
		}, nil)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drain")
	}
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, "prio-1", string(got[0]))
	assert.Equal(t, "normal-1", string(got[1]))
	assert.Equal(t, "normal-2", string(got[2]))
}

func TestPerProducerFIFOPreserved(t *testing.T) {
	m := New()
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Enqueue([]byte{byte(i)}))
	}
	var got []byte
	go m.Run(func(buf []byte) error {
		got = append(got, buf[0])
		if len(got) == 10 {
			m.Close()
		}
		return nil
	}, nil)

	require.Eventually(t, func() bool { return len(got) == 10 }, time.Second, time.Millisecond)
	for i := 0; i < 10; i++ {
		assert.EqualValues(t, i, got[i])
	}
}

func TestSinkFailureInvokesOnFailureAndStops(t *testing.T) {
	m := New()
	require.NoError(t, m.Enqueue([]byte("x")))

	var failure error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(func(buf []byte) error {
			return errors.New("transport gone")
		}, func(err error) {
			failure = err
		})
	}()
	wg.Wait()

	assert.EqualError(t, failure, "transport gone")
	assert.ErrorIs(t, m.Enqueue([]byte("y")), ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := New()
	m.Close()
	assert.NotPanics(t, m.Close)
}
