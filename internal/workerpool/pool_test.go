package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixedPoolRunsTasks(t *testing.T) {
	p := New(Options{Mode: Fixed, InitialWorkers: 4, QueueSize: 16})
	defer p.Shutdown()
	require.Equal(t, 4, p.CurrentWorkerCount())

	var sum int64
	futures := make([]*Future[int], 0, 20)
	for i := 1; i <= 20; i++ {
		i := i
		fut, err := Submit(p, func() (int, error) {
			atomic.AddInt64(&sum, int64(i))
			return i, nil
		})
		require.NoError(t, err)
		futures = append(futures, fut)
	}
	for _, fut := range futures {
		_, err := fut.Get()
		require.NoError(t, err)
	}
	require.Equal(t, int64(210), atomic.LoadInt64(&sum))
	require.Equal(t, 4, p.CurrentWorkerCount()) // fixed mode never changes
}

func TestElasticPoolGrows(t *testing.T) {
	p := New(Options{
		Mode:             Elastic,
		InitialWorkers:   1,
		MaxWorkers:       4,
		QueueSize:        1,
		QueueFullTimeout: 50 * time.Millisecond,
		IdleTimeout:      50 * time.Millisecond,
	})
	defer p.Shutdown()

	block := make(chan struct{})
	// Occupy the single initial worker so the queue backs up.
	_, err := Submit(p, func() (int, error) {
		<-block
		return 0, nil
	})
	require.NoError(t, err)

	var futures []*Future[int]
	for i := 0; i < 5; i++ {
		fut, err := Submit(p, func() (int, error) { return 1, nil })
		require.NoError(t, err)
		futures = append(futures, fut)
	}
	close(block)
	for _, fut := range futures {
		_, _ = fut.Get()
	}
	require.GreaterOrEqual(t, p.CurrentWorkerCount(), 2)
}

func TestFuture_Get(t *testing.T) {
	p := New(Options{Mode: Fixed, InitialWorkers: 2, QueueSize: 4})
	defer p.Shutdown()

	fut, err := Submit(p, func() (string, error) { return "hello", nil })
	require.NoError(t, err)
	v, err := fut.Get()
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}
