// Package workerpool implements the bounded FIFO task queue the core
// dispatches parallel work through: a fixed worker count, or an elastic
// mode that grows up to a cap when the queue backs up and retires idle
// workers afterward, each backed by a 1-second queue-full/idle-timeout
// window.
package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/log"
)

// Mode selects fixed or elastic worker-count behavior.
type Mode int

const (
	// Fixed keeps exactly the initial worker count for the pool's
	// lifetime.
	Fixed Mode = iota
	// Elastic grows the worker count on demand, up to MaxWorkers, when
	// the task queue is full; workers above the initial count that sit
	// idle for IdleTimeout are retired.
	Elastic
)

// DefaultQueueFullTimeout is how long Submit blocks waiting for queue
// capacity before giving up.
const DefaultQueueFullTimeout = time.Second

// DefaultIdleTimeout is how long an elastic worker above the initial
// count sits idle before retiring.
const DefaultIdleTimeout = time.Second

// ErrQueueFull is returned by Submit when the task queue stayed full for
// the whole queue-full timeout and either no new worker could be started
// to drain it (in Fixed mode, or once Elastic is already at MaxWorkers)
// or, in Elastic mode, the one retry after starting a worker also timed
// out.
var ErrQueueFull = errors.New("workerpool: task queue full, task dropped")

// Options configures a new Pool.
type Options struct {
	Mode             Mode
	InitialWorkers   int           // must be >= 1
	MaxWorkers       int           // Elastic only; <=0 means InitialWorkers (no growth)
	QueueSize        int           // bounded queue capacity
	QueueFullTimeout time.Duration // default DefaultQueueFullTimeout
	IdleTimeout      time.Duration // default DefaultIdleTimeout
}

// Pool is a bounded-queue worker pool supporting fixed and elastic
// worker-count modes.
type Pool struct {
	mode             Mode
	maxWorkers       int
	initialWorkers   int
	queueFullTimeout time.Duration
	idleTimeout      time.Duration

	tasks chan func()

	mu      sync.Mutex
	current int
	closed  bool
	wg      sync.WaitGroup

	currentCount int32 // atomic mirror of `current`, for lock-free reads
}

// New starts a pool per opts and returns it running.
func New(opts Options) *Pool {
	if opts.InitialWorkers < 1 {
		opts.InitialWorkers = 1
	}
	maxWorkers := opts.MaxWorkers
	if opts.Mode == Fixed || maxWorkers < opts.InitialWorkers {
		maxWorkers = opts.InitialWorkers
	}
	queueFullTimeout := opts.QueueFullTimeout
	if queueFullTimeout <= 0 {
		queueFullTimeout = DefaultQueueFullTimeout
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	p := &Pool{
		mode:             opts.Mode,
		maxWorkers:       maxWorkers,
		initialWorkers:   opts.InitialWorkers,
		queueFullTimeout: queueFullTimeout,
		idleTimeout:      idleTimeout,
		tasks:            make(chan func(), queueSize),
	}
	for i := 0; i < opts.InitialWorkers; i++ {
		p.startWorker(false)
	}
	log.Printf("workerpool: started mode=%v workers=%d max=%d queue=%d", opts.Mode, opts.InitialWorkers, maxWorkers, queueSize)
	return p
}

// CurrentWorkerCount returns the number of live workers right now.
func (p *Pool) CurrentWorkerCount() int {
	return int(atomic.LoadInt32(&p.currentCount))
}

func (p *Pool) startWorker(elastic bool) {
	p.mu.Lock()
	p.current++
	atomic.StoreInt32(&p.currentCount, int32(p.current))
	p.mu.Unlock()

	p.wg.Add(1)
	go p.workerLoop(elastic)
}

func (p *Pool) workerLoop(retireWhenIdle bool) {
	defer p.wg.Done()
	idleTimer := time.NewTimer(p.idleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				p.retire()
				return
			}
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			task()
			idleTimer.Reset(p.idleTimeout)
		case <-idleTimer.C:
			if retireWhenIdle && p.mode == Elastic {
				p.mu.Lock()
				if p.current > p.initialWorkers {
					p.current--
					atomic.StoreInt32(&p.currentCount, int32(p.current))
					p.mu.Unlock()
					return
				}
				p.mu.Unlock()
			}
			idleTimer.Reset(p.idleTimeout)
		}
	}
}

func (p *Pool) retire() {
	p.mu.Lock()
	p.current--
	atomic.StoreInt32(&p.currentCount, int32(p.current))
	p.mu.Unlock()
}

// submitTask enqueues fn, blocking up to the queue-full timeout for
// capacity. In Elastic mode, a timed-out submission attempting below
// MaxWorkers spawns one more worker and retries once, again waiting up to
// the queue-full timeout; if the queue is still full the submission is
// dropped and ErrQueueFull is returned, in both modes.
func (p *Pool) submitTask(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("workerpool: pool is closed")
	}
	p.mu.Unlock()

	select {
	case p.tasks <- fn:
		return nil
	default:
	}

	timer := time.NewTimer(p.queueFullTimeout)
	defer timer.Stop()
	select {
	case p.tasks <- fn:
		return nil
	case <-timer.C:
	}

	if p.mode == Elastic {
		p.mu.Lock()
		grow := p.current < p.maxWorkers
		p.mu.Unlock()
		if grow {
			p.startWorker(true)
			retry := time.NewTimer(p.queueFullTimeout)
			defer retry.Stop()
			select {
			case p.tasks <- fn:
				return nil
			case <-retry.C:
				log.Error.Printf("workerpool: task dropped after growth, queue still full")
				return ErrQueueFull
			}
		}
	}

	log.Error.Printf("workerpool: task dropped, queue full for %v", p.queueFullTimeout)
	return ErrQueueFull
}

// Shutdown stops accepting new tasks, waits for queued tasks to drain,
// and joins every worker goroutine.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.tasks)
	p.wg.Wait()
}

// Future is the handle for a pending Submit result, analogous to
// std::future in the original source.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Get blocks until the task completes and returns its result.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// Submit schedules fn on the pool and returns a Future for its result.
// Task lifetime exceeds the call to Submit: fn runs on a pool worker
// goroutine independently of the caller.
func Submit[T any](p *Pool, fn func() (T, error)) (*Future[T], error) {
	fut := &Future[T]{done: make(chan struct{})}
	task := func() {
		fut.value, fut.err = fn()
		close(fut.done)
	}
	if err := p.submitTask(task); err != nil {
		var zero T
		fut.value, fut.err = zero, err
		close(fut.done)
		return fut, err
	}
	return fut, nil
}
