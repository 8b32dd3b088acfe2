package worker

import (
	"container/list"
	"context"
	"errors"
	"log"
	"sync"

	"taxreply/internal/config"
)

var (
	// ErrDispatcherBusy is returned by Submit when the intake queue is full.
	ErrDispatcherBusy = errors.New("reindex queue is full")
	// ErrDispatcherClosed is returned by Submit after Close.
	ErrDispatcherClosed = errors.New("reindex dispatcher closed")
)

const defaultQueueSize = 64

type caseQueue struct {
	jobs     []Job
	enqueued bool
	running  bool
}

// Dispatcher feeds background jobs to the worker pool. Each case has its own FIFO and cases
// take turns, so a large upload cannot starve other cases. A case has at most one job
// running; its next job is dispatched only after the previous one returned.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job // intake for outer jobs

	mu     sync.Mutex
	queues map[int64]*caseQueue
	ready  *list.List // case ids with pending jobs and nothing running, in service order
	wake   chan struct{}

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(cfg config.WorkerConfig, handler Handler) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		jobQueue: make(chan Job, queueSize),
		queues:   make(map[int64]*caseQueue),
		ready:    list.New(),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, func(ctx context.Context, job Job) error {
		defer d.finish(job.CaseID)
		return handler(ctx, job)
	})

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit hands a job over without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.jobQueue <- job:
		debugLog("[dispatcher] accepted %s document %d (case %d)", job.Type, job.DocumentID, job.CaseID)
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Close stops dispatching, drops jobs that never reached a worker and waits for running ones.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.quit) })
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if dropped := d.Pending(); dropped > 0 {
		log.Printf("reindex dispatcher closed with %d pending jobs", dropped)
	}
	return d.pool.close(ctx)
}

// Pending counts accepted jobs not yet handed to a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.jobQueue)
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	return n
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		if !d.hasReady() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.wake:
			case <-d.quit:
				return
			}
			continue
		}
		// wait for a worker first, so the case order reflects everything submitted meanwhile
		workerChan, workerID := d.pool.acquire()
		if workerChan == nil {
			return
		}
		d.drainIntake()
		job := d.next()
		debugLog("[dispatcher] assign %s document %d for case %d to worker-%d", job.Type, job.DocumentID, job.CaseID, workerID)
		workerChan <- job
	}
}

func (d *Dispatcher) drainIntake() {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) hasReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len() > 0
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.CaseID]
	if q == nil {
		q = &caseQueue{}
		d.queues[job.CaseID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.running {
		return
	}
	q.enqueued = true
	d.ready.PushBack(job.CaseID)
}

// next pops a job of the first ready case and parks the case until the job returns. The
// ready list must not be empty.
func (d *Dispatcher) next() Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	elem := d.ready.Front()
	caseID := elem.Value.(int64)
	d.ready.Remove(elem)
	q := d.queues[caseID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	return job
}

// finish puts a case back at the end of the ready list once its running job returned.
func (d *Dispatcher) finish(caseID int64) {
	d.mu.Lock()
	q := d.queues[caseID]
	if q == nil {
		d.mu.Unlock()
		return
	}
	q.running = false
	if len(q.jobs) == 0 {
		delete(d.queues, caseID)
		d.mu.Unlock()
		return
	}
	q.enqueued = true
	d.ready.PushBack(caseID)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
