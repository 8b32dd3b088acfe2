package worker

import (
	"context"
	"sync"
	"time"
)

type workerMeta struct {
	id        int
	ch        chan Job
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type jobChannelPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan Job]*workerMeta
	min      int
	max      int
	running  int
	nextID   int
	expiry   time.Duration
	closed   bool

	handler    Handler
	jobTimeout time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	quit       chan struct{}
}

const (
	defaultWorkerIdle = 30 * time.Second
	defaultJobTimeout = 5 * time.Minute
)

func newJobChannelPool(minWorkers, maxWorkers int, idle time.Duration, handler Handler) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &jobChannelPool{
		metadata:   make(map[chan Job]*workerMeta),
		min:        minWorkers,
		max:        maxWorkers,
		expiry:     idle,
		handler:    handler,
		jobTimeout: defaultJobTimeout,
		ctx:        ctx,
		cancel:     cancel,
		quit:       make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// newWorkerLocked registers a worker; the caller starts it after unlocking.
func (p *jobChannelPool) newWorkerLocked() *Worker {
	p.nextID++
	worker := NewWorker(p.nextID, p)
	p.metadata[worker.jobChannel] = &workerMeta{id: p.nextID, ch: worker.jobChannel}
	p.running++
	p.wg.Add(1)
	return worker
}

// spawnWorker adds a new worker, used to warm the pool up.
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	if p.closed || p.running >= p.max {
		p.mu.Unlock()
		return
	}
	worker := p.newWorkerLocked()
	p.mu.Unlock()
	worker.Start()
}

// acquire gets an idle worker or spawns a new one. It returns nil once the pool is closed.
func (p *jobChannelPool) acquire() (chan Job, int) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, 0
		}
		if meta := p.popIdleLocked(); meta != nil {
			p.mu.Unlock()
			return meta.ch, meta.id
		}
		if p.running < p.max {
			worker := p.newWorkerLocked()
			p.mu.Unlock()
			worker.Start()
			continue
		}
		p.cond.Wait()
		p.mu.Unlock()
	}
}

// Release puts a worker back on the idle list. It reports false when the worker should exit.
func (p *jobChannelPool) Release(ch chan Job) bool {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded {
		p.mu.Unlock()
		return false
	}
	if p.closed {
		delete(p.metadata, ch)
		meta.discarded = true
		p.running--
		p.mu.Unlock()
		p.cond.Broadcast()
		return false
	}
	if !meta.enqueued {
		meta.enqueued = true
		meta.lastUsed = time.Now()
		p.idle = append(p.idle, meta)
	}
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// retire deletes a worker
func (p *jobChannelPool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// popIdleLocked returns the oldest idle worker, if any.
func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

func (p *jobChannelPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.shutdownExpired()
		}
	}
}

// shutdownExpired retires idle workers above the minimum that were unused for a full period.
func (p *jobChannelPool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if p.closed || len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0]
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		meta.ch <- Job{Type: Stop}
	}
}

// close stops idle workers, lets busy ones finish their job and waits for all of them.
func (p *jobChannelPool) close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	close(p.quit)
	p.cond.Broadcast()

	for _, meta := range idle {
		if !meta.discarded {
			meta.ch <- Job{Type: Stop}
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *jobChannelPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
