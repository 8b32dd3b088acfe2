package worker

import (
	"context"
	"log"

	"taxreply/internal/metrics"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.wg.Done()
		for {
			// back to the idle list, unless the pool is shutting down
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				debugLog("[worker-%d] stopped", w.id)
				return
			}
			w.run(job)
		}
	}()
}

func (w *Worker) run(job Job) {
	ctx, cancel := context.WithTimeout(w.pool.ctx, w.pool.jobTimeout)
	defer cancel()

	outcome := "ok"
	if err := w.pool.handler(ctx, job); err != nil {
		outcome = "error"
		log.Printf("%s document %d failed: %v", job.Type, job.DocumentID, err)
	}
	metrics.ReindexJobs.WithLabelValues(string(job.Type), outcome).Inc()
	debugLog("[worker-%d] %s document %d: %s", w.id, job.Type, job.DocumentID, outcome)
}
