// Copyright (c) 2021 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

package memproc

import (
	"context"
	"log/slog"
	"sync"
)

type job struct {
	name string
	fn   func(context.Context)
	done chan struct{}
}

// Queue runs submitted jobs on a fixed pool of workers. Jobs queue up when
// all workers are busy; a panicking job is recovered and logged without
// taking its worker down.
type Queue struct {
	jobs    chan *job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing sync.Once
	log     *slog.Logger
}

// NewQueue starts a queue with the given number of workers.
func NewQueue(workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:   make(chan *job, workers*16),
		ctx:    ctx,
		cancel: cancel,
		log:    slog.Default().With("component", "queue"),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Submit enqueues a job and returns a channel that is closed when the job
// has finished. Submit must not be called after Close.
func (q *Queue) Submit(name string, fn func(context.Context)) <-chan struct{} {
	j := &job{name: name, fn: fn, done: make(chan struct{})}
	q.jobs <- j
	return j.done
}

// Close stops accepting jobs, waits for queued and running jobs to finish
// and releases the workers. Closing twice is a no-op.
func (q *Queue) Close() {
	q.closing.Do(func() {
		close(q.jobs)
	})
	q.wg.Wait()
	q.cancel()
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for j := range q.jobs {
		q.run(id, j)
	}
}

func (q *Queue) run(id int, j *job) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job panicked", "worker", id, "job", j.name, "panic", r)
		}
	}()

	q.log.Debug("job started", "worker", id, "job", j.name)
	j.fn(q.ctx)
	q.log.Debug("job finished", "worker", id, "job", j.name)
}
