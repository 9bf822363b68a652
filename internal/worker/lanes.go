package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrLanesClosed = errors.New("lanes closed")

const (
	jobQueued int32 = iota
	jobRunning
	jobAbandoned
)

type laneJob struct {
	ctx   context.Context
	fn    func(context.Context) error
	state int32
	done  chan error
}

type lane struct {
	queue []*laneJob
}

// Lanes serializes work per conversation: each conversation id gets its own
// goroutine that runs jobs in arrival order and exits once its queue is
// empty. Work for different ids runs in parallel.
type Lanes struct {
	mu     sync.Mutex
	lanes  map[uint]*lane
	closed bool
	wg     sync.WaitGroup
}

func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[uint]*lane)}
}

// Do runs fn on id's lane and waits for it. If ctx ends while the job is
// still queued the job is skipped and ctx.Err() returned; once started the
// job is waited for.
func (l *Lanes) Do(ctx context.Context, id uint, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job := &laneJob{ctx: ctx, fn: fn, done: make(chan error, 1)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLanesClosed
	}
	ln, ok := l.lanes[id]
	if !ok {
		ln = &lane{}
		l.lanes[id] = ln
		l.wg.Add(1)
		go l.run(id, ln)
	}
	ln.queue = append(ln.queue, job)
	l.mu.Unlock()

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		if atomic.CompareAndSwapInt32(&job.state, jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		return <-job.done
	}
}

func (l *Lanes) run(id uint, ln *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ln.queue) == 0 {
			delete(l.lanes, id)
			l.mu.Unlock()
			return
		}
		job := ln.queue[0]
		ln.queue[0] = nil
		ln.queue = ln.queue[1:]
		l.mu.Unlock()

		if !atomic.CompareAndSwapInt32(&job.state, jobQueued, jobRunning) {
			continue
		}
		job.done <- job.fn(job.ctx)
	}
}

// Active reports how many conversations currently have a running lane.
func (l *Lanes) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// Close rejects new work and waits for queued jobs to drain.
func (l *Lanes) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}
