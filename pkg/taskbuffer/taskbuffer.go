// Package taskbuffer runs units of work with a fixed ceiling on how many run
// at once.
//
// One goroutine owns the set of running tasks. Submissions reach it through a
// channel and wait in a FIFO queue until a slot frees up, so capacity checks
// never race between submitters. Units may submit further units; those are
// queued and the submitting unit continues, since it already holds a slot.
package taskbuffer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"statical/pkg/utils"
)

var (
	ErrClosed       = errors.New("task buffer closed")
	ErrJoinFromTask = errors.New("task buffer joined from one of its own tasks")
)

// Func is a unit of work. The context is cancelled when the buffer's scope
// ends.
type Func func(ctx context.Context) error

// Task is the handle for one submitted unit.
type Task struct {
	id      uint64
	started chan struct{}
	done    chan struct{}
	err     error
}

// ID is unique within the buffer that created the task.
func (t *Task) ID() uint64 { return t.id }

// Started is closed when the task is dispatched. It is never closed for a
// task discarded before it ran.
func (t *Task) Started() <-chan struct{} { return t.started }

// Done is closed when the task has finished or was discarded.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's failure. Only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes and returns its failure.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Stats is a snapshot of the buffer's bookkeeping.
type Stats struct {
	Running    int
	Pending    int
	Dispatched uint64
	Completed  uint64
	Failed     uint64
}

type request struct {
	ctx  context.Context
	fn   Func
	task *Task
}

type unitKey struct{}

// Buffer is a bounded task scheduler. Create it with New and release it with
// Close.
type Buffer struct {
	max int
	log *logrus.Entry

	ctx    context.Context // scope shared by every unit
	cancel context.CancelFunc

	requests  chan *request
	completed chan *Task
	joins     chan chan struct{}
	statsReq  chan chan Stats
	quit      chan struct{}
	stopped   chan struct{}

	nextID    atomic.Uint64
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts a buffer that runs at most max units at a time. Units run with a
// context derived from parent.
func New(parent context.Context, max int, log *logrus.Entry) *Buffer {
	if max < 1 {
		max = 1
	}
	ctx, cancel := context.WithCancel(parent)
	b := &Buffer{
		max:       max,
		log:       log.WithField("component", "taskbuffer"),
		ctx:       ctx,
		cancel:    cancel,
		requests:  make(chan *request),
		completed: make(chan *Task),
		joins:     make(chan chan struct{}),
		statsReq:  make(chan chan Stats),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Max returns the concurrency ceiling.
func (b *Buffer) Max() int { return b.max }

// Spawn submits fn and blocks until it has been dispatched to a free slot.
//
// When ctx belongs to a unit already running in this buffer, Spawn returns as
// soon as the request is queued: the caller holds a slot, and waiting for
// another one could stall every slot at once.
//
// If ctx ends before dispatch, Spawn returns ctx.Err() and the unit is
// discarded without running.
func (b *Buffer) Spawn(ctx context.Context, fn Func) (*Task, error) {
	t := &Task{
		id:      b.nextID.Add(1),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	req := &request{ctx: ctx, fn: fn, task: t}

	select {
	case b.requests <- req:
	case <-b.stopped:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if b.heldBy(ctx) {
		return t, nil
	}

	select {
	case <-t.started:
	case <-t.done:
	case <-ctx.Done():
	}
	// Once dispatched, the unit's outcome belongs to its Task only.
	select {
	case <-t.started:
		return t, nil
	default:
	}
	select {
	case <-t.done:
		return t, t.err
	default:
		return t, ctx.Err()
	}
}

// Wait blocks until no unit is running and none is queued, including units
// submitted while Wait was blocked. A failing unit does not make Wait fail;
// its error stays on its Task.
func (b *Buffer) Wait(ctx context.Context) error {
	if b.heldBy(ctx) {
		return ErrJoinFromTask
	}
	idle := make(chan struct{})
	select {
	case b.joins <- idle:
	case <-b.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-idle:
		return nil
	case <-b.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot from the coordinating loop. A closed buffer
// reports zero values.
func (b *Buffer) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case b.statsReq <- reply:
		return <-reply
	case <-b.stopped:
		return Stats{}
	}
}

// Close cancels the scope, discards queued units and waits for running ones
// to return.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		close(b.quit)
		<-b.stopped
		b.wg.Wait()
	})
}

func (b *Buffer) heldBy(ctx context.Context) bool {
	owner, _ := ctx.Value(unitKey{}).(*Buffer)
	return owner == b
}

func (b *Buffer) loop() {
	defer close(b.stopped)

	running := make(map[uint64]*Task, b.max)
	var pending []*request
	var waiters []chan struct{}
	var dispatched, completed, failed uint64

	for {
		for len(pending) > 0 && len(running) < b.max {
			req := pending[0]
			pending[0] = nil
			pending = pending[1:]
			if b.dispatch(req, running) {
				dispatched++
			} else {
				completed++
				failed++
			}
		}
		if len(pending) == 0 && len(running) == 0 {
			for _, w := range waiters {
				close(w)
			}
			waiters = nil
		}

		select {
		case req := <-b.requests:
			pending = append(pending, req)
		case t := <-b.completed:
			delete(running, t.id)
			completed++
			if t.err != nil {
				failed++
			}
		case w := <-b.joins:
			waiters = append(waiters, w)
		case reply := <-b.statsReq:
			reply <- Stats{
				Running:    len(running),
				Pending:    len(pending),
				Dispatched: dispatched,
				Completed:  completed,
				Failed:     failed,
			}
		case <-b.quit:
			for _, req := range pending {
				req.task.finish(ErrClosed)
			}
			if len(pending) > 0 {
				b.log.Debugf("Discarded %d queued tasks on close", len(pending))
			}
			return
		}
	}
}

// dispatch starts req unless its submitter or the scope is already done, in
// which case the task is finished with that error. Reports whether it started.
func (b *Buffer) dispatch(req *request, running map[uint64]*Task) bool {
	t := req.task
	if err := b.ctx.Err(); err != nil {
		t.finish(err)
		return false
	}
	if err := req.ctx.Err(); err != nil {
		t.finish(err)
		return false
	}

	running[t.id] = t
	close(t.started)
	b.wg.Add(1)
	go b.run(req)
	return true
}

func (b *Buffer) run(req *request) {
	defer b.wg.Done()
	t := req.task
	t.finish(b.call(req.fn, t.id))
	select {
	case b.completed <- t:
	case <-b.stopped:
	}
}

func (b *Buffer) call(fn Func, id uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", utils.ErrTaskPanic, r)
			b.log.WithField("task", id).Errorf("PANIC in task: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(context.WithValue(b.ctx, unitKey{}, b))
}
