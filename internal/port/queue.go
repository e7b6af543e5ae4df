package port

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrWouldBlock is returned by a non-blocking Poll or Dequeue on an empty port
	ErrWouldBlock = errors.New("port would block")
	// ErrClosed is returned once the queue has been closed
	ErrClosed = errors.New("port closed")
	// ErrNotOwner is returned when enqueuing a task the port did not hand out
	ErrNotOwner = errors.New("task not held by this port")
)

// Side selects one end of a Queue
type Side int

const (
	Producer Side = iota // fills idle tasks and hands them over
	Consumer             // takes filled tasks and hands them back
)

func (s Side) String() string {
	if s == Producer {
		return "producer"
	}
	return "consumer"
}

// Queue is a bounded ring of reusable tasks shared by a producer and a consumer.
//
// Tasks start idle on the producer side. Producer Dequeue/Enqueue moves a task
// to the consumer; consumer Dequeue/Enqueue moves it back. Each side may
// register a hook fired after every Enqueue on that side.
type Queue struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	idle   []*Task
	ready  []*Task
	closed bool
	hooks  [2]func()

	ports [2]*Port
}

// NewQueue creates a queue holding count tasks
func NewQueue(name string, count int) *Queue {
	if count <= 0 {
		count = 1
	}
	q := &Queue{
		name: name,
		idle: make([]*Task, 0, count),
	}
	q.cond = sync.NewCond(&q.mu)
	for i := 0; i < count; i++ {
		q.idle = append(q.idle, &Task{index: i})
	}
	q.ports[Producer] = &Port{q: q, side: Producer}
	q.ports[Consumer] = &Port{q: q, side: Consumer}
	return q
}

// Name returns the queue's name
func (q *Queue) Name() string {
	return q.name
}

// Producer returns the producer-side port
func (q *Queue) Producer() *Port {
	return q.ports[Producer]
}

// Consumer returns the consumer-side port
func (q *Queue) Consumer() *Port {
	return q.ports[Consumer]
}

// OnEnqueue registers fn to run after each Enqueue on side.
// fn runs without the queue lock held.
func (q *Queue) OnEnqueue(side Side, fn func()) {
	q.mu.Lock()
	q.hooks[side] = fn
	q.mu.Unlock()
}

// Close wakes every blocked poller; later operations return ErrClosed
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Counts returns the number of tasks waiting on each side
func (q *Queue) Counts() (idle, ready int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.idle), len(q.ready)
}

func (q *Queue) list(side Side) *[]*Task {
	if side == Producer {
		return &q.idle
	}
	return &q.ready
}

// Port is one side of a Queue
type Port struct {
	q    *Queue
	side Side
}

// Side returns which end of the queue the port serves
func (p *Port) Side() Side {
	return p.side
}

// Poll checks for an available task without removing it.
// With block set it waits until a task arrives, the queue closes or ctx ends.
func (p *Port) Poll(ctx context.Context, block bool) error {
	q := p.q
	if block {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer stop()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return ErrClosed
		}
		if len(*q.list(p.side)) > 0 {
			return nil
		}
		if !block {
			return ErrWouldBlock
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
}

// Dequeue removes the oldest available task from this side
func (p *Port) Dequeue() (*Task, error) {
	q := p.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	l := q.list(p.side)
	if len(*l) == 0 {
		return nil, ErrWouldBlock
	}
	t := (*l)[0]
	*l = (*l)[1:]
	if p.side == Producer {
		t.state = stateProducer
	} else {
		t.state = stateConsumer
	}
	return t, nil
}

// Enqueue hands a task held by this side to the other side
func (p *Port) Enqueue(t *Task) error {
	q := p.q
	q.mu.Lock()

	want := stateProducer
	if p.side == Consumer {
		want = stateConsumer
	}
	if t == nil || t.state != want {
		q.mu.Unlock()
		return fmt.Errorf("%s %s enqueue: %w", q.name, p.side, ErrNotOwner)
	}

	if p.side == Producer {
		t.state = stateReady
		q.ready = append(q.ready, t)
	} else {
		t.state = stateIdle
		q.idle = append(q.idle, t)
	}
	hook := q.hooks[p.side]
	q.cond.Broadcast()
	q.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}
