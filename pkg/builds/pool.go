package builds

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull      = errors.New("build queue is full")
	ErrAlreadyTracked = errors.New("project already has a build in flight")
	ErrPoolClosed     = errors.New("build pool is shutting down")
)

// Handler runs the build of one project.
type Handler func(ctx context.Context, projectID string) error

type Stats struct {
	Workers  int `json:"workers"`
	Capacity int `json:"capacity"`
	Queued   int `json:"queued"`
	Running  int `json:"running"`
}

// Pool runs builds on a fixed number of workers. Admission is bounded: a
// project holds a slot from Reserve until its build returns, and a project
// id can hold at most one slot at a time.
type Pool struct {
	workers  int
	capacity int
	handler  Handler
	log      *logrus.Logger

	mu      sync.Mutex
	tracked map[string]bool
	running int
	closed  bool

	queue chan string
	stop  chan struct{}
	wg    sync.WaitGroup

	runCtx    context.Context
	cancelRun context.CancelFunc
	startOnce sync.Once
}

func NewPool(workers, queueSize int, handler Handler, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	runCtx, cancel := context.WithCancel(context.Background())
	capacity := workers + queueSize

	return &Pool{
		workers:   workers,
		capacity:  capacity,
		handler:   handler,
		log:       logger,
		tracked:   map[string]bool{},
		queue:     make(chan string, capacity),
		stop:      make(chan struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.work()
		}
	})
}

// Reserve claims a slot for id without blocking.
func (p *Pool) Reserve(id string) (*Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, ErrPoolClosed
	case p.tracked[id]:
		return nil, ErrAlreadyTracked
	case len(p.tracked) >= p.capacity:
		return nil, ErrQueueFull
	}

	p.tracked[id] = true
	return &Ticket{pool: p, id: id}, nil
}

// Tracked reports whether id holds a slot, queued or running.
func (p *Pool) Tracked(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracked[id]
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:  p.workers,
		Capacity: p.capacity,
		Queued:   len(p.tracked) - p.running,
		Running:  p.running,
	}
}

// Shutdown stops taking work and waits for running builds. When ctx ends
// first the remaining builds are cancelled and awaited. Queued projects stay
// queued in the registry and are picked up again after a restart.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelRun()
		return nil
	case <-ctx.Done():
		p.cancelRun()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		select {
		case <-p.stop:
			return
		case id := <-p.queue:
			p.run(id)
		}
	}
}

func (p *Pool) run(id string) {
	p.mu.Lock()
	if p.closed {
		delete(p.tracked, id)
		p.mu.Unlock()
		return
	}
	p.running++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running--
		delete(p.tracked, id)
		p.mu.Unlock()
	}()

	if err := p.handler(p.runCtx, id); err != nil {
		p.log.WithField("project_id", id).Errorf("build handler: %v", err)
	}
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tracked, id)
}

// Ticket is a reserved slot. It must be either submitted or released.
type Ticket struct {
	pool *Pool
	id   string
	once sync.Once
	err  error
}

// Submit hands the project to the workers. The reservation guarantees queue
// space, so Submit never blocks.
func (t *Ticket) Submit() error {
	t.once.Do(func() {
		p := t.pool
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.closed {
			delete(p.tracked, t.id)
			t.err = ErrPoolClosed
			return
		}
		p.queue <- t.id
	})
	return t.err
}

// Release gives the slot back without running anything.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.pool.release(t.id)
	})
}
