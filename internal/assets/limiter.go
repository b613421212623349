package assets

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Limiter is the single global prefetch lane. Tasks run strictly one at a
// time with a fixed delay between them, so speculative work never bursts the
// remote APIs and starves the foreground interactive request. Task failures
// are logged and swallowed; one bad prefetch must not stall the queue.
type Limiter struct {
	spacing time.Duration
	tasks   chan limiterTask

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type limiterTask struct {
	name string
	run  func(ctx context.Context) error
}

// NewLimiter starts the lane goroutine. spacing is the inter-task delay.
func NewLimiter(spacing time.Duration) *Limiter {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		spacing: spacing,
		tasks:   make(chan limiterTask, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Enqueue adds a task to the lane. When the queue is full the task is dropped:
// prefetch is best-effort and the foreground path will fetch on demand.
func (l *Limiter) Enqueue(name string, task func(ctx context.Context) error) {
	select {
	case l.tasks <- limiterTask{name: name, run: task}:
	case <-l.ctx.Done():
	default:
		logrus.WithField("task", name).Debug("prefetch queue full, dropping")
	}
}

// Close stops the lane and waits for the in-flight task to finish.
func (l *Limiter) Close() {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
	})
}

func (l *Limiter) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case t := <-l.tasks:
			if err := t.run(l.ctx); err != nil {
				logrus.WithError(err).WithField("task", t.name).Debug("prefetch task failed")
			}
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(l.spacing):
			}
		}
	}
}
