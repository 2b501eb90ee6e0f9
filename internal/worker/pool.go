package worker

import (
	"context"
	"errors"
	"sync"

	"coupon-service/internal/broker"

	"go.uber.org/zap"
)

// Pool runs persistence workers side by side. Each worker owns its own
// receiver, so each is a separate member of the consumer group.
type Pool struct {
	workers []*PersistenceWorker
	wg      sync.WaitGroup
}

// NewPool creates a pool
func NewPool(workers ...*PersistenceWorker) *Pool {
	return &Pool{workers: workers}
}

// Start launches every worker in its own goroutine
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *PersistenceWorker) {
			defer p.wg.Done()
			if err := w.Start(ctx); err != nil {
				w.logger.Error("Persistence worker stopped", zap.Error(err))
			}
		}(w)
	}
}

// Stop closes every worker and waits for them to return
func (p *Pool) Stop() error {
	var errs []error
	for _, w := range p.workers {
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

// NewKafkaPool builds n workers on the given topic. Requeued events are
// written back through retry and exhausted ones through deadLetter.
func NewKafkaPool(n int, cfg broker.ConsumerConfig, retry, deadLetter *broker.Producer,
	writer ResultWriter, cache UserCache, opts Options) *Pool {
	workers := make([]*PersistenceWorker, n)
	for i := range workers {
		consumer := broker.NewConsumer(cfg, retry, deadLetter)
		workers[i] = NewPersistenceWorker(i, consumer, writer, cache, opts)
	}
	return NewPool(workers...)
}
