package work

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/procflow/procflow/logger"
	"github.com/procflow/procflow/persistence"
	"github.com/procflow/procflow/util"
	"go.uber.org/zap"
)

// Pool polls the work queue and executes items on a bounded worker. It runs
// as one executor inside the agent.
type Pool struct {
	queue   persistence.WorkQueue
	handler *Handler
	encDec  *util.JsonEncDec[Item]
	worker  *util.Worker
	tw      *util.TickWorker
	stop    chan struct{}
	wake    chan struct{}
}

func NewPool(queue persistence.WorkQueue, handler *Handler, capacity int, pollInterval time.Duration, wg *sync.WaitGroup) *Pool {
	if capacity <= 0 {
		capacity = 100
	}
	p := &Pool{
		queue:   queue,
		handler: handler,
		encDec:  util.NewJsonEncoderDecoder[Item](),
		stop:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	p.worker = util.NewWorker("work-pool", wg, p.handleTask, capacity)
	p.tw = util.NewTickWorker("work-poller", pollInterval, p.stop, p.wake, p.poll, wg)
	return p
}

func (p *Pool) Name() string {
	return "work-pool"
}

func (p *Pool) Start() error {
	// Items a previous incarnation popped but never acked go back first.
	if err := p.queue.Recover(context.Background()); err != nil {
		return err
	}
	p.worker.Start()
	p.tw.Start()
	return nil
}

func (p *Pool) Stop() error {
	p.tw.Stop()
	p.worker.Stop()
	return nil
}

func (p *Pool) poll() {
	items, err := p.queue.Pop(context.Background(), cap(p.worker.Sender()))
	if err != nil {
		logger.Error("error polling work queue", zap.Error(err))
		return
	}
	for _, raw := range items {
		item, err := p.encDec.Decode(raw)
		if err != nil {
			logger.Error("dropping undecodable work item", zap.Error(err))
			if err := p.queue.Ack(context.Background(), raw); err != nil {
				logger.Error("error acking dropped work item", zap.Error(err))
			}
			continue
		}
		p.worker.Sender() <- poolTask{raw: raw, item: *item}
	}
	if len(items) > 0 {
		// Drain the backlog without waiting for the next tick.
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// poolTask carries the decoded item together with its wire form, which the
// ack after execution needs.
type poolTask struct {
	raw  []byte
	item Item
}

func (p *Pool) handleTask(task util.Task) error {
	pt, ok := task.(poolTask)
	if !ok {
		return fmt.Errorf("unexpected task type %T", task)
	}
	if err := p.handler.Execute(context.Background(), pt.item); err != nil {
		// The item stays in flight and is redelivered after a restart.
		return err
	}
	return p.queue.Ack(context.Background(), pt.raw)
}
