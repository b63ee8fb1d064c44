package worker

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"notification-gateway/internal/notifications"
	"notification-gateway/internal/observability"
	natsq "notification-gateway/internal/queue/nats"
)

const depthReportInterval = 10 * time.Second

// Pool runs a fixed number of slots per channel. Each slot long-polls
// the channel's consumer for a batch and processes it sequentially;
// concurrency comes from the slot count, not per-message goroutines,
// so back-pressure is the fetch itself.
type Pool struct {
	queue      *natsq.Queue
	dispatcher *Dispatcher
	channels   []notifications.Channel
	slots      int
	metrics    *observability.Metrics
	logger     *zap.Logger

	wg sync.WaitGroup
}

// NewPool sizes the pool. slots <= 0 defaults to NumCPU * 4 spread
// across channels, minimum one slot per channel.
func NewPool(queue *natsq.Queue, dispatcher *Dispatcher, channels []notifications.Channel, slots int, metrics *observability.Metrics, logger *zap.Logger) *Pool {
	if slots <= 0 {
		slots = runtime.NumCPU() * 4 / len(channels)
	}
	if slots < 1 {
		slots = 1
	}
	return &Pool{
		queue:      queue,
		dispatcher: dispatcher,
		channels:   channels,
		slots:      slots,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run starts the slots and the depth reporter, then blocks until the
// context ends and every slot drains its in-flight batch.
func (p *Pool) Run(ctx context.Context) error {
	for _, channel := range p.channels {
		consumer, err := p.queue.Consumer(channel)
		if err != nil {
			return err
		}
		for i := 0; i < p.slots; i++ {
			p.wg.Add(1)
			go p.slot(ctx, channel, consumer, i)
		}
		p.logger.Info("worker slots started",
			zap.String("channel", string(channel)),
			zap.Int("slots", p.slots))
	}

	p.wg.Add(1)
	go p.reportDepth(ctx)

	p.wg.Wait()
	return nil
}

func (p *Pool) slot(ctx context.Context, channel notifications.Channel, consumer *natsq.Consumer, id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.String("channel", string(channel)), zap.Int("slot", id))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := consumer.Fetch(ctx)
		if err != nil {
			logger.Error("fetch failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, delivery := range deliveries {
			p.dispatcher.Process(ctx, delivery)
		}
	}
}

func (p *Pool) reportDepth(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(depthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, channel := range p.channels {
				depth, err := p.queue.Depth(channel)
				if err != nil {
					p.logger.Debug("failed to read queue depth", zap.Error(err))
					continue
				}
				p.metrics.QueueDepth.WithLabelValues(string(channel)).Set(float64(depth))
			}
		}
	}
}
