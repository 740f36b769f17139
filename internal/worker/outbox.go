package worker

import (
	"context"
	"time"

	"github.com/marcusvh/wallet-ledger/internal/repo"
	"go.uber.org/zap"
)

const outboxBatchSize = 100

// Publisher drains unprocessed ledger events to Kafka. Per-event failures are
// logged and retried on the next pass.
type Publisher struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewPublisher returns Publisher.
func NewPublisher(r repo.RepositoryInterface, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{repo: r, log: logger}
}

// Run drains the outbox on a fixed interval until the context is cancelled.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info("outbox publisher started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain publishes one batch of unprocessed events.
func (p *Publisher) Drain(ctx context.Context) {
	events, err := p.repo.PollOutbox(ctx, outboxBatchSize)
	if err != nil {
		p.log.Errorf("poll outbox: %v", err)
		return
	}
	for _, evt := range events {
		if err := p.repo.PublishEvent(ctx, evt); err != nil {
			p.log.Errorf("publish id=%d: %v", evt.ID, err)
			continue
		}
		if err := p.repo.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			p.log.Errorf("mark processed id=%d: %v", evt.ID, err)
		} else {
			p.log.Infof("event %d sent", evt.ID)
		}
	}
}
