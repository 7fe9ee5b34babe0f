package outbox

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/stock-holds-and-orders/internal/adapters/postgres"
	"github.com/robertarktes/stock-holds-and-orders/internal/adapters/rabbit"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
)

// Publisher drains NEW outbox rows to RabbitMQ. Delivery is at-least-once;
// consumers deduplicate on the message id.
type Publisher struct {
	repo      *postgres.Repository
	rabbitPub *rabbit.Publisher
	logger    observability.Logger
}

func NewPublisher(repo *postgres.Repository, rabbitPub *rabbit.Publisher, logger observability.Logger) *Publisher {
	return &Publisher{repo: repo, rabbitPub: rabbitPub, logger: logger}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.drain(ctx); err != nil {
				p.logger.Error("outbox drain failed: ", err)
			}
		}
	}
}

func (p *Publisher) drain(ctx context.Context) error {
	return p.repo.WithTx(ctx, func(txCtx context.Context) error {
		records, err := p.repo.GetUnpublishedOutbox(txCtx, 100)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			observability.OutboxLag.Set(time.Since(records[0].CreatedAt).Seconds())
		} else {
			observability.OutboxLag.Set(0)
		}

		for _, rec := range records {
			msg := amqp.Publishing{
				MessageId:   rec.DedupeKey,
				ContentType: "application/json",
				Body:        rec.Payload,
			}
			if err := p.rabbitPub.Publish(txCtx, rec.EventType, msg); err != nil {
				p.logger.WithField("outbox_id", rec.ID).Error("publish failed: ", err)
				continue
			}
			if err := p.repo.MarkPublished(txCtx, rec.ID, time.Now()); err != nil {
				return err
			}
		}
		return nil
	})
}
