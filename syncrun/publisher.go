package syncrun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"

	"airweave.ai/core/common"
)

const defaultPublishThreshold = 25

// Publisher pushes job progress over Redis pubsub. Two channels per job:
// sync_job/{job_id} carries the flat counters for progress bars, and
// sync_job_state/{job_id} carries the per-entity-type state snapshot.
// Publishing is best-effort; a publish failure never fails the sync.
type Publisher struct {
	client    *redis.Client
	jobID     string
	syncID    string
	threshold int64
	relay     *AMQPRelay
	logger    *common.ContextLogger

	mu        sync.Mutex
	lastTotal int64
}

// NewPublisher builds a publisher for one job. threshold is the number of
// newly accounted entities between snapshots; zero means the default.
func NewPublisher(client *redis.Client, syncID, jobID string, threshold int64, logger *common.ContextLogger) *Publisher {
	if threshold <= 0 {
		threshold = defaultPublishThreshold
	}
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "progress_publisher"})
	}
	return &Publisher{
		client:    client,
		jobID:     jobID,
		syncID:    syncID,
		threshold: threshold,
		logger:    logger.WithField("sync_job_id", jobID),
	}
}

// WithRelay attaches an AMQP relay for terminal events.
func (p *Publisher) WithRelay(relay *AMQPRelay) *Publisher {
	p.relay = relay
	return p
}

// MaybePublish publishes a snapshot when at least threshold entities were
// accounted since the last publish. Called by workers after each batch;
// only one publish wins per threshold crossing.
func (p *Publisher) MaybePublish(ctx context.Context, snap Progress) {
	total := snap.Total()
	p.mu.Lock()
	if total-p.lastTotal < p.threshold {
		p.mu.Unlock()
		return
	}
	p.lastTotal = total
	p.mu.Unlock()
	p.publish(ctx, snap, "")
}

// PublishTerminal publishes the final snapshot with the job's terminal
// status: completed, failed or cancelled.
func (p *Publisher) PublishTerminal(ctx context.Context, snap Progress, finalStatus string) {
	p.publish(ctx, snap, finalStatus)

	if p.relay != nil {
		if err := p.relay.PublishTerminal(p.jobID, p.syncID, snap, finalStatus); err != nil {
			p.logger.WithError(err).Warn("Relaying terminal event failed")
		}
	}
}

func (p *Publisher) publish(ctx context.Context, snap Progress, finalStatus string) {
	if p.client == nil {
		return
	}

	progress := map[string]interface{}{
		"inserted":              snap.Inserted,
		"updated":               snap.Updated,
		"deleted":               snap.Deleted,
		"kept":                  snap.Kept,
		"skipped":               snap.Skipped,
		"last_update_timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	state := map[string]interface{}{
		"job_id":         p.jobID,
		"sync_id":        p.syncID,
		"entity_counts":  snap.EntityCounts,
		"total_entities": snap.Total(),
		"job_status":     "running",
	}
	if finalStatus != "" {
		progress["final_status"] = finalStatus
		state["job_status"] = finalStatus
	}

	if err := p.publishJSON(ctx, "sync_job/"+p.jobID, progress); err != nil {
		p.logger.WithError(err).Warn("Publishing progress failed")
	}
	if err := p.publishJSON(ctx, "sync_job_state/"+p.jobID, state); err != nil {
		p.logger.WithError(err).Warn("Publishing job state failed")
	}
}

func (p *Publisher) publishJSON(ctx context.Context, channel string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, channel, body).Err()
}

// AMQPRelay forwards terminal job events to a message broker for consumers
// that outlive the Redis pubsub window.
type AMQPRelay struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQPRelay dials the broker and declares a durable topic exchange.
func NewAMQPRelay(url, exchange string) (*AMQPRelay, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}
	return &AMQPRelay{conn: conn, channel: channel, exchange: exchange}, nil
}

// PublishTerminal publishes the terminal event under sync_job.{status}.
func (r *AMQPRelay) PublishTerminal(jobID, syncID string, snap Progress, finalStatus string) error {
	body, err := json.Marshal(map[string]interface{}{
		"job_id":         jobID,
		"sync_id":        syncID,
		"final_status":   finalStatus,
		"entity_counts":  snap.EntityCounts,
		"total_entities": snap.Total(),
	})
	if err != nil {
		return err
	}
	return r.channel.Publish(r.exchange, "sync_job."+finalStatus, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

// Close releases the broker connection.
func (r *AMQPRelay) Close() error {
	if err := r.channel.Close(); err != nil {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}
