package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"analysis-gateway/internal/client"
	"analysis-gateway/internal/util"
)

// Lifecycle event types published to the analysis events topic.
const (
	EventJobQueued    = "job.queued"
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

// LifecycleEvent is the wire format of one lifecycle change.
type LifecycleEvent struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Wallet string `json:"wallet"`
	JobID  string `json:"job_id,omitempty"`
	At     int64  `json:"at"`
}

// EventPublisher emits lifecycle events to Kafka. A nil producer disables
// publishing; failures are logged and never affect the admission path.
type EventPublisher struct {
	producer *client.KafkaProducer
	logger   *zap.Logger
}

func NewEventPublisher(producer *client.KafkaProducer, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, logger: logger}
}

func (p *EventPublisher) Publish(ctx context.Context, eventType, wallet, jobID string) {
	if p == nil || p.producer == nil {
		return
	}
	event := LifecycleEvent{
		ID:     uuid.NewString(),
		Type:   eventType,
		Wallet: wallet,
		JobID:  jobID,
		At:     time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		util.Warn("failed to encode lifecycle event", zap.Error(err))
		return
	}
	if err := p.producer.Publish(ctx, wallet, payload); err != nil {
		util.Warn("failed to publish lifecycle event",
			zap.String("type", eventType),
			zap.String("wallet", wallet),
			zap.Error(err))
	}
}
