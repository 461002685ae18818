package audit

import (
	"context"
	"time"

	"giftmarket/internal/broker"
	"giftmarket/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder appends audit records for mutating actions. Recording is fire and
// forget: a failed append never fails the action that triggered it.
type Recorder interface {
	Record(ctx context.Context, companyID, actorID, action, resourceType, resourceID string, metadata map[string]string)
}

// KafkaRecorder publishes audit records to the audit topic.
type KafkaRecorder struct {
	producer *broker.Producer
	logger   *zap.Logger
}

// NewKafkaRecorder creates a new Kafka-backed audit recorder
func NewKafkaRecorder(producer *broker.Producer, logger *zap.Logger) *KafkaRecorder {
	return &KafkaRecorder{producer: producer, logger: logger}
}

func (r *KafkaRecorder) Record(ctx context.Context, companyID, actorID, action, resourceType, resourceID string, metadata map[string]string) {
	record := &models.AuditRecord{
		ID:           uuid.New().String(),
		CompanyID:    companyID,
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
		Timestamp:    time.Now().UTC(),
	}

	if err := r.producer.Publish(ctx, "audit-"+companyID, record); err != nil {
		r.logger.Warn("Failed to append audit record",
			zap.String("action", action),
			zap.String("resource_id", resourceID),
			zap.Error(err))
	}
}

// NopRecorder discards audit records. Used in tests.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, companyID, actorID, action, resourceType, resourceID string, metadata map[string]string) {
}
