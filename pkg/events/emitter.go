// Package events handles event emission for entity lifecycle changes
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/kanoniv/kanoniv-cloud/pkg/kafka"
	"github.com/kanoniv/kanoniv-cloud/pkg/models"
	"github.com/kanoniv/kanoniv-cloud/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Event types emitted on the entity topic.
const (
	EventTypeEntityCreated  = "entity.created"
	EventTypeRecordLinked   = "record.linked"
	EventTypeEntitiesMerged = "entities.merged"
)

// Publisher is the subset of the Kafka producer the emitter needs.
type Publisher interface {
	PublishEntityEvent(ctx context.Context, event *kafka.EntityEvent) error
}

// Emitter publishes entity lifecycle events after resolve mutations commit.
type Emitter struct {
	producer Publisher
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitEntityCreated emits an entity.created event for a brand new entity.
func (e *Emitter) EmitEntityCreated(ctx context.Context, entity *models.CanonicalEntity, recordID string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityCreated")
	defer span.End()

	data, _ := json.Marshal(entity.CanonicalData)

	event := &kafka.EntityEvent{
		EventType: EventTypeEntityCreated,
		TenantID:  entity.TenantID,
		EntityID:  entity.ID,
		RecordID:  recordID,
		Data:      data,
	}

	if err := e.producer.PublishEntityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.created event")
		return err
	}

	return nil
}

// EmitRecordLinked emits a record.linked event when an existing entity gains
// a new member record.
func (e *Emitter) EmitRecordLinked(ctx context.Context, entity *models.CanonicalEntity, recordID string, confidence float64) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitRecordLinked")
	defer span.End()

	data, _ := json.Marshal(entity.CanonicalData)

	event := &kafka.EntityEvent{
		EventType:  EventTypeRecordLinked,
		TenantID:   entity.TenantID,
		EntityID:   entity.ID,
		RecordID:   recordID,
		Data:       data,
		Confidence: confidence,
	}

	if err := e.producer.PublishEntityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit record.linked event")
		return err
	}

	return nil
}

// EmitEntitiesMerged emits an entities.merged event. mergedFrom lists the
// entity IDs that were absorbed into the survivor.
func (e *Emitter) EmitEntitiesMerged(ctx context.Context, survivor *models.CanonicalEntity, mergedFrom []string, recordID string, confidence float64) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntitiesMerged")
	defer span.End()

	data, _ := json.Marshal(survivor.CanonicalData)

	event := &kafka.EntityEvent{
		EventType:  EventTypeEntitiesMerged,
		TenantID:   survivor.TenantID,
		EntityID:   survivor.ID,
		RecordID:   recordID,
		MergedFrom: mergedFrom,
		Data:       data,
		Confidence: confidence,
	}

	if err := e.producer.PublishEntityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entities.merged event")
		return err
	}

	return nil
}
