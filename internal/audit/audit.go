package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Event is an immutable record of a state-changing operation in the
// settlement engine. Events are appended and never mutated or deleted.
type Event struct {
	gorm.Model `json:"-"`
	EventID    string    `gorm:"uniqueIndex" json:"event_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sink appends audit events to the ledger store. Writes are
// fire-and-forget from the engine's perspective: a failed append never
// rolls back the financial transition, it is logged as a reliability
// concern instead.
type Sink struct {
	db *gorm.DB
}

func NewSink(db *gorm.DB) *Sink {
	return &Sink{db: db}
}

// Append records one audit event. Detail values are serialized to JSON.
func (s *Sink) Append(actor, action, entityType, entityID string, detail map[string]interface{}) {
	logger := log.With().
		Str("component", "audit").
		Str("action", action).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Logger()

	payload := "{}"
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			logger.Error().Err(err).Msg("failed to marshal audit detail")
		} else {
			payload = string(raw)
		}
	}

	event := &Event{
		EventID:    "EVT_" + uuid.New().String(),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     payload,
		CreatedAt:  time.Now(),
	}

	if err := s.db.Create(event).Error; err != nil {
		logger.Error().Err(err).Msg("failed to append audit event")
	}
}

// ListByEntity returns all audit events for one entity, oldest first.
func (s *Sink) ListByEntity(entityType, entityID string) ([]Event, error) {
	var events []Event
	if err := s.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
