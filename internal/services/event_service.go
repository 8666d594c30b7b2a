package services

import (
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/patronpay/internal/models"
)

// EventService appends audit records for transaction lifecycle observations.
// It is observational only: a failed append is logged and swallowed so it
// can never block a state transition.
type EventService struct {
	db *gorm.DB
}

func NewEventService(db *gorm.DB) *EventService {
	return &EventService{db: db}
}

// Append inserts one audit event. structured may be nil.
func (s *EventService) Append(transactionID uuid.UUID, message, origin string, structured map[string]any) {
	var payload []byte
	if structured != nil {
		data, err := json.Marshal(structured)
		if err != nil {
			log.Printf("[Events] failed to encode structured data for %s: %v", transactionID, err)
		} else {
			payload = data
		}
	}

	event := models.TransactionEvent{
		TransactionID:  transactionID,
		Message:        message,
		OriginContext:  origin,
		StructuredData: payload,
	}

	if err := s.db.Create(&event).Error; err != nil {
		log.Printf("[Events] failed to append event %q for %s: %v", message, transactionID, err)
	}
}

// ForTransaction lists all events recorded for a transaction, oldest first.
func (s *EventService) ForTransaction(transactionID uuid.UUID) ([]models.TransactionEvent, error) {
	var events []models.TransactionEvent
	err := s.db.
		Where("transaction_id = ?", transactionID).
		Order("created_at asc").
		Find(&events).Error
	return events, err
}
