package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transaction lifecycle states. A transaction only ever moves forward
// along the transitions listed in transitionTable.
const (
	TransactionStatusStarted              = 0
	TransactionStatusInProgress           = 1
	TransactionStatusPaid                 = 2
	TransactionStatusComplete             = 3
	TransactionStatusRegistrationFailed   = 4
	TransactionStatusRegistrationExpired  = 5
	TransactionStatusFinesUpdated         = 6
	TransactionStatusRegistrationResolved = 7
)

var statusLabels = map[int]string{
	TransactionStatusStarted:              "started",
	TransactionStatusInProgress:           "in_progress",
	TransactionStatusPaid:                 "paid",
	TransactionStatusComplete:             "complete",
	TransactionStatusRegistrationFailed:   "registration_failed",
	TransactionStatusRegistrationExpired:  "registration_expired",
	TransactionStatusFinesUpdated:         "fines_updated",
	TransactionStatusRegistrationResolved: "registration_resolved",
}

var transitionTable = map[int][]int{
	TransactionStatusStarted:    {TransactionStatusInProgress},
	TransactionStatusInProgress: {TransactionStatusPaid},
	TransactionStatusPaid: {
		TransactionStatusComplete,
		TransactionStatusRegistrationFailed,
		TransactionStatusRegistrationExpired,
		TransactionStatusFinesUpdated,
	},
	TransactionStatusRegistrationFailed: {
		TransactionStatusComplete,
		TransactionStatusRegistrationExpired,
	},
	TransactionStatusRegistrationExpired: {TransactionStatusRegistrationResolved},
	TransactionStatusFinesUpdated:        {TransactionStatusRegistrationResolved},
}

// StatusLabel returns the human-readable name of a status code.
func StatusLabel(status int) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return "unknown"
}

// CanTransition reports whether the state machine allows moving from one
// status to another.
func CanTransition(from, to int) bool {
	for _, allowed := range transitionTable[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether no further automatic processing applies.
func IsTerminalStatus(status int) bool {
	return status == TransactionStatusComplete || status == TransactionStatusRegistrationResolved
}

// Transaction stores one library-fee payment attempt. TransactionIdentifier
// is the correlation id shared with the payment gateway and is unique across
// all attempts.
type Transaction struct {
	BaseModel
	PatronKey             string     `gorm:"index" json:"patron_key"`
	Amount                int64      `json:"amount"`
	Currency              string     `json:"currency"`
	TransactionIdentifier string     `gorm:"uniqueIndex" json:"transaction_identifier"`
	Status                int        `gorm:"index" json:"status"`
	Source                string     `gorm:"index" json:"source"`
	FineIDs               string     `json:"fine_ids"`
	PaidAt                *time.Time `json:"paid_at"`
	ReportedAt            *time.Time `json:"reported_at"`
	StatusMessage         string     `json:"status_message"`
}

// FineIDList splits the stored fine id snapshot.
func (t *Transaction) FineIDList() []string {
	if t.FineIDs == "" {
		return nil
	}
	return strings.Split(t.FineIDs, ",")
}

// TransactionEvent is one append-only audit record tied to a transaction.
// Events outlive the transaction itself; there is no foreign key constraint
// so a purged transaction keeps its history.
type TransactionEvent struct {
	BaseModel
	TransactionID  uuid.UUID `gorm:"type:uuid;index" json:"transaction_id"`
	Message        string    `json:"message"`
	OriginContext  string    `json:"origin_context"`
	StructuredData []byte    `gorm:"type:jsonb" json:"structured_data"`
}
