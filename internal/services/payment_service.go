package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/patronpay/internal/ils"
	"github.com/example/patronpay/internal/models"
)

// PaymentService owns the transaction state machine. Every status change
// goes through an atomic conditional update guarded by the expected previous
// status, so overlapping worker runs and duplicate gateway callbacks cannot
// move a transaction backwards.
type PaymentService struct {
	db     *gorm.DB
	events *EventService
	now    func() time.Time
}

func NewPaymentService(db *gorm.DB, events *EventService) *PaymentService {
	return &PaymentService{db: db, events: events, now: time.Now}
}

// SetClock overrides the time source. Used in tests.
func (s *PaymentService) SetClock(now func() time.Time) {
	s.now = now
}

// Create starts a new payment attempt for a patron. It refuses to create a
// second transaction while an unexpired Started/InProgress one exists.
func (s *PaymentService) Create(ctx context.Context, patronKey string, amount int64, currency, source string, fineIDs []string, window time.Duration) (*models.Transaction, error) {
	active, err := s.HasActivePayment(ctx, patronKey, window)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, concurrencyError("active payment exists for patron")
	}

	txn := models.Transaction{
		PatronKey:             patronKey,
		Amount:                amount,
		Currency:              currency,
		TransactionIdentifier: uuid.NewString(),
		Status:                models.TransactionStatusStarted,
		Source:                source,
		FineIDs:               strings.Join(fineIDs, ","),
	}

	if err := s.db.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, err
	}

	s.events.Append(txn.ID, "transaction started", "payment-start", map[string]any{
		"patron_key": patronKey,
		"amount":     amount,
		"currency":   currency,
		"source":     source,
	})

	return &txn, nil
}

// HasActivePayment reports whether the patron has a Started or InProgress
// transaction created within the given window.
func (s *PaymentService) HasActivePayment(ctx context.Context, patronKey string, window time.Duration) (bool, error) {
	cutoff := s.now().Add(-window)

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("patron_key = ? AND status IN ? AND created_at > ?",
			patronKey,
			[]int{models.TransactionStatusStarted, models.TransactionStatusInProgress},
			cutoff).
		Count(&count).Error
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// FindByIdentifier loads a transaction by its gateway correlation id.
func (s *PaymentService) FindByIdentifier(ctx context.Context, identifier string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).
		Where("transaction_identifier = ?", identifier).
		First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// FindByID loads a transaction by its primary key.
func (s *PaymentService) FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).First(&txn, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// MarkInProgress records that the patron was redirected to the gateway.
func (s *PaymentService) MarkInProgress(ctx context.Context, identifier string) error {
	txn, err := s.FindByIdentifier(ctx, identifier)
	if err != nil {
		return err
	}
	if txn.Status != models.TransactionStatusStarted {
		if txn.Status == models.TransactionStatusInProgress {
			return nil
		}
		return stateConflictError(fmt.Sprintf("cannot mark %s in progress", models.StatusLabel(txn.Status)))
	}

	return s.transition(ctx, txn, models.TransactionStatusInProgress, nil, "gateway-redirect", nil)
}

// MarkPaid records a successful gateway callback. It is idempotent: a
// transaction already Paid or beyond reports success without touching the
// row, so duplicate callback deliveries are harmless. paid_at is set exactly
// once, here.
//
// The returned flag is true only for the call that performed the transition
// to Paid. Concurrent duplicate deliveries lose the CAS and get false, so
// exactly one caller may proceed to registration; losers leave it to the
// reconciliation worker, which the minimum settle age holds off anyway.
func (s *PaymentService) MarkPaid(ctx context.Context, identifier string) (*models.Transaction, bool, error) {
	txn, err := s.FindByIdentifier(ctx, identifier)
	if err != nil {
		return nil, false, err
	}

	switch txn.Status {
	case models.TransactionStatusStarted, models.TransactionStatusInProgress:
	default:
		// Paid or any later state: duplicate delivery, nothing to do.
		return txn, false, nil
	}

	// A callback can arrive before the redirect was recorded; the payment
	// evidently was in progress.
	if txn.Status == models.TransactionStatusStarted {
		if err := s.transition(ctx, txn, models.TransactionStatusInProgress, nil, "gateway-notify", nil); err != nil {
			if !errors.Is(err, ErrStateConflict) {
				return nil, false, err
			}
			// transition re-read the row; a concurrent delivery moved it on.
			if txn.Status != models.TransactionStatusInProgress {
				return txn, false, nil
			}
		} else {
			txn.Status = models.TransactionStatusInProgress
		}
	}

	paidAt := s.now()
	err = s.transition(ctx, txn, models.TransactionStatusPaid,
		map[string]any{"paid_at": paidAt}, "gateway-notify", map[string]any{
			"transaction_identifier": identifier,
		})
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			// A concurrent delivery won the CAS; report its result without
			// claiming the transition.
			current, rerr := s.FindByIdentifier(ctx, identifier)
			return current, false, rerr
		}
		return nil, false, err
	}

	txn.Status = models.TransactionStatusPaid
	txn.PaidAt = &paidAt
	return txn, true, nil
}

// Register marks the fees paid in the record system. Success moves the
// transaction to Complete; an adapter failure moves it to RegistrationFailed
// with the error kept as the status message, eligible for worker retry.
// Calling it on an already Complete transaction is a no-op success, so the
// external fee-marking call happens at most once.
func (s *PaymentService) Register(ctx context.Context, txn *models.Transaction, driver ils.Driver, patron *ils.Patron, origin string) error {
	if models.IsTerminalStatus(txn.Status) {
		return nil
	}
	switch txn.Status {
	case models.TransactionStatusPaid, models.TransactionStatusRegistrationFailed:
	default:
		return stateConflictError(fmt.Sprintf("cannot register %s transaction", models.StatusLabel(txn.Status)))
	}

	fineIDs := txn.FineIDList()
	if err := driver.MarkFeesAsPaid(ctx, patron, fineIDs, txn.Amount); err != nil {
		detail := err.Error()
		if terr := s.transition(ctx, txn, models.TransactionStatusRegistrationFailed,
			map[string]any{"status_message": detail}, origin, map[string]any{
				"error": detail,
			}); terr != nil {
			log.Printf("[Payments] could not record registration failure for %s: %v", txn.ID, terr)
		} else {
			txn.Status = models.TransactionStatusRegistrationFailed
			txn.StatusMessage = detail
		}
		return adapterError(detail)
	}

	if err := s.transition(ctx, txn, models.TransactionStatusComplete,
		map[string]any{"status_message": ""}, origin, nil); err != nil {
		return err
	}
	txn.Status = models.TransactionStatusComplete
	txn.StatusMessage = ""
	return nil
}

// Expire moves a Paid or RegistrationFailed transaction to
// RegistrationExpired once the time since paid_at exceeds the threshold.
func (s *PaymentService) Expire(ctx context.Context, txn *models.Transaction, threshold time.Duration) error {
	if txn.Status != models.TransactionStatusPaid && txn.Status != models.TransactionStatusRegistrationFailed {
		return stateConflictError(fmt.Sprintf("cannot expire %s transaction", models.StatusLabel(txn.Status)))
	}
	if txn.PaidAt == nil || s.now().Sub(*txn.PaidAt) <= threshold {
		return &TransactionError{Info: ErrorInfoExpired, Detail: "retry window still open"}
	}

	message := fmt.Sprintf("registration not completed within %s of payment", threshold)
	if err := s.transition(ctx, txn, models.TransactionStatusRegistrationExpired,
		map[string]any{"status_message": message}, "reconcile-worker", map[string]any{
			"paid_at": txn.PaidAt,
		}); err != nil {
		return err
	}
	txn.Status = models.TransactionStatusRegistrationExpired
	txn.StatusMessage = message
	return nil
}

// MarkFinesUpdated diverts a Paid transaction whose fine snapshot no longer
// matches the record system. It needs manual staff resolution.
func (s *PaymentService) MarkFinesUpdated(ctx context.Context, txn *models.Transaction, origin string) error {
	if txn.Status != models.TransactionStatusPaid {
		return stateConflictError(fmt.Sprintf("cannot divert %s transaction", models.StatusLabel(txn.Status)))
	}
	if err := s.transition(ctx, txn, models.TransactionStatusFinesUpdated,
		map[string]any{"status_message": "fines changed between offer and confirmation"},
		origin, nil); err != nil {
		return err
	}
	txn.Status = models.TransactionStatusFinesUpdated
	return nil
}

// MarkRegistrationFailed records a retryable registration failure observed
// outside the adapter call itself, such as a patron login error.
func (s *PaymentService) MarkRegistrationFailed(ctx context.Context, txn *models.Transaction, reason, origin string) error {
	if txn.Status == models.TransactionStatusRegistrationFailed {
		// Already failed; refresh the diagnostic only.
		err := s.db.WithContext(ctx).
			Model(&models.Transaction{}).
			Where("id = ? AND status = ?", txn.ID, models.TransactionStatusRegistrationFailed).
			Update("status_message", reason).Error
		if err == nil {
			s.events.Append(txn.ID, reason, origin, nil)
			txn.StatusMessage = reason
		}
		return err
	}
	if txn.Status != models.TransactionStatusPaid {
		return stateConflictError(fmt.Sprintf("cannot fail %s transaction", models.StatusLabel(txn.Status)))
	}
	if err := s.transition(ctx, txn, models.TransactionStatusRegistrationFailed,
		map[string]any{"status_message": reason}, origin, map[string]any{
			"reason": reason,
		}); err != nil {
		return err
	}
	txn.Status = models.TransactionStatusRegistrationFailed
	txn.StatusMessage = reason
	return nil
}

// Resolve closes a RegistrationExpired or FinesUpdated transaction after
// staff handled it manually.
func (s *PaymentService) Resolve(ctx context.Context, txn *models.Transaction, staff string) error {
	if txn.Status != models.TransactionStatusRegistrationExpired && txn.Status != models.TransactionStatusFinesUpdated {
		return stateConflictError(fmt.Sprintf("cannot resolve %s transaction", models.StatusLabel(txn.Status)))
	}
	if err := s.transition(ctx, txn, models.TransactionStatusRegistrationResolved,
		nil, "admin", map[string]any{"resolved_by": staff}); err != nil {
		return err
	}
	txn.Status = models.TransactionStatusRegistrationResolved
	return nil
}

// Purge deletes a transaction row. The audit events are kept.
func (s *PaymentService) Purge(ctx context.Context, txn *models.Transaction, staff string) error {
	if err := s.db.WithContext(ctx).Delete(&models.Transaction{}, "id = ?", txn.ID).Error; err != nil {
		return err
	}
	s.events.Append(txn.ID, "transaction purged", "admin", map[string]any{
		"purged_by": staff,
		"status":    models.StatusLabel(txn.Status),
	})
	return nil
}

// MarkReported bumps reported_at after a transaction was included in a staff
// report, bounding the re-notification cadence.
func (s *PaymentService) MarkReported(ctx context.Context, txn *models.Transaction) error {
	reportedAt := s.now()
	err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ?", txn.ID).
		Update("reported_at", reportedAt).Error
	if err == nil {
		txn.ReportedAt = &reportedAt
	}
	return err
}

// Unresolved lists Paid/RegistrationFailed transactions whose paid_at is
// older than minAge, oldest first. These are the worker's retry candidates.
func (s *PaymentService) Unresolved(ctx context.Context, minAge time.Duration) ([]models.Transaction, error) {
	cutoff := s.now().Add(-minAge)

	var txns []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status IN ? AND paid_at IS NOT NULL AND paid_at < ?",
			[]int{models.TransactionStatusPaid, models.TransactionStatusRegistrationFailed},
			cutoff).
		Order("paid_at asc").
		Find(&txns).Error
	return txns, err
}

// Reportable lists FinesUpdated/RegistrationExpired transactions never
// reported or last reported before the interval.
func (s *PaymentService) Reportable(ctx context.Context, interval time.Duration) ([]models.Transaction, error) {
	cutoff := s.now().Add(-interval)

	var txns []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status IN ? AND (reported_at IS NULL OR reported_at < ?)",
			[]int{models.TransactionStatusFinesUpdated, models.TransactionStatusRegistrationExpired},
			cutoff).
		Order("created_at asc").
		Find(&txns).Error
	return txns, err
}

// transition performs the compare-and-swap status update. Zero rows affected
// means another actor moved the transaction first; the row is re-read and a
// move to the same target is treated as success.
func (s *PaymentService) transition(ctx context.Context, txn *models.Transaction, to int, extra map[string]any, origin string, structured map[string]any) error {
	if !models.CanTransition(txn.Status, to) {
		return stateConflictError(fmt.Sprintf("transition %s -> %s not allowed",
			models.StatusLabel(txn.Status), models.StatusLabel(to)))
	}

	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, txn.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		current, err := s.FindByID(ctx, txn.ID)
		if err != nil {
			return err
		}
		*txn = *current
		if current.Status == to {
			return nil
		}
		return stateConflictError(fmt.Sprintf("transaction moved to %s concurrently",
			models.StatusLabel(current.Status)))
	}

	if structured == nil {
		structured = map[string]any{}
	}
	structured["from"] = models.StatusLabel(txn.Status)
	structured["to"] = models.StatusLabel(to)
	s.events.Append(txn.ID, "status changed to "+models.StatusLabel(to), origin, structured)

	return nil
}
