package services_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/patronpay/internal/ils"
	"github.com/example/patronpay/internal/models"
	"github.com/example/patronpay/internal/services"
)

const testWindow = 30 * time.Minute

func TestCreateRefusesSecondActivePayment(t *testing.T) {
	db := setupTestDB(t)
	payments := services.NewPaymentService(db, services.NewEventService(db))
	ctx := context.Background()

	_, err := payments.Create(ctx, "patron-1", 1000, "EUR", "main", []string{"f1"}, testWindow)
	require.NoError(t, err)

	_, err = payments.Create(ctx, "patron-1", 1000, "EUR", "main", []string{"f1"}, testWindow)
	require.Error(t, err)
	require.ErrorIs(t, err, services.ErrConcurrency)

	// A different patron is unaffected.
	_, err = payments.Create(ctx, "patron-2", 500, "EUR", "main", nil, testWindow)
	require.NoError(t, err)
}

func TestCreateAllowsNewPaymentAfterWindow(t *testing.T) {
	db := setupTestDB(t)
	payments := services.NewPaymentService(db, services.NewEventService(db))
	ctx := context.Background()

	_, err := payments.Create(ctx, "patron-1", 1000, "EUR", "main", nil, testWindow)
	require.NoError(t, err)

	// Move the clock past the exclusivity window.
	payments.SetClock(fixedClock(time.Now().Add(testWindow + time.Minute)))

	_, err = payments.Create(ctx, "patron-1", 1000, "EUR", "main", nil, testWindow)
	require.NoError(t, err)
}

func TestMarkPaidIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	payments := services.NewPaymentService(db, services.NewEventService(db))
	ctx := context.Background()

	txn, err := payments.Create(ctx, "patron-1", 1000, "EUR", "main", nil, testWindow)
	require.NoError(t, err)
	require.NoError(t, payments.MarkInProgress(ctx, txn.TransactionIdentifier))

	first, performed, err := payments.MarkPaid(ctx, txn.TransactionIdentifier)
	require.NoError(t, err)
	require.True(t, performed)
	require.Equal(t, models.TransactionStatusPaid, first.Status)
	require.NotNil(t, first.PaidAt)

	second, performed, err := payments.MarkPaid(ctx, txn.TransactionIdentifier)
	require.NoError(t, err)
	require.False(t, performed, "duplicate delivery must not claim the transition")
	require.Equal(t, models.TransactionStatusPaid, second.Status)
	require.NotNil(t, second.PaidAt)
	require.WithinDuration(t, *first.PaidAt, *second.PaidAt, time.Second)

	stored := reloadTransaction(t, db, txn.TransactionIdentifier)
	require.Equal(t, models.TransactionStatusPaid, stored.Status)
}

func TestConcurrentCallbacksRegisterExactlyOnce(t *testing.T) {
	db := setupTestDB(t)
	payments := services.NewPaymentService(db, services.NewEventService(db))
	ctx := context.Background()

	txn, err := payments.Create(ctx, "patron-1", 1000, "EUR", "main", []string{"f1"}, testWindow)
	require.NoError(t, err)
	require.NoError(t, payments.MarkInProgress(ctx, txn.TransactionIdentifier))

	driver := &fakeDriver{}
	patron := &ils.Patron{Key: "patron-1"}

	// Two deliveries of the same callback race each other; each follows the
	// notify sequence and registers only if it performed the transition.
	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paid, performed, err := payments.MarkPaid(ctx, txn.TransactionIdentifier)
			require.NoError(t, err)
			if !performed {
				return
			}
			winners.Add(1)
			require.NoError(t, payments.Register(ctx, paid, driver, patron, "test"))
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, winners.Load(), "exactly one delivery may claim the Paid transition")
	require.Equal(t, 1, driver.markCalls, "external fee-marking must happen exactly once")

	stored := reloadTransaction(t, db, txn.TransactionIdentifier)
	require.Equal(t, models.TransactionStatusComplete, stored.Status)
}

func TestRegisterHappensAtMostOnce(t *testing.T) {
	db := setupTestDB(t)
	payments := services.NewPaymentService(db, services.NewEventService(db))
	ctx := context.Background()

	txn := paidTransaction(t, db, payments, "patron-1", 1000, testWindow)

	driver := &fakeDriver{}
	patron := &ils.Patron{Key: "patron-1"}

	require.NoError(t, payments.Register(ctx, txn, driver, patron, "test"))
	require.Equal(t, models.TransactionStatusComplete, txn.Status)

	// Duplicate gateway callback: registration already done, no second
	// external call.
	require.NoError(t, payments.Register(ctx, txn, driver, patron, "test"))
	require.Equal(t, 1, driver.markCalls)

	stored := reloadTransaction(t, db, txn.TransactionIdentifier)
	require.Equal(t, models.TransactionStatusComplete, stored.Status)
}

func TestRegisterFailureIsRetryable(t *testing.T) {
	db := setupTestDB(t)
	payments := services.NewPaymentService(db, services.NewEventService(db))
	ctx := context.Background()

	txn := paidTransaction(t, db, payments, "patron-1", 1000, testWindow)

	driver := &fakeDriver{
		markFn: func(context.Context, *ils.Patron, []string, int64) error {
			return errors.New("ILS timeout")
		},
	}
	patron := &ils.Patron{Key: "patron-1"}

	err := payments.Register(ctx, txn, driver, patron, "test")
	require.ErrorIs(t, err, services.ErrAdapter)
	require.Equal(t, models.TransactionStatusRegistrationFailed, txn.Status)
	require.Equal(t, "ILS timeout", txn.StatusMessage)

	// A later retry against a healthy adapter completes the transaction.
	driver.markFn = nil
	require.NoError(t, payments.Register(ctx, txn, driver, patron, "test"))
	require.Equal(t, models.TransactionStatusComplete, txn.Status)

	stored := reloadTransaction(t, db, txn.TransactionIdentifier)
	require.Equal(t, models.TransactionStatusComplete, stored.Status)
	require.Empty(t, stored.StatusMessage)
}

func TestTransitionsNeverMoveBackwards(t *testing.T) {
	db := setupTestDB(t)
	payments := services.NewPaymentService(db, services.NewEventService(db))
	ctx := context.Background()

	txn := paidTransaction(t, db, payments, "patron-1", 1000, testWindow)
	require.NoError(t, payments.Register(ctx, txn, &fakeDriver{}, &ils.Patron{Key: "patron-1"}, "test"))
	require.Equal(t, models.TransactionStatusComplete, txn.Status)

	// A completed transaction rejects every further lifecycle operation.
	require.ErrorIs(t, payments.MarkInProgress(ctx, txn.TransactionIdentifier), services.ErrStateConflict)
	require.ErrorIs(t, payments.Expire(ctx, txn, time.Hour), services.ErrStateConflict)
	require.ErrorIs(t, payments.MarkFinesUpdated(ctx, txn, "test"), services.ErrStateConflict)
	require.ErrorIs(t, payments.Resolve(ctx, txn, "staff"), services.ErrStateConflict)

	stored := reloadTransaction(t, db, txn.TransactionIdentifier)
	require.Equal(t, models.TransactionStatusComplete, stored.Status)
}

func TestExpireArithmetic(t *testing.T) {
	db := setupTestDB(t)
	payments := services.NewPaymentService(db, services.NewEventService(db))
	ctx := context.Background()

	paidAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	payments.SetClock(fixedClock(paidAt))

	txn := paidTransaction(t, db, payments, "patron-1", 1000, testWindow)
	require.NotNil(t, txn.PaidAt)

	// Worker runs four hours later with a three hour threshold.
	payments.SetClock(fixedClock(time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC)))

	require.NoError(t, payments.Expire(ctx, txn, 3*time.Hour))
	require.Equal(t, models.TransactionStatusRegistrationExpired, txn.Status)

	stored := reloadTransaction(t, db, txn.TransactionIdentifier)
	require.Equal(t, models.TransactionStatusRegistrationExpired, stored.Status)
}

func TestExpireKeepsFreshTransactions(t *testing.T) {
	db := setupTestDB(t)
	payments := services.NewPaymentService(db, services.NewEventService(db))
	ctx := context.Background()

	paidAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	payments.SetClock(fixedClock(paidAt))

	txn := paidTransaction(t, db, payments, "patron-1", 1000, testWindow)

	payments.SetClock(fixedClock(paidAt.Add(2 * time.Hour)))

	err := payments.Expire(ctx, txn, 3*time.Hour)
	require.ErrorIs(t, err, services.ErrExpired)

	stored := reloadTransaction(t, db, txn.TransactionIdentifier)
	require.Equal(t, models.TransactionStatusPaid, stored.Status)
}

func TestResolveClosesDivertedTransaction(t *testing.T) {
	db := setupTestDB(t)
	payments := services.NewPaymentService(db, services.NewEventService(db))
	ctx := context.Background()

	txn := paidTransaction(t, db, payments, "patron-1", 1000, testWindow)
	require.NoError(t, payments.MarkFinesUpdated(ctx, txn, "test"))

	require.NoError(t, payments.Resolve(ctx, txn, "staff-1"))
	require.Equal(t, models.TransactionStatusRegistrationResolved, txn.Status)

	// Terminal: nothing further is allowed.
	require.Error(t, payments.Resolve(ctx, txn, "staff-1"))
}

func TestPurgeKeepsAuditEvents(t *testing.T) {
	db := setupTestDB(t)
	events := services.NewEventService(db)
	payments := services.NewPaymentService(db, events)
	ctx := context.Background()

	txn := paidTransaction(t, db, payments, "patron-1", 1000, testWindow)
	require.NoError(t, payments.Purge(ctx, txn, "staff-1"))

	var count int64
	require.NoError(t, db.Model(&models.Transaction{}).Where("id = ?", txn.ID).Count(&count).Error)
	require.Zero(t, count)

	recorded, err := events.ForTransaction(txn.ID)
	require.NoError(t, err)
	require.NotEmpty(t, recorded)
}
