package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/patronpay/internal/database"
	"github.com/example/patronpay/internal/ils"
	"github.com/example/patronpay/internal/models"
	"github.com/example/patronpay/internal/services"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	return db
}

// fixedClock returns a clock stuck at the given instant.
func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

type fakeDriver struct {
	loginFn func(ctx context.Context, username, password string) (*ils.Patron, error)
	finesFn func(ctx context.Context, patron *ils.Patron) ([]ils.Fine, error)
	markFn  func(ctx context.Context, patron *ils.Patron, fineIDs []string, amount int64) error

	markCalls int
}

func (d *fakeDriver) PatronLogin(ctx context.Context, username, password string) (*ils.Patron, error) {
	if d.loginFn != nil {
		return d.loginFn(ctx, username, password)
	}
	return &ils.Patron{Key: username, CatUsername: username}, nil
}

func (d *fakeDriver) Fines(ctx context.Context, patron *ils.Patron) ([]ils.Fine, error) {
	if d.finesFn != nil {
		return d.finesFn(ctx, patron)
	}
	return nil, nil
}

func (d *fakeDriver) MarkFeesAsPaid(ctx context.Context, patron *ils.Patron, fineIDs []string, amount int64) error {
	d.markCalls++
	if d.markFn != nil {
		return d.markFn(ctx, patron, fineIDs, amount)
	}
	return nil
}

type fakeMailer struct {
	sendFn func(to, from, subject, body string) error
	sent   []string
}

func (m *fakeMailer) Send(to, from, subject, body string) error {
	if m.sendFn != nil {
		if err := m.sendFn(to, from, subject, body); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, to)
	return nil
}

func reloadTransaction(t *testing.T, db *gorm.DB, id string) *models.Transaction {
	t.Helper()

	var txn models.Transaction
	require.NoError(t, db.Where("transaction_identifier = ?", id).First(&txn).Error)
	return &txn
}

func paidTransaction(t *testing.T, db *gorm.DB, payments *services.PaymentService, patronKey string, amount int64, window time.Duration) *models.Transaction {
	t.Helper()

	ctx := context.Background()
	txn, err := payments.Create(ctx, patronKey, amount, "EUR", "main", []string{"f1", "f2"}, window)
	require.NoError(t, err)
	require.NoError(t, payments.MarkInProgress(ctx, txn.TransactionIdentifier))

	paid, performed, err := payments.MarkPaid(ctx, txn.TransactionIdentifier)
	require.NoError(t, err)
	require.True(t, performed)
	return paid
}
