package handlers

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/patronpay/internal/database"
	"github.com/example/patronpay/internal/ils"
	"github.com/example/patronpay/internal/models"
	"github.com/example/patronpay/internal/services"
)

type fakeGateway struct {
	verifyFn func(ctx context.Context, identifier string) (bool, error)
}

func (g *fakeGateway) Start(ctx context.Context, txn *models.Transaction, returnURL string) (string, error) {
	return "https://checkout.example.test/" + txn.TransactionIdentifier, nil
}

func (g *fakeGateway) Verify(ctx context.Context, identifier string) (bool, error) {
	if g.verifyFn != nil {
		return g.verifyFn(ctx, identifier)
	}
	return true, nil
}

type stubDriver struct {
	loginFn   func(ctx context.Context, username, password string) (*ils.Patron, error)
	finesFn   func(ctx context.Context, patron *ils.Patron) ([]ils.Fine, error)
	markCalls int
}

func (d *stubDriver) PatronLogin(ctx context.Context, username, password string) (*ils.Patron, error) {
	if d.loginFn != nil {
		return d.loginFn(ctx, username, password)
	}
	return &ils.Patron{Key: "patron-1", CatUsername: username, Source: "demo"}, nil
}

func (d *stubDriver) Fines(ctx context.Context, patron *ils.Patron) ([]ils.Fine, error) {
	if d.finesFn != nil {
		return d.finesFn(ctx, patron)
	}
	return []ils.Fine{{ID: "fine-1", Amount: 500, Currency: "EUR"}}, nil
}

func (d *stubDriver) MarkFeesAsPaid(ctx context.Context, patron *ils.Patron, fineIDs []string, amount int64) error {
	d.markCalls++
	return nil
}

type notifyEnv struct {
	app      *fiber.App
	db       *gorm.DB
	payments *services.PaymentService
	guard    *services.GuardService
	accounts *services.AccountService
	driver   *stubDriver
}

func newNotifyEnv(t *testing.T) *notifyEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	events := services.NewEventService(db)
	payments := services.NewPaymentService(db, events)
	accounts := services.NewAccountService(db)
	guard := services.NewGuardService(payments, services.NewFingerprintStore(30*time.Minute))

	driver := &stubDriver{}
	registry := ils.NewRegistry()
	registry.Register(ils.Source{ID: "demo", Driver: driver})

	handler := NewPaymentHandler(payments, guard, accounts, events, &fakeGateway{}, registry, 30*time.Minute)

	app := fiber.New()
	app.Get("/api/payments/notify", handler.Notify)

	return &notifyEnv{app: app, db: db, payments: payments, guard: guard, accounts: accounts, driver: driver}
}

// startedTransaction seeds an in-progress transaction with a matching offer
// fingerprint, the state a gateway callback normally arrives in.
func (e *notifyEnv) startedTransaction(t *testing.T) *models.Transaction {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.accounts.Upsert(ctx, "patron-1", "reader", "secret", "demo"))
	e.guard.StoreFingerprint("patron-1", []ils.Fine{{ID: "fine-1", Amount: 500, Currency: "EUR"}}, 500)

	txn, err := e.payments.Create(ctx, "patron-1", 500, "EUR", "demo", []string{"fine-1"}, 0)
	require.NoError(t, err)
	require.NoError(t, e.payments.MarkInProgress(ctx, txn.TransactionIdentifier))
	return txn
}

func (e *notifyEnv) notify(t *testing.T, identifier string) int {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodGet, "/api/payments/notify?transaction="+identifier, nil)
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func (e *notifyEnv) reload(t *testing.T, identifier string) *models.Transaction {
	t.Helper()
	txn, err := e.payments.FindByIdentifier(context.Background(), identifier)
	require.NoError(t, err)
	return txn
}

func TestNotifyCompletesTransaction(t *testing.T) {
	env := newNotifyEnv(t)
	txn := env.startedTransaction(t)

	require.Equal(t, fiber.StatusOK, env.notify(t, txn.TransactionIdentifier))

	stored := env.reload(t, txn.TransactionIdentifier)
	require.Equal(t, models.TransactionStatusComplete, stored.Status)
	require.Equal(t, 1, env.driver.markCalls)
}

func TestNotifyDuplicateDeliveryChargesOnce(t *testing.T) {
	env := newNotifyEnv(t)
	txn := env.startedTransaction(t)

	require.Equal(t, fiber.StatusOK, env.notify(t, txn.TransactionIdentifier))
	require.Equal(t, fiber.StatusOK, env.notify(t, txn.TransactionIdentifier))
	require.Equal(t, fiber.StatusOK, env.notify(t, txn.TransactionIdentifier))

	stored := env.reload(t, txn.TransactionIdentifier)
	require.Equal(t, models.TransactionStatusComplete, stored.Status)
	require.Equal(t, 1, env.driver.markCalls, "repeated callbacks must charge the record system once")
}

func TestNotifyMissingAccountMarksCardNotFound(t *testing.T) {
	env := newNotifyEnv(t)
	ctx := context.Background()

	// No stored account for the patron: the registration attempt cannot
	// even look up catalog credentials.
	txn, err := env.payments.Create(ctx, "patron-gone", 500, "EUR", "demo", []string{"fine-1"}, 0)
	require.NoError(t, err)
	require.NoError(t, env.payments.MarkInProgress(ctx, txn.TransactionIdentifier))

	require.Equal(t, fiber.StatusOK, env.notify(t, txn.TransactionIdentifier))

	stored := env.reload(t, txn.TransactionIdentifier)
	require.Equal(t, models.TransactionStatusRegistrationFailed, stored.Status)
	require.Equal(t, "card not found", stored.StatusMessage)
	require.Equal(t, 0, env.driver.markCalls)
}

func TestNotifyUnknownTransaction(t *testing.T) {
	env := newNotifyEnv(t)
	require.Equal(t, fiber.StatusNotFound, env.notify(t, "no-such-identifier"))
}
