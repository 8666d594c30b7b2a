package handlers

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/example/patronpay/internal/gateway"
	"github.com/example/patronpay/internal/ils"
	"github.com/example/patronpay/internal/models"
	"github.com/example/patronpay/internal/services"
)

// PaymentHandler manages the patron-facing payment endpoints.
type PaymentHandler struct {
	payments *services.PaymentService
	guard    *services.GuardService
	accounts *services.AccountService
	events   *services.EventService
	gateway  gateway.Client
	registry *ils.Registry

	activeWindow time.Duration
}

func NewPaymentHandler(payments *services.PaymentService, guard *services.GuardService, accounts *services.AccountService, events *services.EventService, gw gateway.Client, registry *ils.Registry, activeWindow time.Duration) *PaymentHandler {
	return &PaymentHandler{
		payments:     payments,
		guard:        guard,
		accounts:     accounts,
		events:       events,
		gateway:      gw,
		registry:     registry,
		activeWindow: activeWindow,
	}
}

type offerRequest struct {
	Source      string `json:"source"`
	CatUsername string `json:"cat_username"`
	CatPassword string `json:"cat_password"`
}

type startRequest struct {
	Source      string `json:"source"`
	CatUsername string `json:"cat_username"`
	CatPassword string `json:"cat_password"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ReturnURL   string `json:"return_url"`
}

// Offer authenticates the patron, lists their payable fines and stores the
// fingerprint snapshot the confirmation will be checked against.
func (h *PaymentHandler) Offer(c *fiber.Ctx) error {
	var req offerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	source, ok := h.registry.Lookup(req.Source)
	if !ok {
		return fiber.NewError(fiber.StatusBadRequest, "unknown source")
	}

	patron, err := source.Driver.PatronLogin(c.Context(), req.CatUsername, req.CatPassword)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "catalog login failed")
	}

	if err := h.accounts.Upsert(c.Context(), patron.Key, req.CatUsername, req.CatPassword, req.Source); err != nil {
		return err
	}

	fines, err := source.Driver.Fines(c.Context(), patron)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "could not load fines")
	}

	var total int64
	for _, fine := range fines {
		total += fine.Amount
	}

	h.guard.StoreFingerprint(patron.Key, fines, total)

	return c.JSON(fiber.Map{
		"patron_key": patron.Key,
		"fines":      fines,
		"total":      total,
	})
}

// Start creates a transaction and returns the gateway redirect URL. It
// refuses a second payment while one is in flight for the patron.
func (h *PaymentHandler) Start(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Amount <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid amount")
	}
	if strings.TrimSpace(req.ReturnURL) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "return_url is required")
	}

	source, ok := h.registry.Lookup(req.Source)
	if !ok {
		return fiber.NewError(fiber.StatusBadRequest, "unknown source")
	}

	patron, err := source.Driver.PatronLogin(c.Context(), req.CatUsername, req.CatPassword)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "catalog login failed")
	}

	fines, err := source.Driver.Fines(c.Context(), patron)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "could not load fines")
	}

	if h.guard.CheckFinesUpdated(patron.Key, fines, req.Amount) {
		return writePaymentError(c, services.ErrFingerprintMismatch)
	}

	currency := req.Currency
	if currency == "" {
		currency = "EUR"
	}

	fineIDs := make([]string, 0, len(fines))
	for _, fine := range fines {
		fineIDs = append(fineIDs, fine.ID)
	}

	txn, err := h.payments.Create(c.Context(), patron.Key, req.Amount, currency, req.Source, fineIDs, h.activeWindow)
	if err != nil {
		return writePaymentError(c, err)
	}

	redirectURL, err := h.gateway.Start(c.Context(), txn, req.ReturnURL)
	if err != nil {
		h.events.Append(txn.ID, "gateway start failed", originContext(c), map[string]any{
			"error": err.Error(),
		})
		return writePaymentError(c, services.ErrAdapter)
	}

	if err := h.payments.MarkInProgress(c.Context(), txn.TransactionIdentifier); err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"url":                    redirectURL,
		"transaction_identifier": txn.TransactionIdentifier,
	})
}

// Notify is the gateway callback. Duplicate deliveries of the same
// transaction identifier are harmless: MarkPaid and Register are both
// idempotent. The response never carries internal diagnostics.
func (h *PaymentHandler) Notify(c *fiber.Ctx) error {
	identifier := strings.TrimSpace(c.Query("transaction"))
	if identifier == "" {
		return fiber.NewError(fiber.StatusBadRequest, "transaction parameter is required")
	}

	paid, err := h.gateway.Verify(c.Context(), identifier)
	if err != nil || !paid {
		log.Printf("[Payments] gateway verify failed for %s: %v", identifier, err)
		return writePaymentError(c, services.ErrAdapter)
	}

	txn, performed, err := h.payments.MarkPaid(c.Context(), identifier)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "unknown transaction")
		}
		return err
	}

	// Only the delivery that performed the Paid transition may register
	// with the record system; a concurrent or repeated delivery reporting
	// success here would charge the ILS twice. Losers answer ok and leave
	// any pending registration to the reconciliation worker.
	if !performed || txn.Status != models.TransactionStatusPaid {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	h.confirm(c, txn)

	return c.JSON(fiber.Map{"status": "ok"})
}

// confirm runs the registration attempt right after a callback. Any failure
// here leaves the transaction to the reconciliation worker; the patron
// already paid, so the callback itself always succeeds.
func (h *PaymentHandler) confirm(c *fiber.Ctx, txn *models.Transaction) {
	ctx := c.Context()
	origin := originContext(c)

	source, ok := h.registry.Lookup(txn.Source)
	if !ok {
		log.Printf("[Payments] no driver for source %q, leaving %s to the worker", txn.Source, txn.TransactionIdentifier)
		return
	}

	account, err := h.accounts.Find(ctx, txn.PatronKey)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := h.payments.MarkRegistrationFailed(ctx, txn, "card not found", origin); err != nil {
				log.Printf("[Payments] could not record login failure for %s: %v", txn.TransactionIdentifier, err)
			}
			return
		}
		// Transient store error: leave the transaction Paid for the worker
		// rather than mislabeling the failure.
		log.Printf("[Payments] account lookup failed for %s: %v", txn.TransactionIdentifier, err)
		return
	}

	patron, err := source.Driver.PatronLogin(ctx, account.CatUsername, account.CatPassword)
	if err != nil {
		reason := "patron login error"
		if errors.Is(err, ils.ErrPatronNotFound) {
			reason = "card not found"
		}
		if err := h.payments.MarkRegistrationFailed(ctx, txn, reason, origin); err != nil {
			log.Printf("[Payments] could not record login failure for %s: %v", txn.TransactionIdentifier, err)
		}
		return
	}

	fines, err := source.Driver.Fines(ctx, patron)
	if err != nil {
		if err := h.payments.MarkRegistrationFailed(ctx, txn, "patron login error", origin); err != nil {
			log.Printf("[Payments] could not record fines lookup failure for %s: %v", txn.TransactionIdentifier, err)
		}
		return
	}

	if h.guard.CheckFinesUpdated(txn.PatronKey, fines, txn.Amount) {
		if err := h.payments.MarkFinesUpdated(ctx, txn, origin); err != nil {
			log.Printf("[Payments] could not divert %s: %v", txn.TransactionIdentifier, err)
		}
		h.guard.ClearFingerprint(txn.PatronKey)
		return
	}

	h.guard.ClearFingerprint(txn.PatronKey)

	if err := h.payments.Register(ctx, txn, source.Driver, patron, origin); err != nil {
		// Registration failure is already persisted; the worker retries.
		log.Printf("[Payments] registration deferred for %s: %v", txn.TransactionIdentifier, err)
	}
}

func originContext(c *fiber.Ctx) string {
	return c.Method() + " " + c.Path() + " ip=" + c.IP()
}

// writePaymentError maps structured payment errors to generic user-visible
// responses. Internal detail stays in the event log only.
func writePaymentError(c *fiber.Ctx, err error) error {
	var txErr *services.TransactionError
	if errors.As(err, &txErr) {
		status := fiber.StatusConflict
		if txErr.Info.Name == services.ErrorInfoAdapter.Name || txErr.Info.Name == services.ErrorInfoExpired.Name {
			status = fiber.StatusBadGateway
		}
		return c.Status(status).JSON(fiber.Map{
			"error": fiber.Map{
				"code":    txErr.Info.Code,
				"message": txErr.Info.UserMessage,
			},
		})
	}
	return err
}
