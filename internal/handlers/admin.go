package handlers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/patronpay/internal/middleware"
	"github.com/example/patronpay/internal/models"
	"github.com/example/patronpay/internal/services"
	"github.com/example/patronpay/internal/utils"
)

// AdminHandler exposes the staff-facing transaction endpoints.
type AdminHandler struct {
	db        *gorm.DB
	payments  *services.PaymentService
	events    *services.EventService
	reconcile *services.ReconcileService
	staff     *services.StaffService
}

func NewAdminHandler(db *gorm.DB, payments *services.PaymentService, events *services.EventService, reconcile *services.ReconcileService, staff *services.StaffService) *AdminHandler {
	return &AdminHandler{db: db, payments: payments, events: events, reconcile: reconcile, staff: staff}
}

type createStaffRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateStaff adds another staff account.
func (h *AdminHandler) CreateStaff(c *fiber.Ctx) error {
	var req createStaffRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return fiber.NewError(fiber.StatusBadRequest, "username and password are required")
	}

	staff, err := h.staff.Create(c.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrStaffExists) {
			return fiber.NewError(fiber.StatusConflict, "username already taken")
		}
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": staff})
}

// ListTransactions returns transaction history, optionally filtered.
func (h *AdminHandler) ListTransactions(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	query := h.db.Model(&models.Transaction{})

	if status := strings.TrimSpace(c.Query("status")); status != "" {
		code, err := strconv.Atoi(status)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid status")
		}
		query = query.Where("status = ?", code)
	}
	if patronKey := strings.TrimSpace(c.Query("patron_key")); patronKey != "" {
		query = query.Where("patron_key = ?", patronKey)
	}
	if source := strings.TrimSpace(c.Query("source")); source != "" {
		query = query.Where("source = ?", source)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var txns []models.Transaction
	if err := query.
		Order("created_at desc").
		Limit(pg.Limit).
		Offset(pg.Offset).
		Find(&txns).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    txns,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// ListEvents returns the audit trail of one transaction.
func (h *AdminHandler) ListEvents(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid transaction id")
	}

	events, err := h.events.ForTransaction(id)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": events})
}

// Resolve closes an expired or diverted transaction after manual handling.
func (h *AdminHandler) Resolve(c *fiber.Ctx) error {
	txn, err := h.loadTransaction(c)
	if err != nil {
		return err
	}

	staffID, _ := middleware.GetCurrentStaffID(c)
	if err := h.payments.Resolve(c.Context(), txn, staffID.String()); err != nil {
		return writePaymentError(c, err)
	}

	return c.JSON(fiber.Map{"success": true, "data": txn})
}

// Purge removes a transaction row. Its audit events are kept.
func (h *AdminHandler) Purge(c *fiber.Ctx) error {
	txn, err := h.loadTransaction(c)
	if err != nil {
		return err
	}

	staffID, _ := middleware.GetCurrentStaffID(c)
	if err := h.payments.Purge(c.Context(), txn, staffID.String()); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true})
}

// RunReconcile triggers one reconciliation pass immediately.
func (h *AdminHandler) RunReconcile(c *fiber.Ctx) error {
	summary, err := h.reconcile.Run(c.Context())
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": summary})
}

func (h *AdminHandler) loadTransaction(c *fiber.Ctx) (*models.Transaction, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid transaction id")
	}

	txn, err := h.payments.FindByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fiber.NewError(fiber.StatusNotFound, "transaction not found")
		}
		return nil, err
	}

	return txn, nil
}
