package routes

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/example/patronpay/internal/config"
	"github.com/example/patronpay/internal/gateway"
	"github.com/example/patronpay/internal/handlers"
	"github.com/example/patronpay/internal/ils"
	"github.com/example/patronpay/internal/middleware"
	"github.com/example/patronpay/internal/services"
)

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config, registry *ils.Registry, gw gateway.Client, reconcile *services.ReconcileService, payments *services.PaymentService, guard *services.GuardService, accounts *services.AccountService, events *services.EventService) {
	authHandler := handlers.NewAuthHandler(db, cfg)
	paymentHandler := handlers.NewPaymentHandler(payments, guard, accounts, events, gw, registry, cfg.ActivePaymentWindow)
	adminHandler := handlers.NewAdminHandler(db, payments, events, reconcile, services.NewStaffService(db))

	api := app.Group("/api")

	// Staff auth
	auth := api.Group("/auth")
	auth.Post("/login", authHandler.Login)

	// Patron payment flow
	payment := api.Group("/payments")
	payment.Post("/offer", paymentHandler.Offer)
	payment.Post("/start", paymentHandler.Start)
	payment.Get("/notify", middleware.GatewayAuthMiddleware(cfg.GatewaySecret), paymentHandler.Notify)
	payment.Post("/notify", middleware.GatewayAuthMiddleware(cfg.GatewaySecret), paymentHandler.Notify)

	// Staff administration
	admin := api.Group("/admin", middleware.AuthMiddleware(cfg))
	admin.Get("/transactions", adminHandler.ListTransactions)
	admin.Get("/transactions/:id/events", adminHandler.ListEvents)
	admin.Post("/transactions/:id/resolve", adminHandler.Resolve)
	admin.Delete("/transactions/:id", adminHandler.Purge)
	admin.Post("/reconcile", adminHandler.RunReconcile)
	admin.Post("/staff", adminHandler.CreateStaff)
}
