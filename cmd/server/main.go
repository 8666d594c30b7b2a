package main

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/example/patronpay/internal/config"
	"github.com/example/patronpay/internal/database"
	"github.com/example/patronpay/internal/gateway"
	"github.com/example/patronpay/internal/ils"
	"github.com/example/patronpay/internal/routes"
	"github.com/example/patronpay/internal/services"
)

func main() {
	cfg := config.Load()
	db := database.Connect(cfg.DatabaseURL)

	registry := ils.NewRegistry()
	registry.Register(ils.Source{
		ID:              cfg.SourceID,
		Driver:          ils.NewDemoDriver(),
		ReportRecipient: cfg.ReportRecipient,
	})

	staff := services.NewStaffService(db)
	if err := staff.EnsureSeed(context.Background(), cfg.AdminUsername, cfg.AdminPassword); err != nil {
		log.Fatalf("staff seed failed: %v", err)
	}

	events := services.NewEventService(db)
	payments := services.NewPaymentService(db, events)
	accounts := services.NewAccountService(db)
	guard := services.NewGuardService(payments, services.NewFingerprintStore(cfg.ActivePaymentWindow))

	mailer := &services.SMTPMailer{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
	}

	reconcile := services.NewReconcileService(payments, accounts, events, registry, mailer, services.ReconcileConfig{
		ExpireAfter:     time.Duration(cfg.ExpireHours) * time.Hour,
		ReportInterval:  time.Duration(cfg.ReportIntervalHours) * time.Hour,
		MinimumPaidAge:  cfg.MinimumPaidAge,
		MaxReportEmails: cfg.MaxReportEmails,
		ReportFrom:      cfg.ReportFrom,
	})

	gw := &gateway.HostedPageClient{
		CheckoutBaseURL: "https://checkout.example.test",
		MerchantID:      "patronpay",
	}

	app := fiber.New(fiber.Config{
		AppName: "PatronPay Backend",
	})

	app.Use(recover.New())
	app.Use(logger.New())

	routes.Register(app, db, cfg, registry, gw, reconcile, payments, guard, accounts, events)

	if cfg.ReconcileInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.ReconcileInterval)
			defer ticker.Stop()
			for range ticker.C {
				if _, err := reconcile.Run(context.Background()); err != nil {
					log.Printf("[Reconcile] scheduled run failed: %v", err)
				}
			}
		}()
	}

	log.Printf("Starting server on :%s", cfg.AppPort)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatalf("fiber.Listen error: %v", err)
	}
}
