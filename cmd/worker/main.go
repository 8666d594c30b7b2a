// The worker binary runs one reconciliation pass and exits. It is meant to
// be invoked from cron; overlapping runs are tolerated because every status
// change is a conditional update.
package main

import (
	"context"
	"log"
	"time"

	"github.com/example/patronpay/internal/config"
	"github.com/example/patronpay/internal/database"
	"github.com/example/patronpay/internal/ils"
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

	events := services.NewEventService(db)
	payments := services.NewPaymentService(db, events)
	accounts := services.NewAccountService(db)

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

	summary, err := reconcile.Run(context.Background())
	if err != nil {
		log.Fatalf("reconciliation run failed: %v", err)
	}

	log.Printf("done: %d complete, %d failed, %d expired, %d reported, %d error(s)",
		summary.Completed, summary.Failed, summary.Expired, summary.Reported, summary.Errors)
}
