package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/example/patronpay/internal/ils"
	"github.com/example/patronpay/internal/models"
)

// ReconcileConfig tunes one reconciliation run.
type ReconcileConfig struct {
	// ExpireAfter is the age past paid_at after which an unresolved
	// transaction stops being retried and is marked expired.
	ExpireAfter time.Duration

	// ReportInterval is the minimum time between staff re-notifications
	// for the same unresolved transaction.
	ReportInterval time.Duration

	// MinimumPaidAge keeps the worker away from transactions the callback
	// handler may still be finishing.
	MinimumPaidAge time.Duration

	// MaxReportEmails caps the number of per-source report emails sent in
	// one run.
	MaxReportEmails int

	// ReportFrom is the sender address on staff reports.
	ReportFrom string
}

// RunSummary counts what one reconciliation run did.
type RunSummary struct {
	Completed int
	Failed    int
	Expired   int
	Reported  int
	Errors    int
}

// sourceReport accumulates report lines for one data source.
type sourceReport struct {
	lines []string
}

// ReconcileService is the periodic batch process that retries unresolved
// payments against the record system, expires stale ones, and notifies
// staff. One invocation processes the whole backlog; a crash mid-batch is
// safe because every transition persists immediately.
type ReconcileService struct {
	payments *PaymentService
	accounts *AccountService
	events   *EventService
	registry *ils.Registry
	mailer   Mailer
	cfg      ReconcileConfig
	now      func() time.Time
}

func NewReconcileService(payments *PaymentService, accounts *AccountService, events *EventService, registry *ils.Registry, mailer Mailer, cfg ReconcileConfig) *ReconcileService {
	return &ReconcileService{
		payments: payments,
		accounts: accounts,
		events:   events,
		registry: registry,
		mailer:   mailer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Used in tests.
func (s *ReconcileService) SetClock(now func() time.Time) {
	s.now = now
}

// Run executes one reconciliation pass. Errors on individual transactions
// are logged and counted, never fatal for the rest of the batch.
func (s *ReconcileService) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{}
	reports := make(map[string]*sourceReport)

	unresolved, err := s.payments.Unresolved(ctx, s.cfg.MinimumPaidAge)
	if err != nil {
		return nil, err
	}
	log.Printf("[Reconcile] %d unresolved transaction(s) to process", len(unresolved))

	for i := range unresolved {
		txn := &unresolved[i]
		if err := s.processOne(ctx, txn, summary, reports); err != nil {
			summary.Errors++
			log.Printf("[Reconcile] transaction %s: %v", txn.TransactionIdentifier, err)
		}
	}

	if err := s.reportUnresolved(ctx, summary, reports); err != nil {
		return summary, err
	}

	s.sendReports(reports, summary)

	log.Printf("[Reconcile] run finished: %d complete, %d failed, %d expired, %d reported, %d error(s)",
		summary.Completed, summary.Failed, summary.Expired, summary.Reported, summary.Errors)
	return summary, nil
}

// processOne retries or expires a single Paid/RegistrationFailed
// transaction. Panics from misbehaving drivers are contained here so the
// batch keeps going.
func (s *ReconcileService) processOne(ctx context.Context, txn *models.Transaction, summary *RunSummary, reports map[string]*sourceReport) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if txn.PaidAt != nil && s.now().Sub(*txn.PaidAt) > s.cfg.ExpireAfter {
		if err := s.payments.Expire(ctx, txn, s.cfg.ExpireAfter); err != nil {
			return err
		}
		summary.Expired++
		s.addReportLine(reports, txn, "expired without registration")
		if err := s.payments.MarkReported(ctx, txn); err != nil {
			log.Printf("[Reconcile] could not mark %s reported: %v", txn.TransactionIdentifier, err)
		}
		return nil
	}

	source, ok := s.registry.Lookup(txn.Source)
	if !ok {
		return fmt.Errorf("no driver registered for source %q", txn.Source)
	}

	account, err := s.accounts.Find(ctx, txn.PatronKey)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if ferr := s.payments.MarkRegistrationFailed(ctx, txn, "card not found", "reconcile-worker"); ferr != nil {
				return ferr
			}
			summary.Failed++
			return nil
		}
		return err
	}

	patron, err := source.Driver.PatronLogin(ctx, account.CatUsername, account.CatPassword)
	if err != nil {
		reason := "patron login error"
		if errors.Is(err, ils.ErrPatronNotFound) {
			reason = "card not found"
		}
		if ferr := s.payments.MarkRegistrationFailed(ctx, txn, reason, "reconcile-worker"); ferr != nil {
			return ferr
		}
		summary.Failed++
		return nil
	}

	if err := s.payments.Register(ctx, txn, source.Driver, patron, "reconcile-worker"); err != nil {
		summary.Failed++
		if errors.Is(err, ErrAdapter) {
			return nil
		}
		return err
	}

	summary.Completed++
	return nil
}

// reportUnresolved bumps reported_at on transactions needing manual staff
// resolution and queues them for the per-source report.
func (s *ReconcileService) reportUnresolved(ctx context.Context, summary *RunSummary, reports map[string]*sourceReport) error {
	reportable, err := s.payments.Reportable(ctx, s.cfg.ReportInterval)
	if err != nil {
		return err
	}

	for i := range reportable {
		txn := &reportable[i]
		if err := s.payments.MarkReported(ctx, txn); err != nil {
			summary.Errors++
			log.Printf("[Reconcile] could not mark %s reported: %v", txn.TransactionIdentifier, err)
			continue
		}
		summary.Reported++
		s.addReportLine(reports, txn, "needs manual resolution ("+models.StatusLabel(txn.Status)+")")
	}

	return nil
}

func (s *ReconcileService) addReportLine(reports map[string]*sourceReport, txn *models.Transaction, note string) {
	report, ok := reports[txn.Source]
	if !ok {
		report = &sourceReport{}
		reports[txn.Source] = report
	}
	report.lines = append(report.lines, fmt.Sprintf("%s  patron=%s  amount=%d %s  %s",
		txn.TransactionIdentifier, txn.PatronKey, txn.Amount, txn.Currency, note))
}

// sendReports emails one consolidated report per data source. A source with
// no configured recipient is a hard warning, never a fatal error, and a
// failed send does not lose the remaining groups.
func (s *ReconcileService) sendReports(reports map[string]*sourceReport, summary *RunSummary) {
	sent := 0
	for sourceID, report := range reports {
		if len(report.lines) == 0 {
			continue
		}
		if s.cfg.MaxReportEmails > 0 && sent >= s.cfg.MaxReportEmails {
			log.Printf("[Reconcile] report email cap (%d) reached, skipping source %s", s.cfg.MaxReportEmails, sourceID)
			continue
		}

		source, ok := s.registry.Lookup(sourceID)
		if !ok || source.ReportRecipient == "" {
			log.Printf("[Reconcile] WARNING: no report recipient configured for source %q, %d line(s) unreported",
				sourceID, len(report.lines))
			continue
		}

		subject := fmt.Sprintf("Unresolved fee payments for %s (%d)", sourceID, len(report.lines))
		body := "The following fee payments need attention:\n\n" + strings.Join(report.lines, "\n") + "\n"

		if err := s.mailer.Send(source.ReportRecipient, s.cfg.ReportFrom, subject, body); err != nil {
			summary.Errors++
			log.Printf("[Reconcile] report email for source %s failed: %v", sourceID, err)
			continue
		}
		sent++
	}
}
