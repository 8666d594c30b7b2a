package ils

import (
	"context"
	"sync"
)

// DemoDriver is an in-memory record system for local development and
// deployments that have not wired a vendor driver yet, the same way the
// hosted-page gateway client demos the gateway side. Any non-empty
// credential pair logs in; every patron starts with the same two fines,
// and paid fines stay paid for the process lifetime.
type DemoDriver struct {
	mu   sync.Mutex
	paid map[string]map[string]bool
}

func NewDemoDriver() *DemoDriver {
	return &DemoDriver{paid: make(map[string]map[string]bool)}
}

func (d *DemoDriver) PatronLogin(ctx context.Context, username, password string) (*Patron, error) {
	if username == "" || password == "" {
		return nil, ErrPatronNotFound
	}
	return &Patron{
		Key:         username,
		CatUsername: username,
		DisplayName: username,
		Source:      "demo",
	}, nil
}

func (d *DemoDriver) Fines(ctx context.Context, patron *Patron) ([]Fine, error) {
	all := []Fine{
		{ID: "demo-1", Amount: 600, Currency: "EUR", Title: "Overdue loan"},
		{ID: "demo-2", Amount: 400, Currency: "EUR", Title: "Replacement card"},
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var open []Fine
	for _, fine := range all {
		if !d.paid[patron.Key][fine.ID] {
			open = append(open, fine)
		}
	}
	return open, nil
}

func (d *DemoDriver) MarkFeesAsPaid(ctx context.Context, patron *Patron, fineIDs []string, amount int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paid[patron.Key] == nil {
		d.paid[patron.Key] = make(map[string]bool)
	}
	for _, id := range fineIDs {
		d.paid[patron.Key][id] = true
	}
	return nil
}
