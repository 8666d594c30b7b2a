// Package ils defines the record-system (integrated library system) adapter
// surface the payment engine talks to. Drivers are opaque collaborators;
// their failures surface as ordinary errors, never panics.
package ils

import (
	"context"
	"errors"
)

// ErrPatronNotFound signals that the card behind a stored credential no
// longer exists in the record system.
var ErrPatronNotFound = errors.New("ils: card not found")

// Patron is an authenticated record-system account.
type Patron struct {
	Key         string
	CatUsername string
	DisplayName string
	Source      string
}

// Fine is one payable amount as reported by the record system. Amounts are
// minor currency units.
type Fine struct {
	ID       string
	Amount   int64
	Currency string
	Title    string
}

// Driver is one record-system backend. A deployment registers one driver per
// data source.
type Driver interface {
	// PatronLogin authenticates catalog credentials. A nil patron with a
	// nil error never occurs; unknown cards return ErrPatronNotFound.
	PatronLogin(ctx context.Context, username, password string) (*Patron, error)

	// Fines lists the patron's currently payable fines.
	Fines(ctx context.Context, patron *Patron) ([]Fine, error)

	// MarkFeesAsPaid registers a completed payment for the given fines.
	MarkFeesAsPaid(ctx context.Context, patron *Patron, fineIDs []string, amount int64) error
}

// Source couples a driver with its per-data-source report configuration.
type Source struct {
	ID              string
	Driver          Driver
	ReportRecipient string
}

// Registry maps data source ids to their configured drivers.
type Registry struct {
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

func (r *Registry) Register(src Source) {
	r.sources[src.ID] = src
}

// Lookup returns the source for an id, or false when none is registered.
func (r *Registry) Lookup(id string) (Source, bool) {
	src, ok := r.sources[id]
	return src, ok
}
