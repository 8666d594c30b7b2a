package models

// PatronAccount keeps the catalog credentials the reconciliation worker
// needs to re-authenticate a patron against the record system. The row is
// upserted whenever the patron signs in to view their fines.
type PatronAccount struct {
	BaseModel
	PatronKey   string `gorm:"uniqueIndex" json:"patron_key"`
	CatUsername string `json:"cat_username"`
	CatPassword string `json:"-"`
	Source      string `json:"source"`
}
