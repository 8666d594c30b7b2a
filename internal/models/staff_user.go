package models

// StaffUser is a library staff account with access to the administrative
// transaction endpoints. Passwords are stored as bcrypt hashes.
type StaffUser struct {
	BaseModel
	Username     string `gorm:"uniqueIndex" json:"username"`
	PasswordHash string `json:"-"`
}
