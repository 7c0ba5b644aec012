package domain

import "time"

// UserRecord is one registered user of the dashboard API.
// Lifecycle: created on register, read on login, last_login updated on
// successful authentication.
type UserRecord struct {
	Email        string     `json:"email"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"passwordHash"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
}
