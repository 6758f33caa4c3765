// Package domain defines dashboard viewer accounts. An account owns exactly
// one API key; logs stored under that key are only visible to its viewers.
package domain

import "time"

// Account is a dashboard login bound to an API key.
type Account struct {
	APIKey       string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
