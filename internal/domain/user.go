// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 64

var ErrDisplayNameTooLong = errors.New("display name too long")

type UserID string

type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
}

// NewGuest is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewGuest(displayName string) *User {
	if displayName == "" {
		displayName = "guest"
	}
	return &User{ID: UserID(uuid.NewString()), DisplayName: displayName}
}
