// Package auth verifies drivers, security staff and admins, and issues
// the bearer tokens the HTTP API checks.
package auth

import (
	"errors"
	"time"
)

type Role string

const (
	RoleStudent  Role = "student"
	RoleDriver   Role = "driver"
	RoleSecurity Role = "security"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleDriver, RoleSecurity, RoleAdmin:
		return true
	}
	return false
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTooManyAttempts    = errors.New("too many sign-in attempts")
	ErrNetwork            = errors.New("credential store unreachable")
	ErrInvalidToken       = errors.New("invalid token")
	ErrNoAccount          = errors.New("no such account")
)

// Identity is a signed-in user.
type Identity struct {
	Subject   string    `json:"subject"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	BusID     *int      `json:"busId,omitempty"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CanDrive reports whether the identity may mutate the given bus. Drivers
// are limited to their own bus.
func (i Identity) CanDrive(busID int) bool {
	switch i.Role {
	case RoleAdmin:
		return true
	case RoleDriver:
		return i.BusID != nil && *i.BusID == busID
	}
	return false
}

func (i Identity) CanLogActivity() bool {
	return i.Role == RoleSecurity || i.Role == RoleAdmin
}

// UserMessage maps a sign-in error to the text shown on the login form.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid email or password."
	case errors.Is(err, ErrTooManyAttempts):
		return "Too many sign-in attempts. Please wait a minute and try again."
	case errors.Is(err, ErrNetwork):
		return "Network error. Check your connection and try again."
	case errors.Is(err, ErrInvalidToken):
		return "Your session has expired. Please sign in again."
	}
	return "Sign-in failed. Please try again."
}
