package coordinator

import (
	"errors"

	"bus-tracker/internal/quota"
	"bus-tracker/internal/store"
)

// Describe turns a mutation or write error into the status line shown to
// the driver.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownBus):
		return "This bus is not on the configured route list."
	case errors.Is(err, quota.ErrDropped):
		return "Update discarded to stay within the write limit. Please try again."
	case errors.Is(err, quota.ErrClosed):
		return "The service is shutting down. Your change was not saved."
	}
	switch store.CodeOf(err) {
	case store.PermissionDenied:
		return "You do not have permission to update this bus."
	case store.ResourceExhausted:
		return "Too many updates right now. Please slow down and try again shortly."
	case store.Unavailable:
		return "Could not reach the server. Your change is shown here but was not saved."
	}
	return "Update failed: " + err.Error()
}
