package connect

import (
	"errors"
	"fmt"
)

// Flow outcomes. The HTTP boundary maps these to redirects or status
// codes; the core never shapes its own responses.
var (
	// ErrTenantNotFound and ErrStaffNotFound indicate a stale or
	// incorrect administrative action against the directory.
	ErrTenantNotFound = errors.New("tenant not found")
	ErrStaffNotFound  = errors.New("staff member not found")

	// ErrMissingParameters is returned by the direct authorization
	// mode when either identifier is absent.
	ErrMissingParameters = errors.New("tenant and staff identifiers are required")

	// ErrInvalidState marks a callback whose state parameter is
	// missing, malformed, or fails signature verification.
	ErrInvalidState = errors.New("invalid or forged authorization state")

	// ErrExchangeFailed marks a code-for-credential exchange the
	// provider rejected (invalid or expired code).
	ErrExchangeFailed = errors.New("authorization code exchange failed")

	// ErrConnectionNotFound means no calendar connection exists for
	// the staff member; the caller must prompt a (re-)connect.
	ErrConnectionNotFound = errors.New("calendar connection not found")

	// ErrReauthorizationRequired means the provider no longer honours
	// the stored refresh credential. The record is left in place for
	// operator visibility; the user must re-run the connection flow.
	ErrReauthorizationRequired = errors.New("reauthorization required")
)

// ConfigError is an operator fault (missing client credentials or
// signing secret), distinct from user and provider errors. The boundary
// surfaces it as a 500-class response.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}
