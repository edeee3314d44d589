// Package models defines types shared across internal packages.
package models

import "time"

// ConnectionToken is a single-use, time-boxed ticket that lets a staff
// member connect their calendar without a platform login. The ID is the
// token value itself and is the only thing embedded in the connect link.
type ConnectionToken struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	StaffID   string    `json:"staff_id"`
	StaffName string    `json:"staff_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	UsedAt    time.Time `json:"used_at,omitzero"`
}

// Expired reports whether the token's validity window has passed.
func (t *ConnectionToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// CalendarConnection holds the provider credentials for one staff member.
// At most one connection exists per (tenant, staff) pair; a re-connection
// overwrites the previous record.
type CalendarConnection struct {
	TenantID     string    `json:"tenant_id"`
	StaffID      string    `json:"staff_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExpiry time.Time `json:"access_expiry"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tenant is an isolated customer organisation. All staff and connection
// records are scoped under a tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// StaffMember is an individual within a tenant who can hold one calendar
// connection.
type StaffMember struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
