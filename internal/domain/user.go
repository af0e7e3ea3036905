package domain

import "time"

// Role is the coarse access role of a user.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleMerchant Role = "merchant"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleMerchant, RoleAdmin:
		return true
	}
	return false
}

// User is an authenticated identity, keyed by phone.
type User struct {
	ID        string    `json:"id" db:"id"`
	Phone     string    `json:"phone" db:"phone"`
	Role      Role      `json:"role" db:"role"`
	Suspended bool      `json:"suspended" db:"suspended"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Principal is the caller resolved from an access token.
type Principal struct {
	UserID    string
	Phone     string
	Role      Role
	Suspended bool
}
