// Package authz holds the single role-based authorization policy. Route
// middleware and page redirect lookups both evaluate it; nothing else
// derives access from roles.
package authz

import (
	"net/http"
	"strings"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
)

// Action is something a principal may attempt.
type Action string

const (
	WalletRead   Action = "wallet:read"
	WalletDebit  Action = "wallet:debit"
	WalletCredit Action = "wallet:credit"
	LedgerAudit  Action = "ledger:audit"
	UserSuspend  Action = "user:suspend"

	PageCustomer Action = "page:customer"
	PageMerchant Action = "page:merchant"
	PageAdmin    Action = "page:admin"
	PageAccount  Action = "page:account"
)

const (
	LoginPath     = "/login"
	SuspendedPath = "/suspended"
)

var grants = map[Action][]domain.Role{
	WalletRead:   {domain.RoleCustomer, domain.RoleMerchant},
	WalletDebit:  {domain.RoleCustomer, domain.RoleMerchant},
	WalletCredit: {domain.RoleAdmin},
	LedgerAudit:  {domain.RoleAdmin},
	UserSuspend:  {domain.RoleAdmin},

	PageCustomer: {domain.RoleCustomer},
	PageMerchant: {domain.RoleMerchant},
	PageAdmin:    {domain.RoleAdmin},
	PageAccount:  {domain.RoleCustomer, domain.RoleMerchant, domain.RoleAdmin},
}

var homes = map[domain.Role]string{
	domain.RoleCustomer: "/dashboard",
	domain.RoleMerchant: "/merchant/dashboard",
	domain.RoleAdmin:    "/admin",
}

// Decision is the outcome of evaluating the policy.
type Decision struct {
	Allowed  bool
	Status   int
	Redirect string
	Reason   string
}

// Evaluate decides whether p may perform a. A nil principal is anonymous.
func Evaluate(p *domain.Principal, a Action) Decision {
	if p == nil {
		return Decision{Status: http.StatusUnauthorized, Redirect: LoginPath, Reason: "authentication required"}
	}
	if p.Suspended {
		return Decision{Status: http.StatusForbidden, Redirect: SuspendedPath, Reason: "account suspended"}
	}
	for _, r := range grants[a] {
		if r == p.Role {
			return Decision{Allowed: true, Status: http.StatusOK}
		}
	}
	return Decision{Status: http.StatusForbidden, Redirect: Home(p.Role), Reason: "role " + string(p.Role) + " may not " + string(a)}
}

// Home is the landing page for a role.
func Home(r domain.Role) string {
	if h, ok := homes[r]; ok {
		return h
	}
	return LoginPath
}

// ActionForPath maps a frontend page path to the action guarding it.
// Public pages report ok=false.
func ActionForPath(path string) (Action, bool) {
	switch {
	case hasSegmentPrefix(path, "/admin"):
		return PageAdmin, true
	case hasSegmentPrefix(path, "/merchant"):
		return PageMerchant, true
	case hasSegmentPrefix(path, "/dashboard"), hasSegmentPrefix(path, "/wallet"), hasSegmentPrefix(path, "/my-coupons"):
		return PageCustomer, true
	case hasSegmentPrefix(path, "/account"):
		return PageAccount, true
	}
	return "", false
}

func hasSegmentPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
