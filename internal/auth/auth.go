package auth

import (
	"context"
	"errors"
)

// Role is the privilege level attached to a principal. Roles are ordered:
// guest < user < admin < superadmin.
type Role string

const (
	RoleGuest      Role = "guest"
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

var roleRank = map[Role]int{
	RoleGuest:      0,
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperadmin: 3,
}

// AtLeast reports whether r grants at least the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// Principal is the authenticated identity associated with a connection.
// A nil or guest principal means the connection is unauthenticated.
type Principal struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Service bool   `json:"service,omitempty"` // authenticated via service HMAC
}

// Guest returns the unauthenticated principal.
func Guest() *Principal {
	return &Principal{ID: "", Role: RoleGuest}
}

// Authenticated reports whether p carries a real identity.
func (p *Principal) Authenticated() bool {
	return p != nil && p.ID != ""
}

// Verification failures. Verify never returns anything outside this set.
var (
	ErrExpiredCredential = errors.New("credential expired")
	ErrBadSignature      = errors.New("bad signature")
	ErrClockSkew         = errors.New("timestamp outside allowed skew")
	ErrUnknown           = errors.New("unknown credential")
)

// CredentialKind selects how a credential string is verified.
type CredentialKind int

const (
	CredentialSession CredentialKind = iota // signed session JWT
	CredentialService                       // X-Service-Auth HMAC header
)

// Credential is an opaque bearer credential plus its kind.
type Credential struct {
	Kind  CredentialKind
	Value string
}

// Verifier validates bearer credentials. It performs no I/O; secrets are
// loaded once at construction.
type Verifier struct {
	jwt *JWTService
	svc *ServiceAuth
}

func NewVerifier(jwt *JWTService, svc *ServiceAuth) *Verifier {
	return &Verifier{jwt: jwt, svc: svc}
}

// Verify validates the credential and returns the resulting principal.
// Failures are always one of ErrExpiredCredential, ErrBadSignature,
// ErrClockSkew, or ErrUnknown.
func (v *Verifier) Verify(cred Credential) (*Principal, error) {
	switch cred.Kind {
	case CredentialSession:
		claims, err := v.jwt.ValidateToken(cred.Value)
		if err != nil {
			return nil, err
		}
		role := Role(claims.Role)
		if _, ok := roleRank[role]; !ok {
			role = RoleUser
		}
		return &Principal{ID: claims.UserID, Role: role}, nil

	case CredentialService:
		if err := v.svc.Verify(cred.Value); err != nil {
			return nil, err
		}
		return &Principal{ID: "service", Role: RoleSuperadmin, Service: true}, nil

	default:
		return nil, ErrUnknown
	}
}

// Capabilities describe what a principal may do on the hub. Middleware and
// the welcome envelope consult capabilities, never roles directly.
type Capabilities struct {
	Bypass           bool     `json:"bypass"` // maintenance-mode bypass
	AdminActions     []string `json:"adminActions,omitempty"`
	DegradedServices []string `json:"degradedServices,omitempty"`
}

// CapabilitiesFor derives the capability set for a principal. degraded lists
// the services currently behind an open circuit breaker.
func CapabilitiesFor(p *Principal, degraded []string) Capabilities {
	caps := Capabilities{DegradedServices: degraded}
	if p == nil {
		return caps
	}
	if p.Service || p.Role.AtLeast(RoleAdmin) {
		caps.Bypass = true
	}
	if p.Role.AtLeast(RoleAdmin) {
		caps.AdminActions = []string{
			"circuit-breaker:read",
			"circuit-breaker:reset",
			"monitor:read",
			"contest:set-admin-presence",
		}
	}
	return caps
}

type contextKey struct{}

// ContextWithPrincipal attaches the principal to ctx.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the principal stored in ctx, or the guest
// principal if none is present.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(contextKey{}).(*Principal); ok && p != nil {
		return p
	}
	return Guest()
}
