package auth

import (
	"context"
	"strings"
)

// Role is the caller's role as asserted by the identity provider.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleDriver    Role = "driver"
	RoleFrontDesk Role = "frontdesk"
	RoleAdmin     Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleGuest, RoleDriver, RoleFrontDesk, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// Capability is an action the engine gates on a role.
type Capability int

const (
	// CapBook allows requesting seats.
	CapBook Capability = iota + 1
	// CapManageBookings allows confirming, rejecting and cancelling any booking.
	CapManageBookings
	// CapOperateTrip allows starting trips and completing route segments.
	CapOperateTrip
	// CapManageTrips allows raw seat adjustments, trip cancellation and cleanup.
	CapManageTrips
)

var roleCapabilities = map[Role][]Capability{
	RoleGuest:     {CapBook},
	RoleDriver:    {CapOperateTrip},
	RoleFrontDesk: {CapBook, CapManageBookings},
	RoleAdmin:     {CapBook, CapManageBookings, CapManageTrips},
}

func (r Role) Can(c Capability) bool {
	for _, have := range roleCapabilities[r] {
		if have == c {
			return true
		}
	}
	return false
}

// Principal is the verified caller.
type Principal struct {
	UserID  string
	HotelID string
	Role    Role
}

func (p Principal) Can(c Capability) bool { return p.Role.Can(c) }

func (p Principal) Authenticated() bool { return p.UserID != "" && p.Role != "" }

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p.Authenticated()
}
