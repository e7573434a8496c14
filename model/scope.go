package model

import "fmt"

// Wildcard matches any tenant, service, or channel in a scope key.
const Wildcard = "*"

// ScopeKey identifies a rate-limit or budget bucket. Any field may be the
// wildcard, which matches every value at that position.
type ScopeKey struct {
	Tenant  string `json:"tenant"`
	Service string `json:"service"`
	Channel string `json:"channel"`
}

func (s ScopeKey) String() string {
	return fmt.Sprintf("%s:%s:%s", s.Tenant, s.Service, s.Channel)
}

// Matches reports whether the scope key covers the given concrete
// (tenant, service, channel) tuple, treating wildcards as matching anything.
func (s ScopeKey) Matches(tenant, service, channel string) bool {
	if s.Tenant != Wildcard && s.Tenant != tenant {
		return false
	}
	if s.Service != Wildcard && s.Service != service {
		return false
	}
	if s.Channel != Wildcard && s.Channel != channel {
		return false
	}
	return true
}

// Specificity ranks scope keys so that configuration lookup can evaluate
// candidates most-specific-first. Each non-wildcard field adds a point, with
// tenant weighted highest so tenant-specific configs win over wildcard-tenant
// ones of equal width.
func (s ScopeKey) Specificity() int {
	score := 0
	if s.Tenant != Wildcard {
		score += 4
	}
	if s.Service != Wildcard {
		score += 2
	}
	if s.Channel != Wildcard {
		score++
	}
	return score
}

// LookupKeys returns the ordered candidate keys for resolving configuration
// for a concrete tuple: tenant-specific first, then wildcard-tenant, then the
// global default.
func LookupKeys(tenant, service, channel string) []ScopeKey {
	return []ScopeKey{
		{Tenant: tenant, Service: service, Channel: channel},
		{Tenant: tenant, Service: Wildcard, Channel: channel},
		{Tenant: tenant, Service: Wildcard, Channel: Wildcard},
		{Tenant: Wildcard, Service: service, Channel: channel},
		{Tenant: Wildcard, Service: Wildcard, Channel: channel},
		{Tenant: Wildcard, Service: Wildcard, Channel: Wildcard},
	}
}
