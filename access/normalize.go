package access

import (
	"time"
)

// Normalize canonicalizes an incoming policy before it is stored. Grants
// are deduplicated by subject, permission lists are canonically ordered
// with edit implying view, and unknown subject types or permissions from
// untrusted input are dropped silently. When a normalized grant comes out
// identical to one already on the prior policy, the prior grant's
// granted_by/granted_at metadata is preserved.
func Normalize(p *Policy, prior *Policy, updatedBy string, now time.Time) *Policy {
	if p == nil {
		return nil
	}

	out := &Policy{
		Visibility: p.Visibility,
		UpdatedBy:  updatedBy,
		UpdatedAt:  &now,
	}
	if out.Visibility != VisibilityPublic {
		out.Visibility = VisibilityPrivate
	}

	var priorGrants []Grant
	if prior != nil {
		priorGrants = prior.Grants
	}
	out.Grants = NormalizeGrants(p.Grants, priorGrants)
	return out
}

// NormalizeGrants applies the grant canonicalization rules, keeping the
// first-seen order of subjects and merging duplicate subjects into one
// grant with the union of their permissions.
func NormalizeGrants(grants []Grant, prior []Grant) []Grant {
	type key struct {
		t SubjectType
		s string
	}

	order := make([]key, 0, len(grants))
	merged := make(map[key][]Permission)

	for _, g := range grants {
		if g.Subject == "" {
			continue
		}
		switch g.SubjectType {
		case SubjectUser, SubjectRole:
		default:
			continue
		}

		perms := canonicalPermissions(g.Permissions)
		if len(perms) == 0 {
			continue
		}

		k := key{g.SubjectType, g.Subject}
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = canonicalPermissions(append(merged[k], perms...))
	}

	out := make([]Grant, 0, len(order))
	for _, k := range order {
		g := Grant{
			SubjectType: k.t,
			Subject:     k.s,
			Permissions: merged[k],
		}
		if pg := matchingPrior(prior, k.t, k.s); pg != nil && equalPermissions(pg.Permissions, g.Permissions) {
			g.GrantedBy = pg.GrantedBy
			g.GrantedAt = pg.GrantedAt
		}
		out = append(out, g)
	}
	return out
}

// canonicalPermissions filters unknown permissions, expands edit to
// include view and returns the result in canonical view-then-edit order.
func canonicalPermissions(perms []Permission) []Permission {
	var view, edit bool
	for _, p := range perms {
		switch p {
		case PermissionView:
			view = true
		case PermissionEdit:
			edit = true
		}
	}
	if edit {
		view = true
	}

	out := make([]Permission, 0, 2)
	if view {
		out = append(out, PermissionView)
	}
	if edit {
		out = append(out, PermissionEdit)
	}
	return out
}

func matchingPrior(prior []Grant, t SubjectType, subject string) *Grant {
	for i := range prior {
		if prior[i].SubjectType == t && prior[i].Subject == subject {
			return &prior[i]
		}
	}
	return nil
}

func equalPermissions(a, b []Permission) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
