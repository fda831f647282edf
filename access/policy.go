package access

import (
	"time"
)

// Visibility controls who may view a job without an explicit grant.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// SubjectType identifies what a grant subject refers to.
type SubjectType string

const (
	SubjectUser SubjectType = "user"
	SubjectRole SubjectType = "role"
)

// Permission is a grantable capability.
type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

// Well-known roles with special handling in the evaluator.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Grant allows a user or role a set of permissions on a job.
type Grant struct {
	SubjectType SubjectType  `json:"subject_type"`
	Subject     string       `json:"subject"`
	Permissions []Permission `json:"permissions"`
	GrantedBy   string       `json:"granted_by,omitempty"`
	GrantedAt   *time.Time   `json:"granted_at,omitempty"`
}

// Policy is the visibility plus grant list attached to a job.
type Policy struct {
	Visibility Visibility `json:"visibility"`
	Grants     []Grant    `json:"grants,omitempty"`
	UpdatedBy  string     `json:"updated_by,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// DefaultPolicy resolves the policy for a job that never had one set:
// private when the job has an owner, public when it was submitted
// anonymously.
func DefaultPolicy(ownerID string) *Policy {
	if ownerID != "" {
		return &Policy{Visibility: VisibilityPrivate}
	}
	return &Policy{Visibility: VisibilityPublic}
}

// CanAccess decides whether the requester holds the given permission.
// Rule order matters: the admin override and the viewer role ceiling are
// evaluated before ownership and grants.
func CanAccess(p *Policy, ownerID, userID, userRole string, perm Permission) bool {
	switch perm {
	case PermissionView, PermissionEdit:
	default:
		return false
	}

	if userRole == RoleAdmin {
		return true
	}

	// Role ceiling: a viewer can never edit, even with an explicit grant.
	if perm == PermissionEdit && userRole == RoleViewer {
		return false
	}

	if ownerID != "" && userID == ownerID {
		return true
	}

	if p == nil {
		p = DefaultPolicy(ownerID)
	}

	if perm == PermissionView && p.Visibility == VisibilityPublic {
		return true
	}

	if userID == "" && userRole == "" {
		return false
	}

	for _, g := range p.Grants {
		var match bool
		switch g.SubjectType {
		case SubjectUser:
			match = userID != "" && g.Subject == userID
		case SubjectRole:
			match = userRole != "" && g.Subject == userRole
		}
		if !match {
			continue
		}
		for _, gp := range g.Permissions {
			if gp == perm {
				return true
			}
		}
	}

	return false
}
