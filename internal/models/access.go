package models

import "strings"

// AccessLevel is an ordered capability derived from the board's access policy
// and the session's identity. It is re-derived on every join, never cached.
type AccessLevel string

const (
	AccessNone      AccessLevel = "none"
	AccessReadOnly  AccessLevel = "read-only"
	AccessReadWrite AccessLevel = "read-write"
	AccessAdmin     AccessLevel = "admin"
)

// ordinal gives the capability ordering none < read-only < read-write < admin.
func (a AccessLevel) ordinal() int {
	switch a {
	case AccessReadOnly:
		return 1
	case AccessReadWrite:
		return 2
	case AccessAdmin:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether a grants at least the capability of other.
func (a AccessLevel) AtLeast(other AccessLevel) bool {
	return a.ordinal() >= other.ordinal()
}

// CanWrite reports whether the level permits persistable board mutations.
func (a AccessLevel) CanWrite() bool {
	return a.AtLeast(AccessReadWrite)
}

// AccessListEntry grants a level to an email address or a whole email domain.
type AccessListEntry struct {
	Email  string      `json:"email,omitempty"`
	Domain string      `json:"domain,omitempty"`
	Access AccessLevel `json:"access"`
}

// AccessPolicy restricts who may see and edit a board. A nil policy means the
// board is open: everyone gets admin, as on anonymously created boards.
type AccessPolicy struct {
	AllowList   []AccessListEntry `json:"allowList"`
	PublicRead  bool              `json:"publicRead,omitempty"`
	PublicWrite bool              `json:"publicWrite,omitempty"`
}

// CheckBoardAccess derives the access level for a user against a policy.
// Pure function of its inputs; policy evaluation has no other state.
func CheckBoardAccess(policy *AccessPolicy, user UserInfo) AccessLevel {
	if policy == nil {
		return AccessAdmin
	}
	level := AccessNone
	if policy.PublicWrite {
		level = AccessReadWrite
	} else if policy.PublicRead {
		level = AccessReadOnly
	}
	if user.UserType != UserAuthenticated {
		return level
	}
	email := strings.ToLower(user.Email)
	domain := ""
	if at := strings.LastIndex(email, "@"); at >= 0 {
		domain = email[at+1:]
	}
	for _, entry := range policy.AllowList {
		granted := entry.Access
		if granted == "" {
			// Older policies stored bare emails without an explicit level.
			granted = AccessReadWrite
		}
		match := (entry.Email != "" && strings.ToLower(entry.Email) == email) ||
			(entry.Domain != "" && strings.ToLower(entry.Domain) == domain)
		if match && granted.AtLeast(level) {
			level = granted
		}
	}
	return level
}
