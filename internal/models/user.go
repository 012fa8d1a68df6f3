package models

// UserType tells how much we know about the acting identity.
type UserType string

const (
	UserUnidentified  UserType = "unidentified"
	UserAuthenticated UserType = "authenticated"
	UserSystem        UserType = "system"
)

// UserInfo identifies the actor behind a session or a history entry. Only
// authenticated users carry Name/Email/UserID.
type UserInfo struct {
	UserType UserType `json:"userType"`
	Nickname string   `json:"nickname"`
	Name     string   `json:"name,omitempty"`
	Email    string   `json:"email,omitempty"`
	UserID   string   `json:"userId,omitempty"`
}

// AnonymousUser is the default identity of a fresh session.
func AnonymousUser(nickname string) UserInfo {
	return UserInfo{UserType: UserUnidentified, Nickname: nickname}
}

// SystemUser marks entries produced by the server itself, e.g. bootstrap
// events written during migration.
func SystemUser() UserInfo {
	return UserInfo{UserType: UserSystem, Nickname: "system"}
}
