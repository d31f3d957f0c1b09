package model

// User is the identity mutation queues and overlays are scoped to.
type User struct {
	UID string
}

// Unauthenticated is the anonymous user.
var Unauthenticated = User{}

func (u User) IsAuthenticated() bool { return u.UID != "" }

// Key is the storage key for per-user tables.
func (u User) Key() string { return u.UID }

func (u User) String() string {
	if u.UID == "" {
		return "anonymous"
	}
	return u.UID
}
