package session

import "marketchat/internal/api"

// Sources are the three places a "current user" value can come from. A
// page load seeds the server-rendered value, the client refetch
// revalidates it, and profile edits land in the local store first.
type Sources struct {
	Local     *api.User
	Refetched *api.User
	Seeded    *api.User
}

// Resolve picks the value shown to the UI. Precedence is fixed: the
// local store wins, then the client refetch, then the server-seeded
// value. Absent sources are skipped.
func Resolve(s Sources) *api.User {
	if s.Local != nil {
		return s.Local
	}
	if s.Refetched != nil {
		return s.Refetched
	}
	return s.Seeded
}
