package ingest

import "strings"

// SanitizeUserID reduces a federated identity to the bare user id: a
// trailing @domain and a leading scheme: prefix are stripped.
// "elixir:alice@example.org" becomes "alice"; "bob" stays "bob".
func SanitizeUserID(user string) string {
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[i+1:]
	}
	return user
}
