package stdioadapter

import "os/user"

// UserProvider supplies the identity attached to every call made over a
// stdio connection. Stdio has no bearer-token handshake; the OS process
// owner stands in for an authenticated principal.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the identity from the operating system's
// current user, preferring the username and falling back to the numeric
// uid when unavailable (e.g. some container base images).
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}
