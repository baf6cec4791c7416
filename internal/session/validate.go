package session

import (
	"fmt"
	"regexp"

	"maunium.net/go/mautrix/id"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name can be used as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// ValidateUserID checks that userID is a full Matrix ID (@localpart:server).
// An empty ID is accepted; the daemon then runs offline.
func ValidateUserID(userID string) error {
	if userID == "" {
		return nil
	}
	if _, hs, err := id.UserID(userID).Parse(); err != nil || hs == "" {
		return fmt.Errorf("invalid matrix user id %q: want @localpart:server", userID)
	}
	return nil
}
