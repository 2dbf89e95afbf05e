package broker

import (
	"fmt"
	"os/exec"
	"os/user"
)

// Authenticator decides whether username is allowed to own a session.
// spec.md §9 treats account authentication as "a pluggable predicate —
// full PAM is a desirable extension"; this interface is that seam.
type Authenticator interface {
	Authenticate(username string) error
}

// UserExistsAuthenticator is the default Authenticator: it only checks
// that the OS user database knows username, matching spec.md §1's
// explicit scope note that "only the 'user exists, UID known' result
// matters to the core".
type UserExistsAuthenticator struct{}

func (UserExistsAuthenticator) Authenticate(username string) error {
	if _, err := user.Lookup(username); err != nil {
		return fmt.Errorf("unknown user %q: %w", username, err)
	}
	return nil
}

// SuAuthenticator shells out to `su -c true <user>` to verify the account
// non-interactively, matching the original implementation's stubbed PAM
// integration (cosmic-ext-rdp-broker/src/pam_auth.rs). It is not the
// default: it widens the trust boundary beyond "user exists" and is
// provided only so deployments that want the original's behavior can opt
// in via the same Authenticator seam.
type SuAuthenticator struct{}

func (SuAuthenticator) Authenticate(username string) error {
	if err := (UserExistsAuthenticator{}).Authenticate(username); err != nil {
		return err
	}
	if err := exec.Command("su", "-c", "true", username).Run(); err != nil {
		return fmt.Errorf("su check failed for %q: %w", username, err)
	}
	return nil
}
