// Package icloud implements the Apple account authentication state machine
// and holds the session secrets used by the photos query layer.
package icloud

import (
	"fmt"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

// State is the auth state machine position. Transitions only move forward;
// a failed run starts over with a fresh session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateMFARequired
	StateAuthenticated
	StateTrusted
	StateSetupDone
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateMFARequired:
		return "MFA_REQUIRED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateTrusted:
		return "TRUSTED"
	case StateSetupDone:
		return "SETUP_DONE"
	case StateReady:
		return "READY"
	}
	return "UNAUTHENTICATED"
}

// AccountSecrets are the user's login credentials.
type AccountSecrets struct {
	Username string
	Password string
}

// AuthSecrets are captured from the signin response and authenticate the
// MFA and trust calls.
type AuthSecrets struct {
	SessionID string // X-Apple-ID-Session-Id header
	Scnt      string // scnt header
	AASP      string // aasp cookie
}

// AccountTokens are issued after the trust step. The trust token is the one
// worth persisting: it lets later logins skip MFA within its validity.
type AccountTokens struct {
	SessionToken string
	TrustToken   string
}

// Session is the per-process auth session. Created once, validated at each
// transition, owned by the Client; read-only for other components after
// READY.
type Session struct {
	State State

	Account AccountSecrets
	Auth    AuthSecrets
	Tokens  AccountTokens

	// PhotosDomain is the user-specific ckdatabasews endpoint from setup.
	PhotosDomain string
}

// require validates that the session is in one of the given states before a
// transition.
func (s *Session) require(states ...State) error {
	for _, want := range states {
		if s.State == want {
			return nil
		}
	}
	return apperr.Newf(apperr.KindAuth, "invalid auth state %s", s.State).
		With("state", s.State.String())
}

// validateAuthSecrets checks the secret capture after signin.
func (s *Session) validateAuthSecrets() error {
	if s.Auth.SessionID == "" || s.Auth.Scnt == "" || s.Auth.AASP == "" {
		return apperr.New(apperr.KindUnexpected,
			fmt.Sprintf("signin response missing auth secrets (session=%t scnt=%t aasp=%t)",
				s.Auth.SessionID != "", s.Auth.Scnt != "", s.Auth.AASP != ""))
	}
	return nil
}
