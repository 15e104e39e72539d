package icloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

// SignIn performs the login request. A 200 means the presented trust token
// is still valid and the session is TRUSTED immediately; a 409 means a
// second factor is required.
func (c *Client) SignIn(ctx context.Context) error {
	if err := c.session.require(StateUnauthenticated); err != nil {
		return err
	}
	c.session.State = StateAuthenticating

	payload := struct {
		AccountName string   `json:"accountName"`
		Password    string   `json:"password"`
		TrustTokens []string `json:"trustTokens"`
	}{
		AccountName: c.session.Account.Username,
		Password:    c.session.Account.Password,
		TrustTokens: []string{c.session.Tokens.TrustToken},
	}

	resp, err := c.doJSON(ctx, http.MethodPost, c.endpoints.Auth+"/signin", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.captureAuthSecrets(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		if err := c.session.validateAuthSecrets(); err != nil {
			return err
		}
		c.session.State = StateTrusted
		slog.Info("signed in with valid trust token")
		return nil
	case http.StatusConflict:
		if err := c.session.validateAuthSecrets(); err != nil {
			return err
		}
		c.session.State = StateMFARequired
		slog.Info("multi-factor authentication required")
		return nil
	case http.StatusUnauthorized:
		return apperr.New(apperr.KindAuth, "bad credentials")
	case http.StatusForbidden:
		return apperr.Newf(apperr.KindAuth, "unknown user %s", c.session.Account.Username)
	}
	return apperr.Newf(apperr.KindUnexpected, "signin returned HTTP %d", resp.StatusCode).
		With("status", resp.StatusCode)
}

// captureAuthSecrets pulls session id, scnt and the aasp cookie out of an
// auth response.
func (c *Client) captureAuthSecrets(resp *http.Response) {
	if v := resp.Header.Get("X-Apple-ID-Session-Id"); v != "" {
		c.session.Auth.SessionID = v
	}
	if v := resp.Header.Get("scnt"); v != "" {
		c.session.Auth.Scnt = v
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "aasp" {
			c.session.Auth.AASP = cookie.Value
		}
	}
}

// ResendMFA triggers a new challenge over the given method. Failure is a
// warning: the user can retry through the intake server.
func (c *Client) ResendMFA(ctx context.Context, method Method, phoneNumberID int) error {
	if err := c.session.require(StateMFARequired); err != nil {
		return err
	}
	resp, err := c.doJSON(ctx, http.MethodPut, c.endpoints.Auth+method.resendPath(), method.resendPayload(phoneNumberID))
	if err != nil {
		return apperr.Wrap(apperr.KindMFAWarning, fmt.Sprintf("resend %s challenge", method), err)
	}
	defer resp.Body.Close()
	if !method.validateResponse(resp.StatusCode) {
		return apperr.Newf(apperr.KindMFAWarning, "resend %s challenge returned HTTP %d", method, resp.StatusCode).
			With("status", resp.StatusCode)
	}
	slog.Info("MFA challenge sent", "method", method.String())
	return nil
}

// SubmitMFA submits a security code. A rejected code is fatal at this
// level; the intake server surfaces retries as fresh submissions.
func (c *Client) SubmitMFA(ctx context.Context, method Method, phoneNumberID int, code string) error {
	if err := c.session.require(StateMFARequired); err != nil {
		return err
	}
	resp, err := c.doJSON(ctx, http.MethodPost, c.endpoints.Auth+method.submitPath(), method.submitPayload(phoneNumberID, code))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !method.validateResponse(resp.StatusCode) {
		return apperr.Newf(apperr.KindAuth, "MFA code rejected (HTTP %d)", resp.StatusCode).
			With("method", method.String())
	}
	c.session.State = StateAuthenticated
	slog.Info("MFA code accepted", "method", method.String())
	return nil
}

// Trust exchanges the MFA'd session for a session token and a fresh trust
// token; these are the credentials worth persisting.
func (c *Client) Trust(ctx context.Context) error {
	if err := c.session.require(StateAuthenticated); err != nil {
		return err
	}
	resp, err := c.doJSON(ctx, http.MethodGet, c.endpoints.Auth+"/2sv/trust", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sessionToken := resp.Header.Get("X-Apple-Session-Token")
	trustToken := resp.Header.Get("X-Apple-TwoSV-Trust-Token")
	if sessionToken == "" || trustToken == "" {
		return apperr.Newf(apperr.KindToken, "trust response missing tokens (HTTP %d)", resp.StatusCode).
			With("status", resp.StatusCode)
	}
	c.session.Tokens.SessionToken = sessionToken
	c.session.Tokens.TrustToken = trustToken
	c.session.State = StateTrusted

	if err := c.tokens.Save(trustToken); err != nil {
		// Persisting is best-effort; next run just redoes MFA.
		slog.Warn("could not persist trust token", "error", err)
	}
	return nil
}

// setupResponse is the subset of the accountLogin body we need.
type setupResponse struct {
	Webservices map[string]struct {
		URL    string `json:"url"`
		Status string `json:"status"`
	} `json:"webservices"`
}

// Setup establishes the iCloud web session: cloud cookies land in the jar,
// the body names the user-specific photos endpoint.
func (c *Client) Setup(ctx context.Context) error {
	if err := c.session.require(StateTrusted); err != nil {
		return err
	}

	// A session trusted straight from signin has no session token; the
	// stored trust token stands in via the signin cookies. The dsWebAuthToken
	// field carries whichever token the session holds.
	token := c.session.Tokens.SessionToken
	if token == "" {
		token = c.session.Tokens.TrustToken
	}
	payload := struct {
		DSWebAuthToken string `json:"dsWebAuthToken"`
		TrustToken     string `json:"trustToken"`
	}{token, c.session.Tokens.TrustToken}

	resp, err := c.doJSON(ctx, http.MethodPost, c.endpoints.Setup+"/accountLogin", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.KindICloud, "setup returned HTTP %d", resp.StatusCode).
			With("status", resp.StatusCode)
	}

	var body setupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return apperr.Wrap(apperr.KindUnexpected, "decode setup response", err)
	}
	photos, ok := body.Webservices["ckdatabasews"]
	if !ok || photos.URL == "" {
		return apperr.New(apperr.KindICloud, "setup response missing photos webservice")
	}
	c.session.PhotosDomain = photos.URL
	c.session.State = StateSetupDone
	slog.Info("icloud session established", "photos_domain", photos.URL)
	return nil
}

// MarkReady records a successful warm-up query against the photos endpoint.
func (c *Client) MarkReady() error {
	if err := c.session.require(StateSetupDone); err != nil {
		return err
	}
	c.session.State = StateReady
	return nil
}

// Authenticate drives the whole state machine to SETUP_DONE, consuming MFA
// requests from the intake channel when a second factor is required.
func (c *Client) Authenticate(ctx context.Context, requests <-chan MFARequest) error {
	if err := c.SignIn(ctx); err != nil {
		return err
	}

	if c.session.State == StateMFARequired {
		if c.failOnMFA {
			return apperr.New(apperr.KindAuth, "MFA required but --fail-on-mfa is set")
		}
		// Kick off the default trusted-device challenge; a failure here is
		// only a warning since the user can request another method.
		if err := c.ResendMFA(ctx, MethodDevice, 0); err != nil {
			slog.Warn("initial MFA challenge failed", "error", err)
		}
		if err := c.awaitMFA(ctx, requests); err != nil {
			return err
		}
	}

	if c.session.State == StateAuthenticated {
		if err := c.Trust(ctx); err != nil {
			return err
		}
	}
	return c.Setup(ctx)
}

// awaitMFA processes intake requests until a code is accepted.
func (c *Client) awaitMFA(ctx context.Context, requests <-chan MFARequest) error {
	for c.session.State == StateMFARequired {
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindInterrupt, "interrupted while waiting for MFA", ctx.Err())
		case req, ok := <-requests:
			if !ok {
				return apperr.New(apperr.KindAuth, "MFA channel closed before a code was accepted")
			}
			if req.Resend {
				if err := c.ResendMFA(ctx, req.Method, req.PhoneNumberID); err != nil {
					slog.Warn("MFA resend failed", "method", req.Method.String(), "error", err)
				}
				continue
			}
			if err := c.SubmitMFA(ctx, req.Method, req.PhoneNumberID, req.Code); err != nil {
				return err
			}
		}
	}
	return nil
}
