package icloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

// Endpoints are the Apple account service bases. Overridable for tests.
type Endpoints struct {
	Auth  string
	Setup string
}

// DefaultEndpoints returns the production Apple endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Auth:  "https://idmsa.apple.com/appleauth/auth",
		Setup: "https://setup.icloud.com/setup/ws/1",
	}
}

// widgetKey identifies the iCloud web client to the auth endpoint.
const widgetKey = "d39ba9916b7251055b22c7f910e2ea796ee65e98b2ddecea8f5dde8d9d1a815d"

// Options configures a Client.
type Options struct {
	Username   string
	Password   string
	TokenStore TrustTokenStore
	FailOnMFA  bool
	Timeout    time.Duration
	Endpoints  Endpoints
}

// Client drives the auth state machine and owns the HTTP session (cookie
// jar included) that the photos layer reuses.
type Client struct {
	httpClient *http.Client
	endpoints  Endpoints
	tokens     TrustTokenStore
	failOnMFA  bool

	session *Session
}

// NewClient creates a client in UNAUTHENTICATED state. The stored trust
// token, if any, is loaded into the session so signin can present it.
func NewClient(opts Options) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindICloud, "create cookie jar", err)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Endpoints.Auth == "" {
		opts.Endpoints = DefaultEndpoints()
	}

	trustToken, err := opts.TokenStore.Load()
	if err != nil {
		return nil, err
	}

	return &Client{
		httpClient: &http.Client{Jar: jar, Timeout: opts.Timeout},
		endpoints:  opts.Endpoints,
		tokens:     opts.TokenStore,
		failOnMFA:  opts.FailOnMFA,
		session: &Session{
			Account: AccountSecrets{Username: opts.Username, Password: opts.Password},
			Tokens:  AccountTokens{TrustToken: trustToken},
		},
	}, nil
}

// Reset discards the session and cookies so authentication can start over,
// re-reading the persisted trust token. Used between sync retry attempts
// and after a 401 from the photos endpoint.
func (c *Client) Reset() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return apperr.Wrap(apperr.KindICloud, "create cookie jar", err)
	}
	trustToken, err := c.tokens.Load()
	if err != nil {
		return err
	}
	c.httpClient.Jar = jar
	c.session = &Session{
		Account: c.session.Account,
		Tokens:  AccountTokens{TrustToken: trustToken},
	}
	return nil
}

// Session exposes the session read-only; other components must not mutate it.
func (c *Client) Session() *Session { return c.session }

// HTTPClient returns the shared HTTP client. The photos layer uses it so
// queries carry the setup cookies.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// PhotosDomain returns the user-specific photos endpoint discovered during
// setup.
func (c *Client) PhotosDomain() string { return c.session.PhotosDomain }

// State returns the current auth state.
func (c *Client) State() State { return c.session.State }

// doJSON issues a request with the session's auth headers and an optional
// JSON body.
func (c *Client) doJSON(ctx context.Context, method, url string, payload any) (*http.Response, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindICloud, "encode request", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindICloud, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Apple-Widget-Key", widgetKey)
	req.Header.Set("X-Apple-OAuth-Client-Id", widgetKey)
	req.Header.Set("X-Apple-OAuth-Client-Type", "firstPartyAuth")
	if c.session.Auth.SessionID != "" {
		req.Header.Set("X-Apple-ID-Session-Id", c.session.Auth.SessionID)
	}
	if c.session.Auth.Scnt != "" {
		req.Header.Set("scnt", c.session.Auth.Scnt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindInterrupt, "request cancelled", err)
		}
		return nil, apperr.Wrap(apperr.KindICloud, fmt.Sprintf("%s %s", method, url), err)
	}
	return resp, nil
}
