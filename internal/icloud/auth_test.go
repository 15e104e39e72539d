package icloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

// fakeApple mocks the idmsa and setup endpoints for the auth flow.
type fakeApple struct {
	signinStatus int
	submitStatus int
	resendStatus int
	trustMissing bool

	signinSeen []map[string]any
	resendSeen []string
	submitSeen []map[string]any
}

func (f *fakeApple) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.signinSeen = append(f.signinSeen, body)
		w.Header().Set("X-Apple-ID-Session-Id", "session-1")
		w.Header().Set("scnt", "scnt-1")
		http.SetCookie(w, &http.Cookie{Name: "aasp", Value: "aasp-1"})
		w.WriteHeader(f.signinStatus)
	})
	mux.HandleFunc("/auth/verify/trusteddevice", func(w http.ResponseWriter, r *http.Request) {
		f.resendSeen = append(f.resendSeen, "device")
		w.WriteHeader(f.resendStatus)
	})
	mux.HandleFunc("/auth/verify/phone", func(w http.ResponseWriter, r *http.Request) {
		f.resendSeen = append(f.resendSeen, "phone")
		w.WriteHeader(f.resendStatus)
	})
	mux.HandleFunc("/auth/verify/trusteddevice/securitycode", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.submitSeen = append(f.submitSeen, body)
		w.WriteHeader(f.submitStatus)
	})
	mux.HandleFunc("/auth/verify/phone/securitycode", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.submitSeen = append(f.submitSeen, body)
		w.WriteHeader(f.submitStatus)
	})
	mux.HandleFunc("/auth/2sv/trust", func(w http.ResponseWriter, r *http.Request) {
		if !f.trustMissing {
			w.Header().Set("X-Apple-Session-Token", "session-token-1")
			w.Header().Set("X-Apple-TwoSV-Trust-Token", "trust-token-1")
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/setup/accountLogin", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "X-APPLE-WEBAUTH-TOKEN", Value: "cloud-cookie"})
		_ = json.NewEncoder(w).Encode(map[string]any{
			"webservices": map[string]any{
				"ckdatabasews": map[string]any{"url": "https://p42-ckdatabasews.example.com:443", "status": "active"},
			},
		})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeApple) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(Options{
		Username:   "user@example.com",
		Password:   "secret",
		TokenStore: TrustTokenStore{Path: filepath.Join(t.TempDir(), ".trust-token.icloud")},
		Timeout:    5 * time.Second,
		Endpoints: Endpoints{
			Auth:  srv.URL + "/auth",
			Setup: srv.URL + "/setup",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return client, srv
}

func TestSignInTrustedDirectly(t *testing.T) {
	f := &fakeApple{signinStatus: http.StatusOK}
	client, _ := newTestClient(t, f)

	if err := client.SignIn(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.State() != StateTrusted {
		t.Fatalf("state = %v", client.State())
	}
	if s := client.Session().Auth; s.SessionID != "session-1" || s.Scnt != "scnt-1" || s.AASP != "aasp-1" {
		t.Fatalf("auth secrets = %+v", s)
	}
}

func TestSignInMFARequired(t *testing.T) {
	f := &fakeApple{signinStatus: http.StatusConflict}
	client, _ := newTestClient(t, f)
	if err := client.SignIn(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.State() != StateMFARequired {
		t.Fatalf("state = %v", client.State())
	}
}

func TestSignInBadCredentials(t *testing.T) {
	f := &fakeApple{signinStatus: http.StatusUnauthorized}
	client, _ := newTestClient(t, f)
	err := client.SignIn(context.Background())
	if apperr.KindOf(err) != apperr.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestSignInUnexpectedStatus(t *testing.T) {
	f := &fakeApple{signinStatus: http.StatusTeapot}
	client, _ := newTestClient(t, f)
	err := client.SignIn(context.Background())
	if apperr.KindOf(err) != apperr.KindUnexpected {
		t.Fatalf("expected unexpected-response error, got %v", err)
	}
}

func TestSignInSendsStoredTrustToken(t *testing.T) {
	f := &fakeApple{signinStatus: http.StatusOK}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	tokenPath := filepath.Join(t.TempDir(), ".trust-token.icloud")
	if err := os.WriteFile(tokenPath, []byte("stored-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	client, err := NewClient(Options{
		Username:   "user@example.com",
		Password:   "secret",
		TokenStore: TrustTokenStore{Path: tokenPath},
		Endpoints:  Endpoints{Auth: srv.URL + "/auth", Setup: srv.URL + "/setup"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.SignIn(context.Background()); err != nil {
		t.Fatal(err)
	}

	tokens := f.signinSeen[0]["trustTokens"].([]any)
	if len(tokens) != 1 || tokens[0] != "stored-token" {
		t.Fatalf("trustTokens = %v", tokens)
	}
}

func TestResendFailureIsWarning(t *testing.T) {
	f := &fakeApple{signinStatus: http.StatusConflict, resendStatus: http.StatusBadRequest}
	client, _ := newTestClient(t, f)
	if err := client.SignIn(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := client.ResendMFA(context.Background(), MethodSMS, 1)
	if apperr.KindOf(err) != apperr.KindMFAWarning {
		t.Fatalf("expected MFA warning, got %v", err)
	}
	if client.State() != StateMFARequired {
		t.Fatal("state changed on failed resend")
	}
}

func TestSubmitRejectedIsFatal(t *testing.T) {
	f := &fakeApple{signinStatus: http.StatusConflict, submitStatus: http.StatusBadRequest}
	client, _ := newTestClient(t, f)
	if err := client.SignIn(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := client.SubmitMFA(context.Background(), MethodDevice, 0, "000000")
	if apperr.KindOf(err) != apperr.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestFullMFAFlowPersistsTrustToken(t *testing.T) {
	f := &fakeApple{
		signinStatus: http.StatusConflict,
		resendStatus: http.StatusOK,
		submitStatus: http.StatusNoContent,
	}
	client, _ := newTestClient(t, f)

	requests := make(chan MFARequest, 2)
	requests <- MFARequest{Method: MethodSMS, PhoneNumberID: 1, Resend: true}
	requests <- MFARequest{Method: MethodSMS, PhoneNumberID: 1, Code: "123456"}

	if err := client.Authenticate(context.Background(), requests); err != nil {
		t.Fatal(err)
	}
	if client.State() != StateSetupDone {
		t.Fatalf("state = %v", client.State())
	}
	if got := client.PhotosDomain(); got != "https://p42-ckdatabasews.example.com:443" {
		t.Fatalf("photos domain = %q", got)
	}

	// The fresh trust token was persisted for the next run.
	token, err := client.tokens.Load()
	if err != nil {
		t.Fatal(err)
	}
	if token != "trust-token-1" {
		t.Fatalf("persisted token = %q", token)
	}

	// SMS submission carried the phone payload.
	last := f.submitSeen[len(f.submitSeen)-1]
	if last["mode"] != "sms" {
		t.Fatalf("submit payload = %v", last)
	}
}

func TestFailOnMFA(t *testing.T) {
	f := &fakeApple{signinStatus: http.StatusConflict}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{
		Username:   "user@example.com",
		Password:   "secret",
		TokenStore: TrustTokenStore{Path: filepath.Join(t.TempDir(), "token")},
		FailOnMFA:  true,
		Endpoints:  Endpoints{Auth: srv.URL + "/auth", Setup: srv.URL + "/setup"},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = client.Authenticate(context.Background(), nil)
	if apperr.KindOf(err) != apperr.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestTrustMissingTokensIsTokenError(t *testing.T) {
	f := &fakeApple{signinStatus: http.StatusConflict, submitStatus: http.StatusOK, trustMissing: true}
	client, _ := newTestClient(t, f)
	ctx := context.Background()
	if err := client.SignIn(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.SubmitMFA(ctx, MethodDevice, 0, "123456"); err != nil {
		t.Fatal(err)
	}
	err := client.Trust(ctx)
	if apperr.KindOf(err) != apperr.KindToken {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestMarkReadyRequiresSetupDone(t *testing.T) {
	f := &fakeApple{signinStatus: http.StatusOK}
	client, _ := newTestClient(t, f)
	if err := client.MarkReady(); apperr.KindOf(err) != apperr.KindAuth {
		t.Fatalf("expected auth state error, got %v", err)
	}
}
