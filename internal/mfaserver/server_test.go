package mfaserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/normalerweise/icloud-photos-sync/internal/icloud"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(0)
	ts := httptest.NewServer(s.mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestSubmitCode(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/mfa?code=123456", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	req := <-s.Requests()
	if req.Resend || req.Code != "123456" || req.Method != icloud.MethodDevice {
		t.Fatalf("request = %+v", req)
	}
}

func TestSubmitUsesLastRequestedMethod(t *testing.T) {
	s, ts := newTestServer(t)

	if _, err := http.Post(ts.URL+"/resend?method=sms&phoneNumberId=2", "", nil); err != nil {
		t.Fatal(err)
	}
	resend := <-s.Requests()
	if !resend.Resend || resend.Method != icloud.MethodSMS || resend.PhoneNumberID != 2 {
		t.Fatalf("resend = %+v", resend)
	}

	if _, err := http.Post(ts.URL+"/mfa?code=654321", "", nil); err != nil {
		t.Fatal(err)
	}
	submit := <-s.Requests()
	if submit.Method != icloud.MethodSMS || submit.PhoneNumberID != 2 || submit.Code != "654321" {
		t.Fatalf("submit = %+v", submit)
	}
}

func TestMalformedInput(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []string{
		"/mfa?code=12345",      // too short
		"/mfa?code=abcdef",     // not digits
		"/mfa",                 // missing
		"/resend?method=email", // unknown method
		"/resend?method=sms&phoneNumberId=zero",
	}
	for _, path := range tests {
		resp, err := http.Post(ts.URL+path, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestSecondSubmitRejectedAfterStop(t *testing.T) {
	s, ts := newTestServer(t)

	if _, err := http.Post(ts.URL+"/mfa?code=123456", "", nil); err != nil {
		t.Fatal(err)
	}
	<-s.Requests()

	resp, err := http.Post(ts.URL+"/mfa?code=123456", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want 410", resp.StatusCode)
	}
}

func TestGetNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/mfa?code=123456")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
