// Package mfaserver implements the local HTTP intake server that forwards
// the user's second factor into the auth state machine. It is the only way
// a code enters the process; the server accepts input, validates its shape
// and hands typed requests over a channel.
package mfaserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/normalerweise/icloud-photos-sync/internal/icloud"
)

var codePattern = regexp.MustCompile(`^\d{6}$`)

// Server accepts MFA codes and resend requests over HTTP.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	requests   chan icloud.MFARequest

	mu          sync.Mutex
	lastMethod  icloud.Method
	lastPhoneID int

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a server bound to the given port. Requests are delivered on
// Requests(); the channel is closed when the server shuts down.
func New(port int) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		requests: make(chan icloud.MFARequest, 4),
		stopped:  make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/mfa", s.handleCode)
	s.mux.HandleFunc("/resend", s.handleResend)
}

// Requests is the typed channel consumed by the auth state machine.
func (s *Server) Requests() <-chan icloud.MFARequest { return s.requests }

// Start listens until the context is cancelled. The error is nil on a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	slog.Info("MFA server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case <-s.stopped:
		// A code was submitted; the server's job is done.
	case err := <-errCh:
		close(s.requests)
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	close(s.requests)
	return nil
}

// handleCode accepts POST /mfa?code=NNNNNN and forwards the code using the
// last requested method (trusted device when none was requested).
func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	select {
	case <-s.stopped:
		http.Error(w, "a code was already submitted", http.StatusGone)
		return
	default:
	}
	code := r.URL.Query().Get("code")
	if !codePattern.MatchString(code) {
		http.Error(w, "code must be 6 digits", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	req := icloud.MFARequest{Method: s.lastMethod, PhoneNumberID: s.lastPhoneID, Code: code}
	s.mu.Unlock()

	select {
	case s.requests <- req:
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "code accepted")
		// The server stops itself after a submission: a rejected code is
		// fatal upstream, an accepted one ends the MFA phase either way.
		s.stopOnce.Do(func() { close(s.stopped) })
	default:
		http.Error(w, "a code is already being processed", http.StatusConflict)
	}
}

// handleResend accepts POST /resend?method={device|sms|voice}&phoneNumberId=N.
func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	method, err := icloud.ParseMethod(r.URL.Query().Get("method"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	phoneID := 1
	if v := r.URL.Query().Get("phoneNumberId"); v != "" {
		phoneID, err = strconv.Atoi(v)
		if err != nil || phoneID < 1 {
			http.Error(w, "invalid phoneNumberId", http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	s.lastMethod = method
	s.lastPhoneID = phoneID
	s.mu.Unlock()

	select {
	case s.requests <- icloud.MFARequest{Method: method, PhoneNumberID: phoneID, Resend: true}:
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "resend requested")
	default:
		http.Error(w, "a request is already being processed", http.StatusConflict)
	}
}
