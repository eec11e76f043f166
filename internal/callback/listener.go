// Package callback captures a single OAuth2 authorization-code redirect on
// localhost. A Listener is single-use: it binds a port, serves until the
// first usable redirect arrives (or the wait times out), and tears the socket
// down on every exit path.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for port selection.
const (
	DefaultHost      = "127.0.0.1"
	DefaultBasePort  = 8080
	DefaultPortRange = 10
)

// shutdownTimeout is how long to wait for the in-flight response to drain.
const shutdownTimeout = 5 * time.Second

// readHeaderTimeout guards against slow-header clients holding the socket.
const readHeaderTimeout = 5 * time.Second

// Sentinel errors. Use errors.Is to check.
var (
	ErrPortUnavailable = errors.New("callback: no free local port")
	ErrTimeout         = errors.New("callback: timed out waiting for authorization")
	ErrDenied          = errors.New("callback: authorization denied")
	ErrListenerUsed    = errors.New("callback: listener already used")
)

// DeniedError is returned when the redirect carried error=.
type DeniedError struct {
	Code        string
	Description string
}

func (e *DeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("callback: authorization denied: %s: %s", e.Code, e.Description)
	}

	return "callback: authorization denied: " + e.Code
}

func (e *DeniedError) Unwrap() error {
	return ErrDenied
}

// State is the listener lifecycle state.
type State int32

// Listener states. Received, Denied, TimedOut and Canceled are terminal.
const (
	StateIdle State = iota
	StateListening
	StateReceived
	StateDenied
	StateTimedOut
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateReceived:
		return "received"
	case StateDenied:
		return "denied"
	case StateTimedOut:
		return "timed_out"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// ListenConfig controls where the listener binds.
type ListenConfig struct {
	Host string // default 127.0.0.1
	// BasePort is the first port tried; 0 asks the kernel for any free port.
	BasePort int
	// PortRange is how many consecutive ports to try from BasePort.
	PortRange int
	Path      string
	Logger    *slog.Logger
}

// Listener is a one-shot local HTTP endpoint for the provider redirect.
type Listener struct {
	ln     net.Listener
	srv    *http.Server
	port   int
	path   string
	logger *slog.Logger

	state    atomic.Int32
	used     atomic.Bool
	resultCh chan Result
	sendOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

// Listen binds the first free port in the configured range and starts
// serving the callback path. The caller must call Await or Close.
func Listen(ctx context.Context, cfg ListenConfig) (*Listener, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	if cfg.PortRange <= 0 {
		cfg.PortRange = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := bindPort(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return nil, errors.New("callback: listener address is not TCP")
	}

	l := &Listener{
		ln:       ln,
		port:     tcpAddr.Port,
		path:     cfg.Path,
		logger:   logger,
		resultCh: make(chan Result, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.Path, l.handleCallback)

	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	l.state.Store(int32(StateListening))

	go func() {
		if serveErr := l.srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Warn("callback server stopped", slog.String("error", serveErr.Error()))
		}
	}()

	logger.Info("callback listener ready", slog.Int("port", l.port), slog.String("path", l.path))

	return l, nil
}

// bindPort tries BasePort..BasePort+PortRange-1 in order.
func bindPort(ctx context.Context, cfg ListenConfig) (net.Listener, error) {
	lc := net.ListenConfig{}

	if cfg.BasePort == 0 {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(cfg.Host, "0"))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPortUnavailable, err)
		}

		return ln, nil
	}

	var lastErr error

	for port := cfg.BasePort; port < cfg.BasePort+cfg.PortRange; port++ {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}

		lastErr = err
	}

	return nil, fmt.Errorf("%w: tried %d-%d: %w",
		ErrPortUnavailable, cfg.BasePort, cfg.BasePort+cfg.PortRange-1, lastErr)
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	return l.port
}

// RedirectURL is the URI to register as redirect_uri for this flow.
func (l *Listener) RedirectURL() string {
	return fmt.Sprintf("http://localhost:%d%s", l.port, l.path)
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Await blocks until the redirect arrives, timeout elapses, or ctx is done,
// then closes the listener. Exactly one terminal state is reached. State
// validation is the caller's job: the returned Result carries what the
// provider sent.
func (l *Listener) Await(ctx context.Context, timeout time.Duration) (Result, error) {
	if !l.used.CompareAndSwap(false, true) {
		return Result{}, ErrListenerUsed
	}

	defer l.Close()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-l.resultCh:
		if res.Error != "" {
			l.state.Store(int32(StateDenied))
			return res, &DeniedError{Code: res.Error, Description: res.ErrorDescription}
		}

		l.state.Store(int32(StateReceived))

		return res, nil

	case <-timer.C:
		l.state.Store(int32(StateTimedOut))
		l.logger.Warn("no authorization callback received", slog.Duration("timeout", timeout))

		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)

	case <-ctx.Done():
		l.state.Store(int32(StateCanceled))
		return Result{}, fmt.Errorf("callback: waiting for authorization: %w", ctx.Err())
	}
}

// Close stops the server and releases the port. Safe to call repeatedly.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := l.srv.Shutdown(shutdownCtx); err != nil {
			l.logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
			l.closeErr = l.srv.Close()
		}

		if l.State() == StateListening {
			l.state.Store(int32(StateCanceled))
		}

		l.logger.Debug("callback listener closed", slog.Int("port", l.port))
	})

	return l.closeErr
}

// handleCallback parses code/state or error, answers with a static page and
// hands the result to Await. A request with neither is answered 400 and does
// not end the wait.
func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	res := Result{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	switch {
	case res.Error != "":
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, deniedPage)
	case res.Code != "":
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, successPage)
	default:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, badRequestPage)

		return
	}

	// Flush before signaling so Close cannot cut off the browser's page.
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	l.sendOnce.Do(func() {
		l.resultCh <- res
	})
}

const successPage = `<html><body><h1>Authentication successful</h1>` +
	`<p>You can close this window and return to the terminal.</p></body></html>`

const deniedPage = `<html><body><h1>Authorization was not granted</h1>` +
	`<p>The provider reported an error. You can close this window.</p></body></html>`

const badRequestPage = `<html><body><h1>Authentication failed</h1>` +
	`<p>No authorization code was received.</p></body></html>`
