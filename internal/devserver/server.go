package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/f4ah6o/devserver-go/internal/config"
	"github.com/f4ah6o/devserver-go/internal/mimetype"
)

// ShutdownTimeout bounds how long Serve waits for in-flight requests after
// its context is cancelled.
const ShutdownTimeout = 5 * time.Second

// State is the lifecycle stage of a Server.
type State int

const (
	// Starting covers construction and binding.
	Starting State = iota
	// Serving means the listener is bound and requests are being handled.
	Serving
	// Terminated is final, reached through a bind failure or shutdown.
	Terminated
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Serving:
		return "serving"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// BindError reports that the listening socket could not be opened,
// typically because the port is in use or privileged.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("cannot listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Server is a static file server bound to one document root.
type Server struct {
	cfg  *config.Config
	root string
	http *http.Server

	mu    sync.Mutex
	ln    net.Listener
	state State
}

// New builds a Server for root using cfg. root should already be resolved
// with config.ResolveRoot. A nil logger discards the access log.
func New(cfg *config.Config, root string, logger *log.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	types, err := mimetype.New(cfg.MIMETypes)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	handler := NewHandler(root, types)
	if !cfg.Quiet {
		handler = AccessLog(logger, handler)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger,
	}
	if cfg.Serial {
		srv.SetKeepAlivesEnabled(false)
	}

	return &Server{
		cfg:   cfg,
		root:  root,
		http:  srv,
		state: Starting,
	}, nil
}

// Root returns the document root being served.
func (s *Server) Root() string {
	return s.root
}

// State returns the current lifecycle stage.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen binds the TCP listener. A failure is returned as *BindError and
// moves the server to Terminated; it is not retried.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Starting {
		return fmt.Errorf("listen called in state %s", s.state)
	}

	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.state = Terminated
		return &BindError{Addr: addr, Err: err}
	}
	if s.cfg.Serial {
		ln = netutil.LimitListener(ln, 1)
	}
	s.ln = ln
	s.state = Serving
	return nil
}

// Addr returns the bound address, or nil before Listen succeeds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Port returns the bound TCP port, or 0 before Listen succeeds.
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Serve handles requests until ctx is cancelled, then shuts down gracefully
// and returns nil. Listen must have succeeded first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("serve called before listen")
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.http.Serve(ln)
	}()

	select {
	case err := <-errc:
		s.setState(Terminated)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	<-errc
	s.setState(Terminated)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
