// ABOUTME: HTTP server exposing the websocket endpoints for the three audiences.
// ABOUTME: Authenticates via caller-supplied callbacks before any registry mutation.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/support-gateway/internal/customer"
	"github.com/2389/support-gateway/internal/message"
	"github.com/2389/support-gateway/internal/transport"
)

// Authenticators resolve an opaque authenticated identity from the connect
// request. The gateway never verifies credentials itself; a nil
// authenticator rejects every connection on its endpoint.
type Authenticators struct {
	Customer func(r *http.Request) (customer.Session, error)
	Operator func(r *http.Request) (message.Identity, error)
	Agent    func(r *http.Request) (message.Identity, error)
}

// Server exposes the gateway over websocket endpoints: /customer,
// /operator, and /agent.
type Server struct {
	gw       *Gateway
	auth     Authenticators
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates an HTTP front for the gateway. Pass nil logger for
// default.
func NewServer(gw *Gateway, auth Authenticators, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		gw:   gw,
		auth: auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "server"),
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/customer", s.handleCustomer)
	mux.HandleFunc("/operator", s.handleOperator)
	mux.HandleFunc("/agent", s.handleAgent)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) handleCustomer(w http.ResponseWriter, r *http.Request) {
	s.serveConn(w, r, func(ctx context.Context, conn transport.Conn) error {
		if s.auth.Customer == nil {
			return errors.New("customer endpoint disabled")
		}
		sess, err := s.auth.Customer(r)
		if err != nil {
			return err
		}
		s.gw.ConnectCustomer(ctx, conn, sess)
		return nil
	})
}

func (s *Server) handleOperator(w http.ResponseWriter, r *http.Request) {
	s.serveConn(w, r, func(ctx context.Context, conn transport.Conn) error {
		if s.auth.Operator == nil {
			return errors.New("operator endpoint disabled")
		}
		identity, err := s.auth.Operator(r)
		if err != nil {
			return err
		}
		s.gw.ConnectOperator(ctx, conn, identity)
		return nil
	})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	s.serveConn(w, r, func(ctx context.Context, conn transport.Conn) error {
		if s.auth.Agent == nil {
			return errors.New("agent endpoint disabled")
		}
		identity, err := s.auth.Agent(r)
		if err != nil {
			return err
		}
		s.gw.ConnectAgent(ctx, conn, identity)
		return nil
	})
}

// serveConn upgrades the request and hands the connection to attach. An
// attach error means authentication failed: the peer is told and the
// connection closed before any registry mutation happened.
func (s *Server) serveConn(w http.ResponseWriter, r *http.Request, attach func(context.Context, transport.Conn) error) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}

	conn := transport.NewWebsocket(ws, s.logger)
	ctx := r.Context()

	if err := attach(ctx, conn); err != nil {
		s.logger.Info("unauthorized connection",
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"error", err)
		_ = conn.Send("unauthorized", err.Error())
		_ = conn.Close()
		return
	}

	if err := conn.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("connection ended", "path", r.URL.Path, "error", err)
	}
}
