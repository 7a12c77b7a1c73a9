package rpcapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/l2seq/sequencer/internal/logging"
)

// Server wraps Handler in an http.Server as a lifecycle.Service, so the
// admission surface starts/stops alongside the rest of the core under
// internal/lifecycle.Manager.
type Server struct {
	addr string
	srv  *http.Server
	log  *logging.Logger
}

// NewServer constructs a Server listening on addr, serving h.
func NewServer(addr string, h *Handler, log *logging.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/", h)
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		log:  log.Module("rpcapi.server"),
	}
}

func (s *Server) Name() string { return "rpcapi" }

// Start begins serving in the background; it does not block (spec §5
// every blocking operation must be cancellable, and a process entrypoint
// must not stall lifecycle.Manager.StartAll on an http.Server that blocks
// until shutdown).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.ReportError("rpc server exited", err)
		}
	}()
	s.log.Info("rpc server listening", "addr", s.addr)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
