package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	gorillaWS "github.com/gorilla/websocket"

	"github.com/codex-team/ctproto/internal/common/clock"
	"github.com/codex-team/ctproto/internal/common/constants"
	"github.com/codex-team/ctproto/internal/common/idgen"
	"github.com/codex-team/ctproto/internal/common/logger"
	"github.com/codex-team/ctproto/pkg/message"
)

// Server accepts websocket connections and drives each through the
// protocol state machine.
type Server struct {
	opts     Options
	log      *logger.Logger
	factory  *message.Factory
	registry *Registry
	clock    clock.Clock
	upgrader gorillaWS.Upgrader

	httpSrv *http.Server

	mu    sync.Mutex
	conns map[*connection]struct{}
}

func New(opts Options) (*Server, error) {
	opts.applyDefaults()
	if err := opts.validateOptions(); err != nil {
		return nil, err
	}

	return &Server{
		opts:     opts,
		log:      opts.Logger,
		factory:  message.NewFactory(idgen.NewRandomGenerator()),
		registry: NewRegistry(),
		clock:    clock.NewRealClock(),
		upgrader: gorillaWS.Upgrader{
			ReadBufferSize:  constants.ReadBufferSize,
			WriteBufferSize: constants.WriteBufferSize,
			// The protocol has its own authorization gate; origins are
			// not restricted at the transport level.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}, nil
}

// Clients exposes the registry of authorized clients for host-initiated
// queries and pushes.
func (s *Server) Clients() *Registry {
	return s.registry
}

// Handler returns the websocket endpoint for mounting into an existing mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// ListenAndServe serves the websocket endpoint on the configured
// host:port at Path (or at the root when Path is empty). It blocks until
// Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	path := s.opts.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleWebSocket)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Handler:           mux,
		ReadHeaderTimeout: constants.WriteWait,
	}

	s.log.Infof("ctproto server listening on %s%s", s.httpSrv.Addr, path)
	return s.httpSrv.ListenAndServe()
}

// Shutdown closes every live connection with 1000 Normal and stops the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(CloseNormal, "")
	}

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("websocket upgrade failed: %v", err)
		return
	}

	conn := newConnection(s, ws)
	s.track(conn)
	go conn.run()
}

func (s *Server) track(c *connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
