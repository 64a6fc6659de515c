// Package bridge relays bus traffic to external real-time clients over one
// websocket endpoint. Each connection gets a consumer-group read on the
// response stream (acknowledged only after a successful forward) and a
// pub/sub subscription on the UI panel channel; inbound agent requests are
// appended to the request stream verbatim.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ledgerline/agentrun/internal/bus"
)

// Bus is the slice of the message bus the relay uses.
type Bus interface {
	AppendRequestRaw(ctx context.Context, payload []byte) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]bus.Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error)
}

// Server is the websocket relay endpoint.
type Server struct {
	bus      Bus
	upgrader websocket.Upgrader
}

// NewServer builds a relay server over the given bus.
func NewServer(b Bus) *Server {
	return &Server{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay carries no credentials; origin policy is left to
			// the deployment's proxy layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler exposing /ws/agents.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agents", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(ctx, w, r)
	})
	return mux
}

// Run serves the relay on addr until ctx ends, then shuts the listener
// down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(ctx),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("bridge relay listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("bridge shutdown failed", "error", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) serveWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	newClient(ws, s.bus).run(ctx)
}
