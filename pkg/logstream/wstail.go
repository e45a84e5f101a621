package logstream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/nicelgueta/cdktr/pkg/protocol"
)

// TailServer bridges the log fan-out to websocket clients. Each connection
// names a workflow id prefix and receives matching frames as JSON messages,
// in arrival order. A client that falls 256 frames behind misses the frames
// that arrive while its buffer is full.
type TailServer struct {
	nc     *nats.Conn
	logger *slog.Logger
	srv    *http.Server

	upgrader websocket.Upgrader
}

// NewTailServer builds the server bound to addr (the logs publishing port).
func NewTailServer(addr string, nc *nats.Conn, logger *slog.Logger) *TailServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TailServer{
		nc:     nc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Subscribers are trusted UIs and CLIs; the transport carries
			// no credentials to protect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/stream", s.handleStream)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests.
func (s *TailServer) ListenAndServe() error {
	s.logger.Info("log fan-out endpoint listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server.
func (s *TailServer) Shutdown() error {
	return s.srv.Close()
}

func (s *TailServer) handleStream(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	frames := make(chan protocol.LogFrame, 256)
	sub, err := Subscribe(s.nc, prefix, func(f protocol.LogFrame) {
		select {
		case frames <- f:
		default:
			// Slow websocket consumer; drop rather than stall the fan-out.
		}
	})
	if err != nil {
		s.logger.Warn("tail subscribe failed", "prefix", prefix, "error", err)
		return
	}
	defer sub.Unsubscribe()

	// Reader goroutine notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case frame := <-frames:
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
