package logstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nicelgueta/cdktr/pkg/protocol"
)

// IngestServer accepts log frames over HTTP as an alternate path into the
// log pipeline, for producers that do not speak NATS (event listeners,
// sidecar scripts). Frames are forwarded to the ingest subject as sent,
// except that a zero timestamp is set to the time of receipt.
type IngestServer struct {
	transport Transport
	logger    *slog.Logger
	srv       *http.Server
}

// NewIngestServer builds the server bound to addr (the logs listening port).
func NewIngestServer(addr string, transport Transport, logger *slog.Logger) *IngestServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &IngestServer{transport: transport, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/logs", s.handlePost)
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
func (s *IngestServer) ListenAndServe() error {
	s.logger.Info("log ingest endpoint listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server.
func (s *IngestServer) Shutdown() error {
	return s.srv.Close()
}

// handlePost accepts either a single frame object or an array of frames.
func (s *IngestServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var frames []protocol.LogFrame

	dec := json.NewDecoder(r.Body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		http.Error(w, fmt.Sprintf("malformed body: %v", err), http.StatusBadRequest)
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &frames); err != nil {
			http.Error(w, fmt.Sprintf("malformed frame array: %v", err), http.StatusBadRequest)
			return
		}
	} else {
		var frame protocol.LogFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			http.Error(w, fmt.Sprintf("malformed frame: %v", err), http.StatusBadRequest)
			return
		}
		frames = append(frames, frame)
	}

	for _, frame := range frames {
		if frame.TimestampMS == 0 {
			frame.TimestampMS = time.Now().UnixMilli()
		}
		data, err := protocol.EncodeFrame(frame)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.transport.Publish(protocol.SubjectLogIngest, data); err != nil {
			s.logger.Warn("http ingest publish failed", "error", err)
			http.Error(w, "log transport unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}
