package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/dgnsrekt/storage-relay/internal/registry"
)

// Registrar is the registry surface exposed over HTTP.
type Registrar interface {
	Upsert(url string, prefixes []string, version string) (registry.Subscriber, error)
	Deactivate(url string) error
	List() []registry.Subscriber
	ActiveCount() int
}

// BufferStats reports the retained block window.
type BufferStats interface {
	Oldest() (uint64, bool)
	Newest() (uint64, bool)
	Floor() uint64
	Len() int
}

type Server struct {
	registry Registrar
	buffer   BufferStats
	logger   *zap.Logger
}

func NewServer(reg Registrar, buffer BufferStats, logger *zap.Logger) *Server {
	return &Server{
		registry: reg,
		buffer:   buffer,
		logger:   logger,
	}
}

type bufferHealth struct {
	Blocks int     `json:"blocks"`
	Oldest *uint64 `json:"oldest"`
	Newest *uint64 `json:"newest"`
	Floor  uint64  `json:"floor"`
}

type healthResponse struct {
	Status            string       `json:"status"`
	ActiveSubscribers int          `json:"activeSubscribers"`
	Buffer            bufferHealth `json:"buffer"`
}

// HandleHealth reports liveness with a summary of the pipeline state.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:            "ok",
		ActiveSubscribers: s.registry.ActiveCount(),
		Buffer: bufferHealth{
			Blocks: s.buffer.Len(),
			Floor:  s.buffer.Floor(),
		},
	}
	if h, ok := s.buffer.Oldest(); ok {
		resp.Buffer.Oldest = &h
	}
	if h, ok := s.buffer.Newest(); ok {
		resp.Buffer.Newest = &h
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// HandleSubscribers lists every known subscriber context.
func (s *Server) HandleSubscribers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}
