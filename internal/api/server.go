// Package api exposes a plain HTTP admin surface over a running
// overlay node: a JSON status endpoint, a health check, and a
// WebSocket feed of ring membership changes for live dashboards. It
// sits entirely outside the node-to-node wire protocol (§6.1) and
// never participates in request dispatch.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ryogrid/funnelkvs/internal/chord"
	"github.com/ryogrid/funnelkvs/pkg"
)

// Server is the HTTP admin/status server for one overlay node.
type Server struct {
	httpServer *http.Server
	wsHub      *WebSocketHub
	node       *chord.Node
	logger     *pkg.Logger

	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates an admin server fronting node.
func NewServer(node *chord.Node, logger *pkg.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("api: logger cannot be nil")
	}
	return &Server{
		node:         node,
		wsHub:        NewWebSocketHub(logger),
		logger:       logger.WithComponent("http_api"),
		pollInterval: time.Second,
	}, nil
}

// Start begins serving on the given port. Binding and serving happen in
// a background goroutine, so a bind failure is logged rather than
// returned. The ring-event broadcaster and WebSocket hub also run in
// background goroutines.
func (s *Server) Start(port int) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.wsHub.Run()
	go s.broadcastRingChanges()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/ws", s.wsHub.HandleWebSocket)

	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http admin server error")
		}
	}()

	s.logger.Info().Int("port", port).Msg("admin HTTP server started")
	return nil
}

// Stop gracefully shuts the admin server and its WebSocket hub down.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.wsHub != nil {
		s.wsHub.Stop()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("api: shutdown: %w", err)
		}
	}
	s.logger.Info().Msg("admin HTTP server stopped")
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statusResponse struct {
	Self        string   `json:"self"`
	Predecessor string   `json:"predecessor,omitempty"`
	Successors  []string `json:"successors"`
	KeyCount    int      `json:"key_count"`
	Ready       bool     `json:"ready"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := snapshotToStatus(s.node.Snapshot())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func snapshotToStatus(snap chord.NodeSnapshot) statusResponse {
	resp := statusResponse{
		Self:     snap.Self.Address(),
		KeyCount: snap.KeyCount,
		Ready:    snap.Ready,
	}
	if snap.HasPredecessor {
		resp.Predecessor = snap.Predecessor.Address()
	}
	for _, s := range snap.Successors {
		resp.Successors = append(resp.Successors, s.Address())
	}
	return resp
}

// broadcastRingChanges polls the node's routing snapshot and pushes a
// ring_update event whenever membership visibly changes, so connected
// dashboards don't need to poll /status themselves.
func (s *Server) broadcastRingChanges() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var lastFingerprint string
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			snap := s.node.Snapshot()
			resp := snapshotToStatus(snap)
			fp := fmt.Sprintf("%s|%v|%d", resp.Predecessor, resp.Successors, resp.KeyCount)
			if fp == lastFingerprint {
				continue
			}
			lastFingerprint = fp
			if err := s.wsHub.BroadcastRingUpdate(resp); err != nil {
				s.logger.Warn().Err(err).Msg("failed to broadcast ring update")
			}
		}
	}
}

func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}
