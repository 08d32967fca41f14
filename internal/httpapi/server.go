package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/davmello/visage/internal/artifact"
	"github.com/davmello/visage/internal/config"
	"github.com/davmello/visage/internal/observability"
	"github.com/davmello/visage/internal/protocol"
	"github.com/davmello/visage/internal/session"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	orch      Orchestrator
	artifacts artifact.Storage
	metrics   *observability.Metrics
	stages    *observability.StageWindow
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orch Orchestrator, artifacts artifact.Storage, metrics *observability.Metrics, stages *observability.StageWindow) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		orch:      orch,
		artifacts: artifacts,
		metrics:   metrics,
		stages:    stages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so another
				// site cannot drive a user's mic session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/conversation/ws", s.handleConversationWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/recordings/{id}/video", s.handleArtifact(artifact.KindVideo))
	r.Get("/v1/recordings/{id}/thumbnail", s.handleArtifact(artifact.KindThumbnail))
	r.Get("/v1/perf/pipeline", s.handlePipelinePerf)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePipelinePerf(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func (s *Server) handleArtifact(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rc, ref, err := s.artifacts.Open(r.Context(), id, kind)
		if err != nil {
			respondError(w, http.StatusNotFound, "artifact_not_found", "no such artifact")
			return
		}
		defer rc.Close()
		name := "recording.mp4"
		if kind == artifact.KindThumbnail {
			name = "thumbnail.jpg"
		}
		http.ServeContent(w, r, name, ref.SavedAt, rc)
	}
}

// handleConversationWS upgrades the connection and pumps frames between the
// socket and the orchestrator. Binary frames are paired with the preceding
// metadata message that declared them.
func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orch.RunConnection(ctx, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(8 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	// Messages that declared a binary payload wait here, in order, for their
	// out-of-band frame.
	var awaitingBinary []any

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.TextMessage:
			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				s.sendError(ctx, outbound, "invalid_client_message", err.Error())
				continue
			}
			if t, ok := messageTypeOf(parsed); ok {
				s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
			}
			if protocol.ExpectsBinary(parsed) {
				awaitingBinary = append(awaitingBinary, parsed)
				continue
			}
			select {
			case <-ctx.Done():
				break readLoop
			case inbound <- parsed:
			}

		case websocket.BinaryMessage:
			if len(awaitingBinary) == 0 {
				// Binary frame with no declaring metadata message; drop it.
				s.metrics.WSMessages.WithLabelValues("inbound", "stray_binary").Inc()
				continue
			}
			head := awaitingBinary[0]
			awaitingBinary = awaitingBinary[1:]
			paired, err := protocol.AttachBinary(head, data)
			if err != nil {
				s.sendError(ctx, outbound, "binary_pairing_failed", err.Error())
				continue
			}
			select {
			case <-ctx.Done():
				break readLoop
			case inbound <- paired:
			}
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) sendError(ctx context.Context, outbound chan<- any, code, detail string) {
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		Code:      code,
		Source:    "gateway",
		Retryable: false,
		Detail:    detail,
	}
	if ctx.Err() != nil {
		return
	}
	select {
	case outbound <- ev:
	default:
		// Keep websocket writes single-threaded; drop if the queue is full.
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.InitSession:
		return m.Type, true
	case protocol.AudioFrame:
		return m.Type, true
	case protocol.UserTurnEnd:
		return m.Type, true
	case protocol.TextTurn:
		return m.Type, true
	case protocol.EndSession:
		return m.Type, true
	case protocol.RecordingStart:
		return m.Type, true
	case protocol.RecordingChunk:
		return m.Type, true
	case protocol.RecordingFinish:
		return m.Type, true
	case protocol.SessionReady:
		return m.Type, true
	case protocol.TranscriptPartial:
		return m.Type, true
	case protocol.TranscriptFinal:
		return m.Type, true
	case protocol.ResponseChunk:
		return m.Type, true
	case protocol.ResponseComplete:
		return m.Type, true
	case protocol.SpeechChunk:
		return m.Type, true
	case protocol.SpeechAlignment:
		return m.Type, true
	case protocol.UserInterrupted:
		return m.Type, true
	case protocol.RecordingStarted:
		return m.Type, true
	case protocol.RecordingFinished:
		return m.Type, true
	case protocol.RecordingError:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.SessionEnded:
		return m.Type, true
	default:
		return "", false
	}
}
