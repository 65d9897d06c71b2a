// Package server exposes the triage pipeline over HTTP and a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
	"github.com/xhad/doctorbot/pkg/pipeline"
)

const (
	Version = "0.1.0"
	// hitPreviewChars caps hit text in responses.
	hitPreviewChars = 200
	maxBodyBytes    = 1 << 20
)

// Pipeline is the subset of pipeline.Service the server calls.
type Pipeline interface {
	Retrieve(ctx context.Context, req pipeline.RetrieveRequest) (pipeline.RetrieveResponse, error)
	TriageStream(ctx context.Context, req pipeline.TriageRequest, progress func(pipeline.Stage)) (models.TriageResult, error)
	ChunkCount() int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is one websocket frame sent to the client.
type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

// wsRequest is one websocket frame received from the client. Type is
// "retrieve" or "triage"; Content carries the query.
type wsRequest struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Content         string            `json:"content"`
	TopK            int               `json:"top_k"`
	UseReranker     bool              `json:"use_reranker"`
	FollowupAnswers map[string]string `json:"followup_answers"`
}

type Config struct {
	Addr   string
	Logger *log.Logger
}

type Server struct {
	config   Config
	pipeline Pipeline
	logger   *log.Logger
}

func New(p Pipeline, config Config) *Server {
	if config.Addr == "" {
		config.Addr = ":8000"
	}
	return &Server{config: config, pipeline: p, logger: logging.OrNop(config.Logger)}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /retrieve", s.handleRetrieve)
	mux.HandleFunc("POST /triage", s.handleTriage)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s.withRequestID(withCORS(mux))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

type ctxKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		started := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		s.logger.Debug().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(started)).Msg("request")
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Medical triage assistant API",
		"version": Version,
		"health":  "/health",
		"endpoints": []string{
			"POST /retrieve",
			"POST /triage",
			"GET /ws",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded, chunks := s.pipeline != nil, 0
	if loaded {
		chunks = s.pipeline.ChunkCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"version":          Version,
		"retriever_loaded": loaded,
		"chunks":           chunks,
	})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req pipeline.RetrieveRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.pipeline.Retrieve(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Hits = previewHits(resp.Hits)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req pipeline.TriageRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.pipeline.TriageStream(r.Context(), req, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := triageBody(res)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// triageResponse is the wire form of both triage result variants.
type triageResponse struct {
	NextAction        models.NextAction     `json:"next_action"`
	FollowupQuestions []models.Question     `json:"followup_questions,omitempty"`
	TriageNote        *models.TriageNote    `json:"triage_note,omitempty"`
	JudgeVerdict      *models.JudgeVerdict  `json:"judge_verdict,omitempty"`
	Hits              []models.RetrievalHit `json:"hits,omitempty"`
}

func triageBody(res models.TriageResult) (triageResponse, error) {
	switch v := res.(type) {
	case models.AskFollowups:
		return triageResponse{
			NextAction:        v.NextAction(),
			FollowupQuestions: v.Questions,
			Hits:              previewHits(v.Hits),
		}, nil
	case models.ReturnTriage:
		return triageResponse{
			NextAction:   v.NextAction(),
			TriageNote:   v.Note,
			JudgeVerdict: v.Verdict,
			Hits:         previewHits(v.Hits),
		}, nil
	default:
		return triageResponse{}, fmt.Errorf("unexpected triage result %T", res)
	}
}

func previewHits(hits []models.RetrievalHit) []models.RetrievalHit {
	out := make([]models.RetrievalHit, len(hits))
	for i, h := range hits {
		if r := []rune(h.Text); len(r) > hitPreviewChars {
			h.Text = string(r[:hitPreviewChars]) + "..."
		}
		out[i] = h
	}
	return out
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.BadRequest("invalid request body: %v", err)
	}
	return nil
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errs.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, errs.ErrGeneration):
		return http.StatusBadGateway, "generation"
	case errors.Is(err, errs.ErrAuthentication):
		return http.StatusBadGateway, "authentication"
	case errors.Is(err, errs.ErrConfiguration):
		return http.StatusInternalServerError, "configuration"
	case errors.Is(err, context.Canceled):
		return 499, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	id := requestID(r.Context())
	s.logger.Error().Err(err).Str("request_id", id).Str("kind", kind).Int("status", status).Msg("request failed")
	writeJSON(w, status, map[string]any{
		"error":      err.Error(),
		"kind":       kind,
		"retryable":  errs.Retryable(err),
		"request_id": id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &wsConn{conn: conn}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("websocket read ended")
			}
			cancel()
			return
		}

		var req wsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			s.sendMessage(c, "", "error", fmt.Sprintf("invalid message: %v", err), nil)
			continue
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleMessage(ctx, c, req)
		}()
	}
}

func (s *Server) handleMessage(ctx context.Context, c *wsConn, req wsRequest) {
	switch req.Type {
	case "retrieve":
		s.sendMessage(c, req.ID, "status", "retrieving", nil)
		resp, err := s.pipeline.Retrieve(ctx, pipeline.RetrieveRequest{Query: req.Content, TopK: req.TopK, UseReranker: req.UseReranker})
		if err != nil {
			s.sendError(c, req.ID, err)
			return
		}
		resp.Hits = previewHits(resp.Hits)
		s.sendMessage(c, req.ID, "result", fmt.Sprintf("%d hits", resp.TotalHits), resp)

	case "triage", "":
		res, err := s.pipeline.TriageStream(ctx, pipeline.TriageRequest{
			Query:           req.Content,
			FollowupAnswers: req.FollowupAnswers,
			TopK:            req.TopK,
		}, func(stage pipeline.Stage) {
			s.sendMessage(c, req.ID, "status", string(stage), nil)
		})
		if err != nil {
			s.sendError(c, req.ID, err)
			return
		}
		body, err := triageBody(res)
		if err != nil {
			s.sendError(c, req.ID, err)
			return
		}
		s.sendMessage(c, req.ID, "result", string(body.NextAction), body)

	default:
		s.sendMessage(c, req.ID, "error", fmt.Sprintf("unknown message type %q", req.Type), nil)
	}
}

func (s *Server) sendError(c *wsConn, id string, err error) {
	status, kind := statusFor(err)
	s.logger.Error().Err(err).Str("request_id", id).Str("kind", kind).Msg("websocket request failed")
	s.sendMessage(c, id, "error", err.Error(), map[string]any{"kind": kind, "status": status, "retryable": errs.Retryable(err)})
}

func (s *Server) sendMessage(c *wsConn, id, msgType, content string, data any) {
	msg := Message{Type: msgType, Content: content, Data: data}
	if id != "" {
		msg.Data = envelope{RequestID: id, Payload: data}
	}
	if err := c.send(msg); err != nil {
		s.logger.Debug().Err(err).Str("request_id", id).Msg("failed to send websocket message")
	}
}

// envelope tags websocket payloads with the request they answer.
type envelope struct {
	RequestID string `json:"request_id"`
	Payload   any    `json:"payload,omitempty"`
}
