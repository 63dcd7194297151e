// Package httpapi exposes the bridge to a browser UI: JSON endpoints to start
// and cancel operations, page history and manage files, and an SSE stream of
// stream_chunk events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/antonkrylov/streambridge/internal/attachments"
	"github.com/antonkrylov/streambridge/internal/bridge"
	"github.com/antonkrylov/streambridge/internal/chatpb"
)

const maxUploadBytes = 64 << 20

// Options wires the handlers to their collaborators.
type Options struct {
	Bridge *bridge.Bridge
	// Config is the base configuration of every operation started over HTTP.
	Config      bridge.Config
	Attachments *attachments.Store
	// Events serves GET /events, normally a *sink.SSE.
	Events http.Handler
	Logger *slog.Logger
}

type Server struct {
	bridge      *bridge.Bridge
	cfg         bridge.Config
	attachments *attachments.Store
	events      http.Handler
	logger      *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		bridge:      opts.Bridge,
		cfg:         opts.Config,
		attachments: opts.Attachments,
		events:      opts.Events,
		logger:      logger,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /api/operations", s.handleOperations)
	mux.HandleFunc("POST /api/operations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/backend", s.handleGetBackend)
	mux.HandleFunc("PUT /api/backend", s.handleSetBackend)
	mux.HandleFunc("POST /api/uploads", s.handleUpload)
	mux.HandleFunc("GET /api/attachments", s.handleAttachments)
	if s.events != nil {
		mux.Handle("GET /events", s.events)
	}
	return s.logRequests(mux)
}

type sendRequest struct {
	ConversationID string   `json:"conversation_id"`
	Sender         string   `json:"sender"`
	Text           string   `json:"text"`
	Attachments    []string `json:"attachments"`
	MetadataJSON   string   `json:"metadata_json"`
}

type sendResponse struct {
	OperationID    string `json:"operation_id"`
	ConversationID string `json:"conversation_id"`
	Address        string `json:"address"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), startTimeout(s.cfg))
	defer cancel()
	op, err := s.bridge.Start(ctx, s.cfg, bridge.Request{
		ConversationID: req.ConversationID,
		Sender:         req.Sender,
		Text:           req.Text,
		Attachments:    req.Attachments,
		MetadataJSON:   req.MetadataJSON,
	})
	if err != nil {
		s.logger.Warn("send failed", "conversation", req.ConversationID, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{
		OperationID:    op.ID(),
		ConversationID: op.ConversationID(),
		Address:        op.Address(),
	})
}

func startTimeout(cfg bridge.Config) time.Duration {
	if cfg.DialTimeout > 0 {
		return cfg.DialTimeout + time.Second
	}
	return 30 * time.Second
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	ops := s.bridge.Operations()
	out := make([]bridge.Info, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": out})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, ok := s.bridge.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("operation not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation_id": id, "cancelled": op.Cancel()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msgs, err := s.bridge.History(r.Context(), s.cfg, bridge.HistoryQuery{
		ConversationID: q.Get("conversation"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if msgs == nil {
		msgs = []chatpb.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleGetBackend(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"address": s.bridge.DefaultAddress()})
}

func (s *Server) handleSetBackend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.bridge.SetDefaultAddress(body.Address); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": s.bridge.DefaultAddress()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		writeError(w, http.StatusNotImplemented, errors.New("uploads are not configured"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var body struct {
		Filename string `json:"filename"`
		Data     string `json:"data"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path, err := s.attachments.SaveUpload(body.Data, body.Filename)
	if err != nil {
		status := http.StatusInternalServerError
		if attachments.IsInvalidUpload(err) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) handleAttachments(w http.ResponseWriter, _ *http.Request) {
	if s.attachments == nil {
		writeError(w, http.StatusNotImplemented, errors.New("attachments are not configured"))
		return
	}
	files, err := s.attachments.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func statusFor(err error) int {
	var (
		spawnErr   *bridge.SpawnError
		connectErr *bridge.ConnectError
	)
	switch {
	case errors.Is(err, bridge.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.As(err, &spawnErr), errors.As(err, &connectErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func intParam(v string) (int32, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, errors.New("invalid integer " + strconv.Quote(v))
	}
	return int32(n), nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(started))
	})
}
