// Package api is the widget-facing HTTP surface: JSON chat, SSE streaming
// chat, CORS preflight, and health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/pipeline"
)

const apiKeyHeader = "x-api-key"

type Handler struct {
	pipeline *pipeline.Pipeline
	checks   map[string]func(context.Context) error
	log      *logrus.Logger
}

// NewHandler wires the widget endpoints. checks maps a dependency name to its
// liveness probe for /health.
func NewHandler(p *pipeline.Pipeline, checks map[string]func(context.Context) error, log *logrus.Logger) *Handler {
	return &Handler{pipeline: p, checks: checks, log: log}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/widget/chat", h.Chat).Methods("POST")
	router.HandleFunc("/api/widget/chat", h.Preflight).Methods("OPTIONS")
	router.HandleFunc("/api/widget/chat/stream", h.ChatStream).Methods("POST")
	router.HandleFunc("/api/widget/chat/stream", h.Preflight).Methods("OPTIONS")
	router.HandleFunc("/health", h.Health).Methods("GET")
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	req, perr := parseChatRequest(r)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	reply, perr := h.pipeline.Handle(r.Context(), req)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	setCORS(w, reply.AllowOrigin)
	writeJSON(w, http.StatusOK, models.ChatResponse{
		Response:  reply.Text,
		SessionID: reply.SessionID,
		Sources:   reply.Sources,
		TraceID:   reply.TraceID,
	})
}

// sseSink frames pipeline output as the widget's SSE contract:
// start / chunk / sources / done / error events.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	reply   *pipeline.Reply
}

func (s *sseSink) Started(reply *pipeline.Reply) error {
	s.reply = reply
	setCORS(s.w, reply.AllowOrigin)
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	return s.event("start", reply.TraceID)
}

func (s *sseSink) Fragment(text string) error {
	return s.event("chunk", text)
}

// event writes one SSE event. Payloads may span lines; each line gets its own
// data: prefix so clients reassemble the original text instead of dropping
// everything after the first newline.
func (s *sseSink) event(name, data string) error {
	var frame strings.Builder
	fmt.Fprintf(&frame, "event: %s\n", name)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&frame, "data: %s\n", line)
	}
	frame.WriteString("\n")

	if _, err := fmt.Fprint(s.w, frame.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, &pipeline.Error{Code: pipeline.CodeInternalError, Message: "Streaming unsupported", Status: http.StatusInternalServerError, AllowOrigin: "*"})
		return
	}

	req, perr := parseChatRequest(r)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	reply, perr := h.pipeline.HandleStream(r.Context(), req, sink)
	if perr != nil {
		// Before the start event the response is still plain JSON; after it
		// the error has to travel in-band.
		if sink.reply == nil {
			writeError(w, r, perr)
			return
		}
		payload, _ := json.Marshal(map[string]string{"code": string(perr.Code), "message": perr.Message})
		sink.event("error", string(payload))
		return
	}

	sourcesJSON := []byte("[]")
	if len(reply.Sources) > 0 {
		if encoded, err := json.Marshal(reply.Sources); err == nil {
			sourcesJSON = encoded
		}
	}
	sink.event("sources", string(sourcesJSON))
	sink.event("done", "[DONE]")
}

// Preflight answers CORS preflights at the origin stage without touching
// anything downstream.
func (h *Handler) Preflight(w http.ResponseWriter, r *http.Request) {
	allowOrigin, ok := h.pipeline.Preflight(r.Context(), r.Header.Get(apiKeyHeader), r.Header.Get("Origin"))
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	setCORS(w, allowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-api-key, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := make(map[string]bool, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		err := check(ctx)
		services[name] = err == nil
		if err != nil {
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"services":  services,
	})
}

func parseChatRequest(r *http.Request) (pipeline.Request, *pipeline.Error) {
	var body models.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64*1024)).Decode(&body); err != nil {
		return pipeline.Request{}, &pipeline.Error{
			Code:        pipeline.CodeValidationFailed,
			Message:     "Invalid request body",
			Status:      http.StatusBadRequest,
			AllowOrigin: "*",
		}
	}

	return pipeline.Request{
		APIKey:    r.Header.Get(apiKeyHeader),
		Origin:    r.Header.Get("Origin"),
		Message:   body.Message,
		SessionID: body.SessionID,
		Metadata:  body.Metadata,
	}, nil
}

func setCORS(w http.ResponseWriter, allowOrigin string) {
	if allowOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Vary", "Origin")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, perr *pipeline.Error) {
	setCORS(w, perr.AllowOrigin)
	writeJSON(w, perr.Status, map[string]interface{}{
		"error": map[string]string{
			"code":    string(perr.Code),
			"message": perr.Message,
		},
		"request_id": requestIDFrom(r.Context()),
	})
}
