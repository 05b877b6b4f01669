package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hollowaylabs/docqd/internal/corpus"
	"github.com/hollowaylabs/docqd/internal/engine"
	"github.com/hollowaylabs/docqd/internal/lifecycle"
	"github.com/hollowaylabs/docqd/internal/queue"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CorpusEntry is one element of the GET /api/v1/corpora response.
type CorpusEntry struct {
	corpus.Metadata
	ModifiedAt time.Time `json:"modified_at"`
	SizeBytes  int64     `json:"size_bytes"`
}

// ListCorporaResponse is the response body for GET /api/v1/corpora.
type ListCorporaResponse struct {
	Corpora []CorpusEntry `json:"corpora"`
	Count   int           `json:"count"`
}

// DeleteCorpusResponse is the response body for DELETE /api/v1/corpora/:id.
type DeleteCorpusResponse struct {
	Deleted string `json:"deleted"`
}

// CleanupResponse is the response body for POST /api/v1/storage/cleanup.
type CleanupResponse struct {
	Cleanup        *lifecycle.CleanupStats `json:"cleanup"`
	UploadsRemoved int                     `json:"orphaned_uploads_removed"`
}

// CancelResponse is the response body for DELETE /api/v1/queue/:id.
type CancelResponse struct {
	Cancelled string `json:"cancelled"`
}

// tokenFrame is the data payload of an SSE token event.
type tokenFrame struct {
	Token string `json:"token"`
}

// errorFrame is the data payload of an SSE error event.
type errorFrame struct {
	Error string `json:"error"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleAsk answers a question as a server-sent event stream. The stream
// carries zero or more token events followed by exactly one final or
// error event.
func (s *Server) handleAsk(c echo.Context) error {
	var q engine.Query
	if err := c.Bind(&q); err != nil {
		s.logger.Warn("invalid ask request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if q.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question field is required")
	}

	events, err := s.stream(c.Request().Context(), q)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "server is at capacity, retry later")
		}
		s.logger.Error("ask stream failed to start", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start answer stream")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	for ev := range events {
		switch ev.Kind {
		case engine.EventToken:
			s.writeEvent(resp, "token", tokenFrame{Token: ev.Token})
		case engine.EventFinal:
			s.writeEvent(resp, "final", ev.Answer)
		case engine.EventError:
			s.writeEvent(resp, "error", errorFrame{Error: ev.Err.Error()})
		}
	}

	return nil
}

// writeEvent writes one SSE frame and flushes it to the client. Write
// failures mean the client went away; the stream is still drained by the
// caller so the generation goroutine never blocks.
func (s *Server) writeEvent(resp *echo.Response, name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("marshal sse event", zap.String("event", name), zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		s.logger.Debug("client disconnected during stream", zap.Error(err))
		return
	}
	resp.Flush()
}

// handleListCorpora lists all persisted corpora.
func (s *Server) handleListCorpora(c echo.Context) error {
	entries, err := s.store.List(c.Request().Context())
	if err != nil {
		s.logger.Error("list corpora", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list corpora")
	}

	out := make([]CorpusEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, CorpusEntry{
			Metadata:   *e.Metadata,
			ModifiedAt: e.ModTime,
			SizeBytes:  e.SizeBytes,
		})
	}

	return c.JSON(http.StatusOK, ListCorporaResponse{Corpora: out, Count: len(out)})
}

// handleDeleteCorpus removes one corpus and its metadata.
func (s *Server) handleDeleteCorpus(c echo.Context) error {
	id := c.Param("id")
	if !s.store.Exists(id) {
		return echo.NewHTTPError(http.StatusNotFound, "corpus not found")
	}

	if err := s.store.Delete(c.Request().Context(), id); err != nil {
		s.logger.Error("delete corpus", zap.String("corpus_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete corpus")
	}

	return c.JSON(http.StatusOK, DeleteCorpusResponse{Deleted: id})
}

// handleStorageStats reports corpus directory usage.
func (s *Server) handleStorageStats(c echo.Context) error {
	stats, err := s.manager.Stats(c.Request().Context())
	if err != nil {
		s.logger.Error("storage stats", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read storage stats")
	}
	return c.JSON(http.StatusOK, stats)
}

// handleCleanup triggers a retention pass. Pass force=true to ignore the
// cleanup interval gate.
func (s *Server) handleCleanup(c echo.Context) error {
	ctx := c.Request().Context()
	force := c.QueryParam("force") == "true"

	stats, err := s.manager.Cleanup(ctx, force)
	if err != nil {
		s.logger.Error("cleanup", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "cleanup failed")
	}

	removed, err := s.manager.CleanupOrphanedUploads(ctx)
	if err != nil {
		s.logger.Warn("orphaned upload cleanup", zap.Error(err))
	}

	return c.JSON(http.StatusOK, CleanupResponse{Cleanup: stats, UploadsRemoved: removed})
}

// handleQueueStats reports queue occupancy.
func (s *Server) handleQueueStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.queue.QueueStats())
}

// handleQueueStatus reports the state of one queued request.
func (s *Server) handleQueueStatus(c echo.Context) error {
	req := s.queue.Status(c.Param("id"))
	if req == nil {
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	}
	return c.JSON(http.StatusOK, req)
}

// handleQueueCancel cancels a pending request. Requests already running
// or finished cannot be cancelled.
func (s *Server) handleQueueCancel(c echo.Context) error {
	id := c.Param("id")
	if s.queue.Status(id) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	}

	if !s.queue.Cancel(id) {
		return echo.NewHTTPError(http.StatusConflict, "request is no longer pending")
	}

	return c.JSON(http.StatusOK, CancelResponse{Cancelled: id})
}
