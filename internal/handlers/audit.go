package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Thanush-07/aegis/internal/models"
	"github.com/Thanush-07/aegis/internal/services"
	pkghttp "github.com/Thanush-07/aegis/pkg/http"
)

// AuditServiceInterface defines the interface for audit queries and the feed
type AuditServiceInterface interface {
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int64, error)
	Export(ctx context.Context, filter models.AuditFilter, fn func(*models.AuditLog) error) error
	Subscribe() *services.Subscriber
}

// AuditHandler exposes the admin-only audit surfaces: paginated queries,
// NDJSON export, and the live websocket feed.
type AuditHandler struct {
	service        AuditServiceInterface
	logger         *slog.Logger
	allowedOrigins map[string]bool
}

const (
	maxPageSize     = 200
	defaultPageSize = 50

	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
)

func NewAuditHandler(service AuditServiceInterface, allowedOrigins []string, logger *slog.Logger) *AuditHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &AuditHandler{
		service:        service,
		logger:         logger,
		allowedOrigins: origins,
	}
}

// AuditPage is one page of query results
type AuditPage struct {
	Entries []*models.AuditLog `json:"entries"`
	Total   int64              `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// parseFilter builds an AuditFilter from query parameters.
func parseFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		EventType: q.Get("event_type"),
		Limit:     defaultPageSize,
	}

	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, models.ErrBadRequest
		}
		filter.UserID = &id
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, models.ErrBadRequest
		}
		filter.From = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, models.ErrBadRequest
		}
		filter.To = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filter, models.ErrBadRequest
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, models.ErrBadRequest
		}
		filter.Offset = n
	}

	return filter, nil
}

// List returns a page of audit events, newest first
// @Summary Query the audit log
// @Security BearerAuth
// @Produce json
// @Success 200 {object} AuditPage
// @Router /admin/audit [get]
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, "Invalid filter parameters")
		return
	}

	entries, total, err := h.service.Query(r.Context(), filter)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, AuditPage{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}

// Export streams matching events as NDJSON, oldest first
// @Summary Export the audit log
// @Security BearerAuth
// @Produce application/x-ndjson
// @Success 200
// @Router /admin/audit/export [get]
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, "Invalid filter parameters")
		return
	}
	// The walk is unbounded; pagination fields do not apply.
	filter.Limit = 0
	filter.Offset = 0

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.ndjson"`)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)

	var rows int
	err = h.service.Export(r.Context(), filter, func(entry *models.AuditLog) error {
		if err := encoder.Encode(entry); err != nil {
			return err
		}
		rows++
		if flusher != nil && rows%500 == 0 {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are already gone; the truncated stream is the signal.
		h.logger.Error("audit export aborted", slog.String("error", err.Error()))
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
}

// Feed upgrades to a websocket and streams events live. A consumer that
// falls behind loses its oldest buffered events and receives a synthetic
// feed_gap marker carrying the dropped count.
// @Summary Live audit event feed
// @Security BearerAuth
// @Router /admin/audit/feed [get]
func (h *AuditHandler) Feed(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			return origin == "" || h.allowedOrigins[origin]
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	sub := h.service.Subscribe()
	defer sub.Close()

	// Reader pump: we never expect client frames, but reading is what
	// surfaces close frames and connection loss.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if dropped := sub.TakeGap(); dropped > 0 {
				if err := h.writeFeedEvent(conn, gapEvent(dropped)); err != nil {
					return
				}
			}
			if err := h.writeFeedEvent(conn, event); err != nil {
				return
			}
		}
	}
}

func (h *AuditHandler) writeFeedEvent(conn *websocket.Conn, event *models.AuditLog) error {
	conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return conn.WriteJSON(event)
}

// gapEvent is the synthetic marker for a hole in the live feed. It exists
// only on the feed, never in storage.
func gapEvent(dropped int64) *models.AuditLog {
	return &models.AuditLog{
		ID:        uuid.New(),
		EventType: models.AuditEventGap,
		Details:   models.AuditDetails{"dropped": dropped},
		CreatedAt: time.Now(),
	}
}
